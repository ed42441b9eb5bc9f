// Package consul resolves indirect share identifiers through the Consul KV store.
package consul

import (
	"context"
	"errors"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

const defaultPrefix = "kbnet/shareids/"

// ErrNoKey is returned when the collection has no such key.
var ErrNoKey = errors.New("consul: key not found")

// Lookup maps "collection.key" identifiers to share ids. Values are stored at
// {prefix}{collection}/{key}.
type Lookup struct {
	kv     *consulapi.KV
	prefix string
}

// NewLookup connects to the agent at addr (empty means the consul default).
func NewLookup(addr, prefix string) (*Lookup, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Lookup{kv: cli.KV(), prefix: prefix}, nil
}

// Lookup returns the share id stored for collection/key.
func (l *Lookup) Lookup(ctx context.Context, collection, key string) (string, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := l.kv.Get(l.prefix+collection+"/"+key, opts)
	if err != nil {
		return "", fmt.Errorf("consul get %s.%s: %w", collection, key, err)
	}
	if pair == nil {
		return "", fmt.Errorf("%w: %s.%s", ErrNoKey, collection, key)
	}
	id := strings.TrimSpace(string(pair.Value))
	if id == "" {
		return "", fmt.Errorf("%w: %s.%s is empty", ErrNoKey, collection, key)
	}
	return id, nil
}

// Put stores a mapping, used when publishing a share under a friendly name.
func (l *Lookup) Put(ctx context.Context, collection, key, shareID string) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := l.kv.Put(&consulapi.KVPair{Key: l.prefix + collection + "/" + key, Value: []byte(shareID)}, opts)
	if err != nil {
		return fmt.Errorf("consul put %s.%s: %w", collection, key, err)
	}
	return nil
}
