// Package identity holds a node's keypair and public metadata.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"kbnet/pkg/model"
)

// Identity is a node's immutable identity. The private key never leaves it.
type Identity struct {
	info model.NodeInfo
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New builds an identity from a private key. The node id in meta is replaced by the
// id derived from the key.
func New(priv ed25519.PrivateKey, meta model.NodeInfo) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	meta.NodeID = NodeID(pub)
	return &Identity{info: meta, priv: priv, pub: pub}
}

// Generate creates a fresh identity, mainly for tests and first start.
func Generate(meta model.NodeInfo) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(priv, meta), nil
}

// LoadOrCreate reads an OpenSSH ed25519 private key from path, creating one if the
// file does not exist.
func LoadOrCreate(path string, meta model.NodeInfo) (*Identity, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate(meta)
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return New(*k, meta), nil
	case ed25519.PrivateKey:
		return New(k, meta), nil
	default:
		return nil, fmt.Errorf("key file %s: unsupported key type %T", path, raw)
	}
}

// Save writes the private key in OpenSSH format with 0600 permissions.
func (id *Identity) Save(path string) error {
	block, err := ssh.MarshalPrivateKey(id.priv, "kbnode "+id.info.NodeID)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir key dir: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// Info returns the public projection sent over the wire.
func (id *Identity) Info() model.NodeInfo { return id.info }

// NodeID is shorthand for Info().NodeID.
func (id *Identity) NodeID() string { return id.info.NodeID }

// PublicKeyHex is the wire encoding of the public key.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.pub) }

// Fingerprint is the OpenSSH SHA256 fingerprint, for logs.
func (id *Identity) Fingerprint() string {
	sp, err := ssh.NewPublicKey(id.pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sp)
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// WithListenURL returns a copy whose public metadata carries url.
func (id *Identity) WithListenURL(url string) *Identity {
	cp := *id
	cp.info.ListenURL = url
	return &cp
}

// NodeID derives a node id from a public key.
func NodeID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:12]
}

// ParsePublicKey decodes the wire encoding of a public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Verify checks sig over msg.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig)
}
