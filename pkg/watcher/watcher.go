// Package watcher keeps a steady view of a share directory by re-walking it on an
// interval and diffing stat fingerprints between passes.
package watcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetadataDir holds per-share bookkeeping and is never reported.
const MetadataDir = ".kbucket"

// skipNames are directory entries never descended into or reported, besides
// anything starting with ".".
var skipNames = map[string]struct{}{
	MetadataDir:    {},
	"node_modules": {},
	"__pycache__":  {},
}

// UpdateHandler receives a relative slash path whose fingerprint changed.
type UpdateHandler func(rel string, info fs.FileInfo)

// RemoveHandler receives a relative slash path that disappeared.
type RemoveHandler func(rel string)

// Options tune a Watcher. Zero values fall back to defaults.
type Options struct {
	Interval time.Duration
	// PacingDelay is slept between filesystem calls during a pass. It only
	// throttles the call rate; it does not wait for files to settle.
	PacingDelay time.Duration
	Logger      *zap.Logger
}

// Watcher re-walks root and reports changes to its subscribers.
type Watcher struct {
	root     string
	interval time.Duration
	pacing   time.Duration
	log      *zap.Logger

	mu           sync.Mutex
	fingerprints map[string]string // rel path -> fingerprint
	onUpdate     []UpdateHandler
	onRemove     []RemoveHandler
}

// New creates a watcher for root.
func New(root string, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.PacingDelay < 0 {
		opts.PacingDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		root:         root,
		interval:     opts.Interval,
		pacing:       opts.PacingDelay,
		log:          opts.Logger.With(zap.String("component", "watcher"), zap.String("root", root)),
		fingerprints: make(map[string]string),
	}
}

// OnUpdate subscribes to update events.
func (w *Watcher) OnUpdate(h UpdateHandler) {
	w.mu.Lock()
	w.onUpdate = append(w.onUpdate, h)
	w.mu.Unlock()
}

// OnRemove subscribes to remove events.
func (w *Watcher) OnRemove(h RemoveHandler) {
	w.mu.Lock()
	w.onRemove = append(w.onRemove, h)
	w.mu.Unlock()
}

// Restart forgets every remembered fingerprint, so the next pass reports every
// present file as an update.
func (w *Watcher) Restart() {
	w.mu.Lock()
	w.fingerprints = make(map[string]string)
	w.mu.Unlock()
	w.log.Info("watcher restarted; full re-index on next pass")
}

// Run performs a pass every interval until ctx is done. A failing pass is logged
// and the loop carries on.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Pass(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("watch pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass walks the tree once, emitting updates as it goes and removes at the end.
func (w *Watcher) Pass(ctx context.Context) error {
	if _, err := os.Stat(w.root); err != nil {
		return err
	}
	visited := make(map[string]struct{})
	if err := w.walkDir(ctx, "", visited); err != nil {
		return err
	}

	w.mu.Lock()
	var removed []string
	for rel := range w.fingerprints {
		if _, ok := visited[rel]; !ok {
			removed = append(removed, rel)
			delete(w.fingerprints, rel)
		}
	}
	w.mu.Unlock()

	for _, rel := range removed {
		w.emitRemove(rel)
	}
	return nil
}

func (w *Watcher) walkDir(ctx context.Context, rel string, visited map[string]struct{}) error {
	entries, err := os.ReadDir(filepath.Join(w.root, filepath.FromSlash(rel)))
	if err != nil {
		w.log.Warn("skip unreadable directory", zap.String("dir", rel), zap.Error(err))
		return nil
	}
	for _, e := range entries {
		if err := w.pace(ctx); err != nil {
			return err
		}
		name := e.Name()
		if reserved(name) {
			continue
		}
		childRel := path.Join(rel, name)
		if e.IsDir() {
			if err := w.walkDir(ctx, childRel, visited); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			w.log.Debug("skip unreadable entry", zap.String("path", childRel), zap.Error(err))
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		visited[childRel] = struct{}{}
		fp := Fingerprint(info)

		w.mu.Lock()
		changed := w.fingerprints[childRel] != fp
		if changed {
			w.fingerprints[childRel] = fp
		}
		w.mu.Unlock()

		if changed {
			w.emitUpdate(childRel, info)
		}
	}
	return nil
}

func (w *Watcher) pace(ctx context.Context) error {
	if w.pacing == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(w.pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Watcher) emitUpdate(rel string, info fs.FileInfo) {
	w.mu.Lock()
	handlers := append([]UpdateHandler(nil), w.onUpdate...)
	w.mu.Unlock()
	for _, h := range handlers {
		w.safely(rel, func() { h(rel, info) })
	}
}

func (w *Watcher) emitRemove(rel string) {
	w.mu.Lock()
	handlers := append([]RemoveHandler(nil), w.onRemove...)
	w.mu.Unlock()
	for _, h := range handlers {
		w.safely(rel, func() { h(rel) })
	}
}

func (w *Watcher) safely(rel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watch handler panicked", zap.String("path", rel), zap.Any("panic", r))
		}
	}()
	fn()
}

// Fingerprint hashes the (mtime, size) pair of a file.
func Fingerprint(info fs.FileInfo) string {
	h := sha1.Sum([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10) + ":" + strconv.FormatInt(info.Size(), 10)))
	return hex.EncodeToString(h[:])
}

func reserved(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := skipNames[name]
	return ok
}
