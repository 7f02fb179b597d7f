package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// ReloadObserver is told the result of every reload.
type ReloadObserver interface {
	PolicyReloaded(err error)
}

// Holder serves the current policy snapshot and swaps it atomically on
// reload. Readers never see a partially built policy; a failed reload
// keeps the previous snapshot.
type Holder struct {
	path     string
	opts     BuildOptions
	logger   *slog.Logger
	observer ReloadObserver
	current  atomic.Pointer[Snapshot]
}

// NewHolder loads the policy at path. It fails if the initial policy is
// invalid.
func NewHolder(path string, opts BuildOptions, logger *slog.Logger, observer ReloadObserver) (*Holder, error) {
	h := &Holder{
		path:     filepath.Clean(path),
		opts:     opts,
		logger:   logger,
		observer: observer,
	}

	snap, err := h.load()
	if err != nil {
		return nil, err
	}
	h.current.Store(snap)

	return h, nil
}

// Snapshot returns the current policy.
func (h *Holder) Snapshot() *Snapshot {
	return h.current.Load()
}

// Engine returns the current ACL engine.
func (h *Holder) Engine() *acl.Engine {
	return h.current.Load().Engine
}

// Providers returns the current provider set.
func (h *Holder) Providers() *auth.Providers {
	return h.current.Load().Providers
}

func (h *Holder) load() (*Snapshot, error) {
	p, err := LoadPolicy(h.path)
	if err != nil {
		return nil, err
	}
	snap, err := p.Build(h.opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.path, err)
	}
	return snap, nil
}

// Reload re-reads the policy file and installs it if valid.
func (h *Holder) Reload() error {
	snap, err := h.load()
	if h.observer != nil {
		h.observer.PolicyReloaded(err)
	}
	if err != nil {
		h.logger.Error("policy reload failed, keeping previous policy", slog.String("error", err.Error()))
		return err
	}

	h.current.Store(snap)
	h.logger.Info("policy reloaded",
		slog.String("path", h.path),
		slog.Int("rules", snap.Engine.Len()),
	)

	return nil
}

// Watch reloads the policy whenever its file changes. It blocks until
// the context is cancelled. The parent directory is watched so that
// editors that replace the file by rename are noticed.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watching policy directory: %w", err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal; the current policy stays in force.
			h.logger.Warn("policy watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			_ = h.Reload()
		}
	}
}
