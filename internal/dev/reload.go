package dev

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Broadcaster pushes a reload instruction to connected sessions.
// *server.SessionManager satisfies it.
type Broadcaster interface {
	BroadcastReload() int
}

// Reloader ties a file watcher to a reload broadcaster: any change in
// the watched trees triggers one debounced reload broadcast.
type Reloader struct {
	watcher  *Watcher
	sessions Broadcaster
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewReloader creates a Reloader watching the given paths.
func NewReloader(paths []string, sessions Broadcaster, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{
		watcher:  NewWatcher(WatcherConfig{Paths: paths}),
		sessions: sessions,
		debounce: 250 * time.Millisecond,
		logger:   logger.With("component", "autoreload"),
	}
	r.watcher.OnChange(r.fileChanged)
	return r
}

// Start runs the watcher until the context is cancelled.
func (r *Reloader) Start(ctx context.Context) error {
	r.logger.Info("autoreload watching", "paths", r.watcher.config.Paths)
	return r.watcher.Start(ctx)
}

// Stop ends the watcher.
func (r *Reloader) Stop() {
	r.watcher.Stop()

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// fileChanged coalesces a burst of change reports into one broadcast.
func (r *Reloader) fileChanged(path string) {
	r.logger.Debug("file changed", "path", path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Reset(r.debounce)
		return
	}
	r.timer = time.AfterFunc(r.debounce, r.broadcast)
}

func (r *Reloader) broadcast() {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()

	sent := r.sessions.BroadcastReload()
	r.logger.Info("reload broadcast", "sessions", sent)
}
