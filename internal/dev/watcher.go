package dev

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Paths are the directories to watch.
	Paths []string

	// IgnoreDirs are directory names skipped entirely.
	IgnoreDirs []string

	// Extensions limits watching to these file suffixes.
	Extensions []string

	// Interval is the polling interval.
	Interval time.Duration
}

// DefaultIgnoreDirs are directory names skipped by default.
var DefaultIgnoreDirs = []string{
	".git",
	"node_modules",
	"vendor",
	"dist",
	"tmp",
}

// DefaultExtensions are the file suffixes watched by default.
var DefaultExtensions = []string{
	".go", ".html", ".htm", ".js", ".ts", ".css", ".json",
}

// Watcher polls directory trees for modified, created, or deleted
// files by comparing mtime snapshots.
type Watcher struct {
	config   WatcherConfig
	onChange func(path string)

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	timestamps map[string]time.Time
}

// NewWatcher creates a file watcher over the configured paths.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if len(config.IgnoreDirs) == 0 {
		config.IgnoreDirs = DefaultIgnoreDirs
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultExtensions
	}

	return &Watcher{
		config:     config,
		timestamps: make(map[string]time.Time),
	}
}

// OnChange sets the callback invoked with the path of each changed file.
func (w *Watcher) OnChange(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start polls until the context is cancelled or Stop is called. It
// blocks; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.timestamps = w.snapshot()
	w.mu.Unlock()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			w.compare()
		}
	}
}

// Stop ends the polling loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// snapshot walks the watched trees and records mtimes for files that
// pass the directory and extension filters.
func (w *Watcher) snapshot() map[string]time.Time {
	snap := make(map[string]time.Time)
	for _, root := range w.config.Paths {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if w.ignoredDir(info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.watched(p) {
				snap[p] = info.ModTime()
			}
			return nil
		})
	}
	return snap
}

// compare diffs a fresh snapshot against the previous one and reports
// every added, modified, or deleted path.
func (w *Watcher) compare() {
	current := w.snapshot()

	w.mu.Lock()
	previous := w.timestamps
	w.timestamps = current
	callback := w.onChange
	w.mu.Unlock()

	if callback == nil {
		return
	}

	for p, mtime := range current {
		old, exists := previous[p]
		if !exists || mtime.After(old) {
			callback(p)
		}
	}
	for p := range previous {
		if _, exists := current[p]; !exists {
			callback(p)
		}
	}
}

func (w *Watcher) ignoredDir(name string) bool {
	for _, ignored := range w.config.IgnoreDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func (w *Watcher) watched(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return true
	}
	for _, want := range w.config.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}
