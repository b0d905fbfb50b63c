package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	pollInterval    = 500 * time.Millisecond
	selfWriteWindow = 1500 * time.Millisecond
)

// Watcher polls a directory for JSON file changes and reports them, while
// suppressing echoes of the process's own writes.
type Watcher struct {
	dir      string
	onChange func(path string)

	mu     sync.Mutex
	recent map[string]time.Time
	mtimes map[string]time.Time
}

func NewWatcher(dir string, onChange func(path string)) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		recent:   map[string]time.Time{},
		mtimes:   map[string]time.Time{},
	}
}

// MarkSelfWrite suppresses change events for path for a short window. Call
// it right after saving a file from this process.
func (w *Watcher) MarkSelfWrite(path string) {
	w.mu.Lock()
	w.recent[path] = time.Now()
	w.mu.Unlock()
}

// Run polls until ctx is cancelled. The first scan primes the mtime cache
// without firing events.
func (w *Watcher) Run(ctx context.Context) {
	w.scan(false)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.scan(true)
		}
	}
}

func (w *Watcher) scan(fire bool) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, e.Name())

		w.mu.Lock()
		prev, seen := w.mtimes[path]
		w.mtimes[path] = info.ModTime()
		self := false
		if ts, ok := w.recent[path]; ok {
			if time.Since(ts) < selfWriteWindow {
				self = true
			} else {
				delete(w.recent, path)
			}
		}
		w.mu.Unlock()

		if !fire || self {
			continue
		}
		if !seen || !info.ModTime().Equal(prev) {
			w.onChange(path)
		}
	}
}
