package pagination

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchState caches the last scan while the directory watch reports no
// activity. When the watcher degrades (error or unsupported platform) the
// cache stays disabled and every List call rescans.
type watchState struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	snap     []entry
	valid    bool
	degraded bool
	done     chan struct{}
}

// Start begins watching the configured directories. Failure to establish the
// watcher is non-fatal; the engine falls back to per-call scans.
func (e *Engine) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn("pagination.watch.unavailable", "error", err)
		return nil
	}
	for _, dir := range e.cfg.Dirs {
		if err := watcher.Add(dir); err != nil {
			e.logger.Warn("pagination.watch.add_failed", "dir", dir, "error", err)
			_ = watcher.Close()
			return nil
		}
	}
	w := &watchState{watcher: watcher, done: make(chan struct{})}
	e.watch = w
	go w.run(e)
	e.logger.Debug("pagination.watch.started", "dirs", len(e.cfg.Dirs))
	return nil
}

// Close stops the watcher; safe to call when Start never ran.
func (e *Engine) Close() error {
	w := e.watch
	if w == nil {
		return nil
	}
	e.watch = nil
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *watchState) run(e *Engine) {
	defer close(w.done)
	for {
		select {
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.valid = false
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("pagination.watch.error", "error", err)
			w.mu.Lock()
			w.degraded = true
			w.valid = false
			w.mu.Unlock()
		}
	}
}

// snapshot returns cached entries when the watch confirms freshness,
// otherwise performs a scan (and caches it when caching is healthy).
func (e *Engine) snapshot() ([]entry, error) {
	w := e.watch
	if w == nil {
		return e.scan()
	}
	w.mu.Lock()
	if w.valid && !w.degraded {
		snap := w.snap
		w.mu.Unlock()
		return snap, nil
	}
	w.mu.Unlock()

	entries, err := e.scan()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if !w.degraded {
		w.snap = entries
		w.valid = true
	}
	w.mu.Unlock()
	return entries, nil
}
