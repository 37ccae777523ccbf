package app

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher polls a file and invokes a callback when its modification time
// moves past the baseline. It is used to retrain when the target manifest
// is edited.
type Watcher struct {
	path          string
	checkInterval time.Duration

	mu       sync.Mutex
	baseline time.Time
	stopCh   chan struct{}
	onChange func()
}

// NewWatcher creates a watcher for path. The current modification time is
// the baseline.
func NewWatcher(path string, checkInterval time.Duration) (*Watcher, error) {
	// Resolve symlinks so edits through the link target are seen.
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:          path,
		checkInterval: checkInterval,
		baseline:      info.ModTime(),
	}, nil
}

// OnChange sets the callback. It runs on the watcher goroutine.
func (w *Watcher) OnChange(callback func()) {
	w.mu.Lock()
	w.onChange = callback
	w.mu.Unlock()
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	w.mu.Lock()
	w.stopCh = make(chan struct{})
	stop := w.stopCh
	w.mu.Unlock()
	go w.watchLoop(stop)
}

// Stop stops the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
}

func (w *Watcher) watchLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !w.checkForUpdate() {
				continue
			}
			w.mu.Lock()
			cb := w.onChange
			w.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

// checkForUpdate reports a change once and moves the baseline forward.
func (w *Watcher) checkForUpdate() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !info.ModTime().After(w.baseline) {
		return false
	}
	w.baseline = info.ModTime()
	return true
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}
