// Package hotreload reloads a single file when it changes on disk.
package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc loads path and swaps it in. On error the caller keeps the
// previous version.
type ReloadFunc func(path string) error

// FileWatcher watches one file and calls Reload after writes settle.
type FileWatcher struct {
	path       string
	reload     ReloadFunc
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats
	now        func() time.Time
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures a FileWatcher.
type WatcherConfig struct {
	Path     string
	Reload   ReloadFunc
	Debounce time.Duration // quiet period before a burst of writes triggers a reload
	OnChange func(path string, err error)
}

func NewFileWatcher(config WatcherConfig) (*FileWatcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if config.Reload == nil {
		return nil, fmt.Errorf("reload func is required")
	}
	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", config.Path, err)
	}
	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}
	return &FileWatcher{
		path:       abs,
		reload:     config.Reload,
		debounce:   debounce,
		onChange:   config.OnChange,
		reloadChan: make(chan string, 1),
		now:        time.Now,
	}, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string { return w.path }

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are still seen.
func (w *FileWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}
	w.watcher = watcher

	go w.processEvents(ctx)
	go w.processReloads(ctx)
	return nil
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.enqueue()
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue coalesces with any reload already waiting.
func (w *FileWatcher) enqueue() {
	select {
	case w.reloadChan <- w.path:
	default:
	}
}

func (w *FileWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	if err := w.reload(path); err != nil {
		w.recordError(fmt.Sprintf("reloading %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = w.now()
	w.stats.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

func (w *FileWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = w.now()
	w.stats.mu.Unlock()
}

// Stop closes the underlying watcher. It is safe to call more than once.
func (w *FileWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns a copy of the reload counters.
func (w *FileWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload without waiting for a file event.
func (w *FileWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	w.enqueue()
	return nil
}
