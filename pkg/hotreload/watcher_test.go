package hotreload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingReloader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *recordingReloader) Reload(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return r.err
}

func (r *recordingReloader) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewFileWatcher(t *testing.T) {
	r := &recordingReloader{}

	t.Run("requires path", func(t *testing.T) {
		if _, err := NewFileWatcher(WatcherConfig{Reload: r.Reload}); err == nil {
			t.Error("expected error for empty path")
		}
	})

	t.Run("requires reload func", func(t *testing.T) {
		if _, err := NewFileWatcher(WatcherConfig{Path: "/tmp/patterns.json"}); err == nil {
			t.Error("expected error for nil reload")
		}
	})

	t.Run("default debounce", func(t *testing.T) {
		w, err := NewFileWatcher(WatcherConfig{Path: "/tmp/patterns.json", Reload: r.Reload})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w.debounce != 100*time.Millisecond {
			t.Errorf("debounce = %v, want 100ms", w.debounce)
		}
	})
}

func TestFileWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &recordingReloader{}
	var changes sync.WaitGroup
	changes.Add(1)
	var once sync.Once
	w, err := NewFileWatcher(WatcherConfig{
		Path:     path,
		Reload:   r.Reload,
		Debounce: 30 * time.Millisecond,
		OnChange: func(string, error) { once.Do(changes.Done) },
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	changes.Wait()
	waitFor(t, func() bool { return w.Stats().ReloadsSuccess >= 1 })

	r.mu.Lock()
	for _, p := range r.paths {
		if p != path {
			t.Errorf("reloaded %s, want %s", p, path)
		}
	}
	r.mu.Unlock()
}

func TestFileWatcher_FailedReloadIsRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &recordingReloader{err: errors.New("bad regex")}
	w, err := NewFileWatcher(WatcherConfig{Path: path, Reload: r.Reload})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.TriggerReload(); err == nil {
		t.Error("TriggerReload before Start should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.TriggerReload(); err != nil {
		t.Fatalf("TriggerReload() error = %v", err)
	}
	waitFor(t, func() bool { return w.Stats().ReloadsFailed >= 1 })

	st := w.Stats()
	if st.ReloadsSuccess != 0 {
		t.Errorf("ReloadsSuccess = %d, want 0", st.ReloadsSuccess)
	}
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestFileWatcher_MissingDirectory(t *testing.T) {
	r := &recordingReloader{}
	w, err := NewFileWatcher(WatcherConfig{Path: filepath.Join(t.TempDir(), "nope", "patterns.json"), Reload: r.Reload})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
