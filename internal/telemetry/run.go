package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentsh/warden/pkg/types"
)

var errNoWatchableDirs = errors.New("no watchable telemetry directories")

// Sink receives actionable events produced by Run.
type Sink func(types.Event)

// RunOptions configures the polling loop.
type RunOptions struct {
	Interval time.Duration
	// Watch enables fsnotify wakeups between ticks.
	Watch bool
	// OnError is called with poll errors; nil drops them after logging.
	OnError func(error)
}

// Run polls on a fixed interval until ctx is done, pushing every event to
// sink. With Watch set, writes to tracked files trigger an early poll.
func (t *Tailer) Run(ctx context.Context, opts RunOptions, sink Sink) {
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var wake <-chan struct{}
	if opts.Watch {
		w, err := t.watch(ctx)
		if err != nil {
			t.logger.Warn("telemetry watcher unavailable, polling only", "error", err)
		} else {
			wake = w
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.pollInto(opts, sink)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		t.pollInto(opts, sink)
	}
}

func (t *Tailer) pollInto(opts RunOptions, sink Sink) {
	evs, err := t.Poll()
	if err != nil {
		t.logger.Warn("telemetry poll failed", "error", err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
	}
	for _, ev := range evs {
		sink(ev)
	}
}

// watch subscribes to the parent directories of tracked files so files that
// do not exist yet are picked up on creation.
func (t *Tailer) watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(t.files))
	dirs := make(map[string]bool)
	for _, f := range t.files {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		tracked[filepath.Clean(abs)] = true
		dirs[filepath.Dir(abs)] = true
	}
	added := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			t.logger.Debug("telemetry watcher cannot watch directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		watcher.Close()
		return nil, errNoWatchableDirs
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !tracked[filepath.Clean(ev.Name)] {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn("telemetry watcher error", "error", err)
			}
		}
	}()
	return wake, nil
}
