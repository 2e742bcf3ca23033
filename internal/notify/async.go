package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultAsyncBuffer = 256

type pending struct {
	ctx context.Context
	msg Message
}

// Async hands messages to a background sender so a slow channel never
// blocks the caller. Push reports whether the message was queued.
type Async struct {
	next   Notifier
	logger *slog.Logger
	msgs   chan pending
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewAsync starts the sender goroutine. buffer <= 0 uses 256.
func NewAsync(next Notifier, buffer int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next:   next,
		logger: logger,
		msgs:   make(chan pending, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Push(ctx context.Context, msg Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.msgs <- pending{ctx: context.WithoutCancel(ctx), msg: msg}:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("notification dropped: sender backlog full", "kind", msg.Kind, "title", msg.Title)
		return false
	}
}

func (a *Async) run() {
	defer close(a.done)
	for p := range a.msgs {
		if a.next.Push(p.ctx, p.msg) {
			a.delivered.Add(1)
		} else {
			a.failed.Add(1)
		}
	}
}

// Close stops accepting messages and waits until the backlog is sent.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.msgs)
	}
	a.mu.Unlock()
	<-a.done
}

// AsyncStats counts sender outcomes.
type AsyncStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Backlog   int   `json:"backlog"`
}

func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Delivered: a.delivered.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Backlog:   len(a.msgs),
	}
}
