package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentsh/warden/pkg/types"
)

func TestQueuePushPopFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(types.Event{ID: fmt.Sprint(i)})
	}
	if n := q.Len(); n != 5 {
		t.Fatalf("Len = %d, want 5", n)
	}
	for i := 0; i < 5; i++ {
		ev, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if ev.ID != fmt.Sprint(i) {
			t.Fatalf("got %s want %d", ev.ID, i)
		}
	}
	pushed, popped := q.Stats()
	if pushed != 5 || popped != 5 {
		t.Fatalf("stats = %d/%d", pushed, popped)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan types.Event, 1)
	go func() {
		ev, err := q.Pop(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(types.Event{ID: "late"})

	select {
	case ev := <-got:
		if ev.ID != "late" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueCloseDrainsThenErrors(t *testing.T) {
	q := NewQueue()
	q.Push(types.Event{ID: "a"})
	q.Close()
	if q.Push(types.Event{ID: "b"}) {
		t.Fatal("push after close should be rejected")
	}
	if ev, err := q.Pop(context.Background()); err != nil || ev.ID != "a" {
		t.Fatalf("expected pending event, got %+v %v", ev, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueManyProducers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Push(types.Event{})
			}
		}()
	}
	wg.Wait()
	if n := q.Len(); n != 4000 {
		t.Fatalf("Len = %d, want 4000", n)
	}
	for i := 0; i < 4000; i++ {
		if _, err := q.Pop(context.Background()); err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("Len after drain = %d", n)
	}
}
