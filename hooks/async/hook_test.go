package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/offgrid"
)

type recHooks struct {
	offgrid.NopHooks
	mu      sync.Mutex
	deleted []string
	block   chan struct{}
}

func (r *recHooks) PartitionDeleted(name string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.deleted = append(r.deleted, name)
	r.mu.Unlock()
}

func TestCloseDelivers(t *testing.T) {
	inner := &recHooks{}
	h := New(inner, 2, 16)
	h.PartitionDeleted("art-atlas-html-v1")
	h.PartitionDeleted("art-atlas-data-v1")
	h.Close()

	if len(inner.deleted) != 2 {
		t.Fatalf("want 2 delivered events, got %v", inner.deleted)
	}
	h.PartitionDeleted("late")
	if h.Dropped() != 1 {
		t.Fatalf("event after close should be dropped, dropped=%d", h.Dropped())
	}
}

func TestFullQueueDrops(t *testing.T) {
	inner := &recHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)

	// one event is held by the worker, at most one sits in the queue
	for i := 0; i < 5; i++ {
		h.PartitionDeleted("p")
	}
	if h.Dropped() < 3 {
		t.Fatalf("want at least 3 drops, got %d", h.Dropped())
	}
	close(inner.block)
	h.Close()
}
