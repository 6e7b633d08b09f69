package cache

import (
	"testing"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/pkg/logger"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

func newTestPolicy(t *testing.T, maxPinnedBytes uint64) (*Policy, *segment.Heap) {
	t.Helper()
	log := logger.NewDevelopment("cache-test")

	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()
	opts.SegmentOptions.Size = 4096

	heap, err := segment.Open(&segment.Config{Options: &opts, Logger: log})
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	t.Cleanup(func() { heap.Close() })

	table := cbt.New(&cbt.Config{Options: &opts, Logger: log})

	return New(&Config{Heap: heap, Table: table, MaxPinnedBytes: maxPinnedBytes, Logger: log}), heap
}

func TestEnforceBudgetMunlocksOldestPinnedSegment(t *testing.T) {
	p, heap := newTestPolicy(t, heap4096Budget(1))

	ids := make([]uint32, 3)
	for i := range ids {
		id, err := heap.AllocSegment()
		if err != nil {
			t.Fatalf("AllocSegment: %v", err)
		}
		ids[i] = id
		heap.Meta(id).Pinned.Store(true)
		heap.Meta(id).Age.Store(uint64(i))
		if err := heap.Mlock(id); err != nil {
			t.Skipf("mlock unavailable in this environment: %v", err)
		}
	}

	p.EnforceBudget()

	if heap.Meta(ids[0]).Pinned.Load() {
		t.Fatalf("expected oldest segment (lowest age) to be unpinned")
	}
	if !heap.Meta(ids[2]).Pinned.Load() {
		t.Fatalf("expected newest segment to remain pinned")
	}
}

func heap4096Budget(segments uint64) uint64 {
	return segments * 4096
}

func TestPromotionRingEvictsOldestWhenFull(t *testing.T) {
	r := NewPromotionRing()
	for i := uint32(0); i < defaultRingCapacity+5; i++ {
		r.Enqueue(i)
	}

	if r.Len() != defaultRingCapacity {
		t.Fatalf("expected ring capped at %d, got %d", defaultRingCapacity, r.Len())
	}

	batch := r.PopBatch(1)
	if len(batch) != 1 || batch[0] != 5 {
		t.Fatalf("expected oldest surviving entry to be 5, got %v", batch)
	}
}

func TestPromotionRingPopBatchDrainsInOrder(t *testing.T) {
	r := NewPromotionRing()
	r.Enqueue(1)
	r.Enqueue(2)
	r.Enqueue(3)

	batch := r.PopBatch(2)
	if len(batch) != 2 || batch[0] != 1 || batch[1] != 2 {
		t.Fatalf("expected [1 2], got %v", batch)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", r.Len())
	}

	rest := r.PopBatch(10)
	if len(rest) != 1 || rest[0] != 3 {
		t.Fatalf("expected [3], got %v", rest)
	}
}
