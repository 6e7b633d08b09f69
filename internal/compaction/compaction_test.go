package compaction

import (
	"testing"

	"github.com/arbtrie-go/arbtrie/internal/cache"
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/pkg/logger"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

type harness struct {
	heap     *segment.Heap
	table    *cbt.Table
	provider *segment.Provider
	epoch    *segment.EpochQueue
	policy   *cache.Policy
	opts     *options.Options
	compact  *Compactor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewDevelopment("compaction-test")

	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()
	opts.SegmentOptions.Size = 4096
	opts.CompactOptions.PinnedUnusedMB = 0
	opts.CompactOptions.UnpinnedUnusedMB = 0

	heap, err := segment.Open(&segment.Config{Options: &opts, Logger: log})
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	t.Cleanup(func() { heap.Close() })

	table := cbt.New(&cbt.Config{Options: &opts, Logger: log})
	provider := segment.NewProvider(heap, log)
	epoch := segment.NewEpochQueue(log)
	policy := cache.New(&cache.Config{Heap: heap, Table: table, MaxPinnedBytes: opts.CacheOptions.MaxPinnedCacheMB * 1024 * 1024, Logger: log})

	c := New(&Config{
		Heap: heap, Table: table, Provider: provider, Epoch: epoch,
		Policy: policy, Options: &opts, Logger: log,
	})

	return &harness{heap: heap, table: table, provider: provider, epoch: epoch, policy: policy, opts: &opts, compact: c}
}

func TestCompactSegmentRelocatesLiveFrame(t *testing.T) {
	h := newHarness(t)

	sess := segment.NewSession(1, h.heap, h.provider, h.epoch, options.SyncNone, logger.NewDevelopment("compaction-test"))
	defer sess.Close()

	addr, err := h.table.Alloc(cbt.TypeLeaf, cbt.Location{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	loc, payload, err := sess.AllocData(32, uint8(cbt.TypeLeaf), uint32(addr), false)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}
	copy(payload, []byte("the quick brown fox is live!!!!!"))

	if err := h.table.SetLive(addr, cbt.TypeLeaf, cbt.Location{Segment: loc.Segment, Offset: loc.Offset}); err != nil {
		t.Fatalf("SetLive: %v", err)
	}

	if err := sess.SealCurrent(); err != nil {
		t.Fatalf("SealCurrent: %v", err)
	}
	srcMeta := h.heap.Meta(loc.Segment)
	srcMeta.FreedBytes.Store(1) // exceed the zero threshold so it is eligible.

	h.compact.RunPass()

	cb, ok := h.table.Get(addr)
	if !ok {
		t.Fatalf("address vanished after compaction")
	}
	if cb.Location.Segment == loc.Segment {
		t.Fatalf("expected address relocated to a new segment, still at %d", loc.Segment)
	}

	newBytes := h.heap.SegmentBytes(cb.Location.Segment)
	got := string(newBytes[cb.Location.Offset : cb.Location.Offset+32])
	if got != "the quick brown fox is live!!!!!" {
		t.Fatalf("payload not preserved across relocation: %q", got)
	}
}

func TestCompactSegmentSkipsFreedFrame(t *testing.T) {
	h := newHarness(t)

	sess := segment.NewSession(1, h.heap, h.provider, h.epoch, options.SyncNone, logger.NewDevelopment("compaction-test"))
	defer sess.Close()

	addr, err := h.table.Alloc(cbt.TypeLeaf, cbt.Location{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	loc, _, err := sess.AllocData(16, uint8(cbt.TypeLeaf), uint32(addr), false)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}
	if err := h.table.SetLive(addr, cbt.TypeLeaf, cbt.Location{Segment: loc.Segment, Offset: loc.Offset}); err != nil {
		t.Fatalf("SetLive: %v", err)
	}

	// Free it before compaction runs: the frame is now dead and must be skipped.
	if _, err := h.table.Release(addr); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := sess.SealCurrent(); err != nil {
		t.Fatalf("SealCurrent: %v", err)
	}
	h.heap.Meta(loc.Segment).FreedBytes.Store(1)

	h.compact.RunPass()

	if _, ok := h.table.TryGet(addr); ok {
		t.Fatalf("expected freed address to remain absent from the table")
	}
}
