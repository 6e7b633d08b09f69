package segment

import (
	"context"
	"testing"

	"github.com/arbtrie-go/arbtrie/pkg/logger"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

func testOptions(t *testing.T) *options.Options {
	t.Helper()
	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()
	opts.SegmentOptions.Size = 64 * 1024 // small segments keep tests fast
	return &opts
}

func openTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := Open(&Config{Options: testOptions(t), Logger: logger.NewDevelopment("segment-test")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHeapGrowsInWholeSegments(t *testing.T) {
	h := openTestHeap(t)

	if got := h.SegmentCount(); got != 0 {
		t.Fatalf("expected 0 segments on a fresh heap, got %d", got)
	}

	id1, err := h.AllocSegment()
	if err != nil {
		t.Fatalf("AllocSegment: %v", err)
	}
	if id1 != 0 {
		t.Fatalf("expected first segment ID 0, got %d", id1)
	}

	id2, err := h.AllocSegment()
	if err != nil {
		t.Fatalf("AllocSegment: %v", err)
	}
	if id2 != 1 {
		t.Fatalf("expected second segment ID 1, got %d", id2)
	}

	if h.SegmentCount() != 2 {
		t.Fatalf("expected 2 segments, got %d", h.SegmentCount())
	}

	b := h.SegmentBytes(id2)
	if uint64(len(b)) != h.SegmentSize() {
		t.Fatalf("expected segment bytes of length %d, got %d", h.SegmentSize(), len(b))
	}
}

func TestSessionAllocDataWritesFrameHeader(t *testing.T) {
	h := openTestHeap(t)
	log := logger.NewDevelopment("segment-test")
	provider := NewProvider(h, log)
	epoch := NewEpochQueue(log)

	sess := NewSession(1, h, provider, epoch, options.SyncNone, log)
	defer sess.Close()

	loc, payload, err := sess.AllocData(16, 7, 42, false)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}
	if len(payload) != 16 {
		t.Fatalf("expected 16-byte payload slice, got %d", len(payload))
	}

	copy(payload, []byte("0123456789abcdef"))

	segBytes := h.SegmentBytes(loc.Segment)
	header := DecodeFrameHeader(segBytes[loc.Offset-FrameHeaderSize : loc.Offset])
	if header.Type != 7 || header.Address != 42 {
		t.Fatalf("unexpected frame header: %+v", header)
	}

	if string(segBytes[loc.Offset:loc.Offset+16]) != "0123456789abcdef" {
		t.Fatalf("payload not visible through segment bytes")
	}
}

func TestSessionSealsWhenSegmentFull(t *testing.T) {
	h := openTestHeap(t)
	log := logger.NewDevelopment("segment-test")
	provider := NewProvider(h, log)
	epoch := NewEpochQueue(log)

	sess := NewSession(2, h, provider, epoch, options.SyncNone, log)
	defer sess.Close()

	objSize := uint32(1024)
	firstSeg, _, err := sess.AllocData(objSize, 1, 1, false)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}

	perSegment := h.SegmentSize() / uint64(alignUp(FrameHeaderSize+objSize, allocGranularity))
	var lastLoc Location
	for i := uint64(0); i < perSegment+1; i++ {
		lastLoc, _, err = sess.AllocData(objSize, 1, uint32(i+2), false)
		if err != nil {
			t.Fatalf("AllocData iteration %d: %v", i, err)
		}
	}

	if lastLoc.Segment == firstSeg.Segment {
		t.Fatalf("expected a new segment after exceeding the first segment's capacity")
	}

	firstMeta := h.Meta(firstSeg.Segment)
	if !firstMeta.Sealed.Load() {
		t.Fatalf("expected first segment to be sealed after overflow")
	}
}

func TestEpochQueueRecyclesOnlyAfterAllReadersAdvance(t *testing.T) {
	log := logger.NewDevelopment("segment-test")
	q := NewEpochQueue(log)

	q.Publish(1, 5)
	q.Publish(2, 10)
	q.Enqueue(99, 3)

	if ready := q.Advance(); len(ready) != 1 || ready[0] != 99 {
		t.Fatalf("expected segment 99 ready once both bounds exceed 3, got %v", ready)
	}

	q.Enqueue(100, 7)
	if ready := q.Advance(); len(ready) != 0 {
		t.Fatalf("expected segment 100 to stay pending while session 1's bound (5) is behind 7, got %v", ready)
	}

	q.Publish(1, 8)
	if ready := q.Advance(); len(ready) != 1 || ready[0] != 100 {
		t.Fatalf("expected segment 100 ready once session 1 advances past 7, got %v", ready)
	}
}

func TestProviderAcquireAndRecycle(t *testing.T) {
	h := openTestHeap(t)
	log := logger.NewDevelopment("segment-test")
	p := NewProvider(h, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	id, err := p.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !h.Meta(id).Pinned.Load() {
		t.Fatalf("expected acquired segment to be pinned")
	}

	p.Recycle(id)
	reused, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire after recycle: %v", err)
	}
	if h.Meta(reused).Pinned.Load() {
		t.Fatalf("expected reused segment to be unpinned after re-acquire")
	}
}
