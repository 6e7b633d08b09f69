// Package compaction implements the background compactor (C4): it
// relocates live objects out of sparse segments via copy-and-CAS, recycles
// the segments they vacate once the epoch queue clears them, and promotes
// objects readers flagged as hot into pinned space.
package compaction

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbtrie-go/arbtrie/internal/cache"
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
)

// pinnedBatch and unpinnedBatch bound how many segments of each flavor are
// compacted per pass, sorted by descending virtual age to preserve
// age-locality (spec.md §4.4).
const (
	pinnedBatch            = 16
	unpinnedBatch           = 8
	promoteBatchPerSession  = 8
	outputSessionIDPinned   = ^uint64(0)
	outputSessionIDUnpinned = ^uint64(0) - 1
)

// Compactor is the background copy-and-CAS relocator (C4).
type Compactor struct {
	heap     *segment.Heap
	table    *cbt.Table
	provider *segment.Provider
	epoch    *segment.EpochQueue
	policy   *cache.Policy
	opts     *options.Options
	log      *zap.SugaredLogger

	seq atomic.Uint64

	pinnedOut   *segment.Session
	unpinnedOut *segment.Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the parameters needed to construct a Compactor.
type Config struct {
	Heap     *segment.Heap
	Table    *cbt.Table
	Provider *segment.Provider
	Epoch    *segment.EpochQueue
	Policy   *cache.Policy
	Options  *options.Options
	Logger   *zap.SugaredLogger
}

// New creates a Compactor with its own dedicated pinned and unpinned output
// sessions, separate from any writer-facing session.
func New(config *Config) *Compactor {
	pinnedOut := segment.NewSession(outputSessionIDPinned, config.Heap, config.Provider, config.Epoch, config.Options.SyncMode, config.Logger)
	unpinnedOut := segment.NewSession(outputSessionIDUnpinned, config.Heap, config.Provider, config.Epoch, config.Options.SyncMode, config.Logger)

	return &Compactor{
		heap:        config.Heap,
		table:       config.Table,
		provider:    config.Provider,
		epoch:       config.Epoch,
		policy:      config.Policy,
		opts:        config.Options,
		log:         config.Logger,
		pinnedOut:   pinnedOut,
		unpinnedOut: unpinnedOut,
	}
}

// Start launches the background compaction loop, paced by the configured
// compact interval.
func (c *Compactor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop cancels the background loop, waits for it to exit, and seals both
// output sessions.
func (c *Compactor) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.pinnedOut.Close()
	c.unpinnedOut.Close()
}

func (c *Compactor) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CompactOptions.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunPass()
		}
	}
}

// RunPass performs one eligibility scan, compacts up to the configured
// batch of pinned and unpinned candidates, advances the epoch queue, and
// hands any newly-recyclable segments back to the provider.
func (c *Compactor) RunPass() {
	pinnedCandidates, unpinnedCandidates := c.scanEligible()

	for _, m := range pinnedCandidates {
		c.compactSegment(m, true)
	}
	for _, m := range unpinnedCandidates {
		c.compactSegment(m, false)
	}

	for _, id := range c.epoch.Advance() {
		c.provider.Recycle(id)
	}

	if c.policy != nil {
		c.policy.EnforceBudget()
	}
}

func (c *Compactor) scanEligible() (pinned, unpinned []*segment.Meta) {
	pinnedThreshold := c.opts.CompactOptions.PinnedUnusedMB * 1024 * 1024
	unpinnedThreshold := c.opts.CompactOptions.UnpinnedUnusedMB * 1024 * 1024

	var pinnedCands, unpinnedCands []*segment.Meta
	for _, m := range c.heap.AllMeta() {
		if !m.Sealed.Load() || m.InRecyclePipeline.Load() {
			continue
		}
		freed := m.FreedBytes.Load()
		if m.Pinned.Load() {
			if freed > pinnedThreshold {
				pinnedCands = append(pinnedCands, m)
			}
		} else if freed > unpinnedThreshold {
			unpinnedCands = append(unpinnedCands, m)
		}
	}

	sortByDescendingAge(pinnedCands)
	sortByDescendingAge(unpinnedCands)

	if len(pinnedCands) > pinnedBatch {
		pinnedCands = pinnedCands[:pinnedBatch]
	}
	if len(unpinnedCands) > unpinnedBatch {
		unpinnedCands = unpinnedCands[:unpinnedBatch]
	}
	return pinnedCands, unpinnedCands
}

func sortByDescendingAge(metas []*segment.Meta) {
	sort.Slice(metas, func(i, j int) bool { return metas[i].Age.Load() > metas[j].Age.Load() })
}

// compactSegment scans m's object frames forward, relocating every still-
// live one into the appropriate output segment, then pushes m into the
// epoch queue for recycling (spec.md §4.4).
func (c *Compactor) compactSegment(m *segment.Meta, pinned bool) {
	m.InRecyclePipeline.Store(true)

	out := c.unpinnedOut
	if pinned {
		out = c.pinnedOut
	}

	segBytes := c.heap.SegmentBytes(m.ID)
	end := m.AllocCursor.Load()

	var cursor uint32
	for cursor < end {
		if cursor+segment.FrameHeaderSize > end {
			break
		}
		header := segment.DecodeFrameHeader(segBytes[cursor : cursor+segment.FrameHeaderSize])
		if header.Size == 0 {
			break
		}
		frameEnd := cursor + header.Size
		if frameEnd > end {
			break
		}

		loc := cbt.Location{Segment: m.ID, Offset: cursor + segment.FrameHeaderSize}
		payload := segBytes[cursor+segment.FrameHeaderSize : frameEnd]
		c.relocateFrame(cbt.Address(header.Address), header, loc, payload, out, pinned, m)

		cursor = frameEnd
	}

	if err := out.Sync(); err != nil {
		c.log.Warnw("failed to sync compactor output segment", "error", err)
	}

	seq := c.seq.Add(1)
	c.epoch.Enqueue(m.ID, seq)
	c.log.Infow("Compacted segment", "segmentID", m.ID, "pinned", pinned, "age", m.Age.Load())
}

// relocateFrame performs the copy-and-CAS relocation protocol for one
// object frame (spec.md §4.4 steps 1-5).
func (c *Compactor) relocateFrame(addr cbt.Address, header segment.FrameHeader, oldLoc cbt.Location, payload []byte, out *segment.Session, pinned bool, sourceMeta *segment.Meta) {
	cb, ok := c.table.Get(addr)
	if !ok || cb.Freed() || cb.Refcount == 0 {
		return
	}
	if cb.Location != oldLoc {
		return // already moved or overwritten; this frame is stale/dead.
	}

	if !c.table.TryStartMove(addr, oldLoc) {
		return // a writer is mid-edit, or another compactor pass already claimed it.
	}

	newLoc, newPayload, err := out.AllocData(uint32(len(payload)), header.Type, header.Address, pinned)
	if err != nil {
		c.table.EndMove(addr)
		c.log.Warnw("compactor failed to allocate output frame", "error", err, "address", uint32(addr))
		return
	}
	copy(newPayload, payload)

	newCBTLoc := cbt.Location{Segment: newLoc.Segment, Offset: newLoc.Offset}
	if !c.table.TryMove(addr, oldLoc, newCBTLoc) {
		// Lost the race (writer started modifying, or refcount hit zero):
		// give the allocated bytes back.
		out.UnallocLast(alignedFrameSize(len(payload)))
		c.table.EndMove(addr)
		return
	}
	c.table.EndMove(addr)

	sourceMeta.FreedBytes.Add(uint64(header.Size))
}

func alignedFrameSize(payloadSize int) uint32 {
	return uint32(segment.FrameHeaderSize + payloadSize)
}

// PromoteFromRing pops up to promoteBatchPerSession Addresses from ring,
// verifies each object's read bit is still set and its location is still
// in unpinned, read-only space, and relocates it into pinned output space
// (spec.md §4.4's "promote rcache" phase, §4.5).
func (c *Compactor) PromoteFromRing(ring *cache.PromotionRing) {
	batch := ring.PopBatch(promoteBatchPerSession)
	for _, raw := range batch {
		addr := cbt.Address(raw)
		cb, ok := c.table.Get(addr)
		if !ok || cb.Freed() || cb.Refcount == 0 || !cb.Read {
			continue
		}
		srcMeta := c.heap.Meta(cb.Location.Segment)
		if srcMeta == nil || srcMeta.Pinned.Load() || !srcMeta.Sealed.Load() {
			continue // already pinned, or not yet read-only.
		}

		header, payload, ok := segment.ReadFrame(c.heap, segment.Location(cb.Location))
		if !ok {
			continue
		}
		c.relocateFrame(addr, header, cb.Location, payload, c.pinnedOut, true, srcMeta)
	}
}
