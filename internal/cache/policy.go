package cache

import (
	"context"
	"sync"
	"time"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
	"go.uber.org/zap"
)

// decayTick is how often the background decay loop wakes up to advance the
// sweep cursor. The actual number of slots cleared per tick is derived from
// elapsed wall time against the configured window, so a delayed scheduler
// (GC pause, CPU starvation) still converges to one sweep per window rather
// than silently falling behind.
const decayTick = time.Second

// Policy is the pinning/cache policy (C5): it tracks mlock'd segments
// against a configured budget and paces the control-block table's read-bit
// decay sweep. It never affects correctness, only residency (spec.md
// §4.5: "the overall guarantee is best-effort").
type Policy struct {
	heap           *segment.Heap
	table          *cbt.Table
	maxPinnedBytes uint64
	log            *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the parameters needed to construct a Policy.
type Config struct {
	Heap           *segment.Heap
	Table          *cbt.Table
	MaxPinnedBytes uint64
	Logger         *zap.SugaredLogger
}

// New creates a cache policy over heap/table.
func New(config *Config) *Policy {
	return &Policy{
		heap:           config.Heap,
		table:          config.Table,
		maxPinnedBytes: config.MaxPinnedBytes,
		log:            config.Logger,
	}
}

// Start launches the background read-bit decay loop, paced to complete one
// full sweep of the control-block table roughly every window.
func (p *Policy) Start(ctx context.Context, window time.Duration) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.decayLoop(ctx, window)
}

// Stop cancels the decay loop and waits for it to exit.
func (p *Policy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Policy) decayLoop(ctx context.Context, window time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(decayTick)
	defer ticker.Stop()

	var cursor uint64
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now

			total := p.table.TotalSlots()
			if total == 0 || window <= 0 {
				continue
			}

			n := int(float64(total) * (float64(elapsed) / float64(window)))
			if n <= 0 {
				n = 1
			}
			cursor = p.table.DecayChunk(cursor, n)
		}
	}
}

// PinnedBytes returns the total bytes currently held in mlock'd segments.
func (p *Policy) PinnedBytes() uint64 {
	var total uint64
	for _, m := range p.heap.AllMeta() {
		if m.Pinned.Load() {
			total += p.heap.SegmentSize()
		}
	}
	return total
}

// EnforceBudget munlocks the oldest pinned segment(s), by virtual age,
// until total pinned bytes no longer exceed the configured budget
// (spec.md §4.5: "the provider munlocks the oldest currently-pinned
// segment").
func (p *Policy) EnforceBudget() {
	for p.PinnedBytes() > p.maxPinnedBytes {
		oldest := p.oldestPinned()
		if oldest == nil {
			return
		}
		if err := p.heap.Munlock(oldest.ID); err != nil {
			p.log.Warnw("failed to munlock segment over cache budget", "segmentID", oldest.ID, "error", err)
			return
		}
		oldest.Pinned.Store(false)
		p.log.Debugw("Evicted pinned segment over cache budget", "segmentID", oldest.ID)
	}
}

func (p *Policy) oldestPinned() *segment.Meta {
	var oldest *segment.Meta
	for _, m := range p.heap.AllMeta() {
		if !m.Pinned.Load() {
			continue
		}
		if oldest == nil || m.Age.Load() < oldest.Age.Load() {
			oldest = m
		}
	}
	return oldest
}
