package segment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// readyQueueTarget is how many ready segments of each flavor (pinned,
// unpinned) the provider tries to keep on hand (spec.md §4.3: "a small
// number of ready pinned and unpinned segments").
const readyQueueTarget = 4

// topUpInterval paces how often the provider's background loop refills the
// ready queues.
const topUpInterval = 25 * time.Millisecond

// Provider is the background segment-provider thread (C4/C5 adjacent):
// it keeps small ready queues of pinned and unpinned fresh segments so a
// session sealing its current segment never blocks on a fresh mmap growth
// or mlock syscall in the hot write path, and it recycles segments handed
// back by the compactor once the epoch queue clears them.
type Provider struct {
	heap *Heap
	log  *zap.SugaredLogger

	pinnedReady   chan uint32
	unpinnedReady chan uint32
	freeSegments  chan uint32

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProvider creates a provider over heap. Call Start to begin the
// background top-up loop.
func NewProvider(heap *Heap, log *zap.SugaredLogger) *Provider {
	return &Provider{
		heap:          heap,
		log:           log,
		pinnedReady:   make(chan uint32, readyQueueTarget),
		unpinnedReady: make(chan uint32, readyQueueTarget),
		freeSegments:  make(chan uint32, readyQueueTarget*4),
	}
}

// Start launches the background top-up loop, cancellable via ctx or Stop.
func (p *Provider) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the background loop and waits for it to exit.
func (p *Provider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Provider) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(topUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.topUp(p.pinnedReady, true)
			p.topUp(p.unpinnedReady, false)
		}
	}
}

func (p *Provider) topUp(ready chan uint32, pinned bool) {
	for len(ready) < cap(ready) {
		id, err := p.fresh(pinned)
		if err != nil {
			p.log.Warnw("provider failed to prepare ready segment", "error", err, "pinned", pinned)
			return
		}
		select {
		case ready <- id:
		default:
			return
		}
	}
}

// Acquire hands a session a segment of the requested pinning flavor,
// preferring the ready queue and falling back to an immediate fresh
// segment (spec.md §4.3: acquiring a new segment is the one place a writer
// may suspend).
func (p *Provider) Acquire(pinned bool) (uint32, error) {
	ready := p.unpinnedReady
	if pinned {
		ready = p.pinnedReady
	}
	select {
	case id := <-ready:
		return id, nil
	default:
	}
	return p.fresh(pinned)
}

// fresh produces one segment of the requested pinning flavor, reusing a
// recycled segment if one is available before growing the heap.
func (p *Provider) fresh(pinned bool) (uint32, error) {
	var id uint32
	select {
	case recycled := <-p.freeSegments:
		id = recycled
		p.resetMeta(id)
	default:
		allocated, err := p.heap.AllocSegment()
		if err != nil {
			return 0, err
		}
		id = allocated
	}

	if err := p.applyPinning(id, pinned); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Provider) resetMeta(id uint32) {
	m := p.heap.Meta(id)
	if m == nil {
		return
	}
	m.AllocCursor.Store(0)
	m.SyncCursor.Store(0)
	m.FreedBytes.Store(0)
	m.Sealed.Store(false)
	m.InRecyclePipeline.Store(false)
	m.OpenedAt = time.Now()
	m.ClosedAt.Store(nil)
}

func (p *Provider) applyPinning(id uint32, pinned bool) error {
	m := p.heap.Meta(id)
	if m == nil {
		return nil
	}
	wasPinned := m.Pinned.Swap(pinned)
	if pinned && !wasPinned {
		return p.heap.Mlock(id)
	}
	if !pinned && wasPinned {
		return p.heap.Munlock(id)
	}
	return nil
}

// Recycle returns a segment emptied by compaction to the free pool once
// the epoch queue has confirmed no reader still needs it.
func (p *Provider) Recycle(id uint32) {
	m := p.heap.Meta(id)
	if m != nil {
		now := time.Now()
		m.ClosedAt.Store(&now)
	}
	select {
	case p.freeSegments <- id:
	default:
		// Free pool is full: the id is dropped and this segment is not
		// handed out again; later demand is met by AllocSegment growing
		// the heap instead.
	}
}
