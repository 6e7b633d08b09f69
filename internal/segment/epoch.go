package segment

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// pendingRecycle is one segment awaiting recycling, tagged with the
// compactor sequence that emptied it.
type pendingRecycle struct {
	segmentID    uint32
	compactorSeq uint64
}

// EpochQueue is the read-lock epoch mechanism from spec.md §5: each live
// session publishes a lower-bound sequence number (the oldest segment
// sequence it might still be reading from). A segment emptied by
// compaction only becomes recyclable once every published lower-bound has
// advanced past the sequence that emptied it, guaranteeing no reader ever
// dereferences a pointer into a segment that has been reused.
type EpochQueue struct {
	mu          sync.Mutex
	lowerBounds map[uint64]uint64
	pending     []pendingRecycle
	log         *zap.SugaredLogger
}

// NewEpochQueue creates an empty epoch queue.
func NewEpochQueue(log *zap.SugaredLogger) *EpochQueue {
	return &EpochQueue{lowerBounds: make(map[uint64]uint64), log: log}
}

// Publish records sessionID's current "oldest sequence I may still be
// reading from" lower bound.
func (q *EpochQueue) Publish(sessionID uint64, lowerBound uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lowerBounds[sessionID] = lowerBound
}

// Forget removes sessionID's published bound, e.g. when the session closes.
func (q *EpochQueue) Forget(sessionID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.lowerBounds, sessionID)
}

// Enqueue marks segmentID as emptied by the compactor at compactorSeq,
// pending recycling once every session's lower bound has passed it.
func (q *EpochQueue) Enqueue(segmentID uint32, compactorSeq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, pendingRecycle{segmentID: segmentID, compactorSeq: compactorSeq})
}

// Advance computes the minimum published lower bound across all live
// sessions and returns the segment IDs whose compactorSeq now lies behind
// it, removing them from the pending set.
func (q *EpochQueue) Advance() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	minBound := uint64(math.MaxUint64)
	for _, lb := range q.lowerBounds {
		if lb < minBound {
			minBound = lb
		}
	}

	var ready []uint32
	remaining := q.pending[:0]
	for _, p := range q.pending {
		if p.compactorSeq < minBound {
			ready = append(ready, p.segmentID)
		} else {
			remaining = append(remaining, p)
		}
	}
	q.pending = remaining
	return ready
}

// PendingCount reports how many segments are awaiting recycling, useful
// for diagnostics and tests.
func (q *EpochQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
