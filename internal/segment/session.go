package segment

import (
	"sync"
	"sync/atomic"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
)

// allocGranularity is the small alignment every object frame is padded up
// to, so frame headers never straddle the granularity boundary.
const allocGranularity = 8

func alignUp(n, granularity uint32) uint32 {
	rem := n % granularity
	if rem == 0 {
		return n
	}
	return n + (granularity - rem)
}

// Session is a writer's handle onto the segment heap (C3): it owns at most
// one open segment at a time, bump-allocates object frames into it, seals
// it when full or on demand, and publishes its read-lock lower bound into
// the epoch queue so the compactor knows when older segments are safe to
// recycle.
type Session struct {
	id       uint64
	heap     *Heap
	provider *Provider
	epoch    *EpochQueue
	syncMode options.SyncMode
	log      *zap.SugaredLogger

	mu        sync.Mutex
	currentID uint32
	current   *Meta
	hasOpen   bool
	pinned    bool

	sequence atomic.Uint32 // next allocation sequence stamped into frame headers
}

// NewSession creates a writer session bound to heap/provider/epoch.
func NewSession(id uint64, heap *Heap, provider *Provider, epoch *EpochQueue, syncMode options.SyncMode, log *zap.SugaredLogger) *Session {
	return &Session{id: id, heap: heap, provider: provider, epoch: epoch, syncMode: syncMode, log: log}
}

// AllocData bump-allocates size bytes for an object of the given node type
// tagged to address, returning both its Location and a direct slice over
// its payload bytes (spec.md §4.3: alloc_data(size, type, addr_seq)).
func (s *Session) AllocData(size uint32, typ uint8, address uint32, pinned bool) (Location, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameSize := alignUp(FrameHeaderSize+size, allocGranularity)

	for attempts := 0; attempts < 2; attempts++ {
		if !s.hasOpen {
			if err := s.openSegment(pinned); err != nil {
				return Location{}, nil, err
			}
		}

		cursor := s.current.AllocCursor.Load()
		if uint64(cursor)+uint64(frameSize) > s.heap.SegmentSize() {
			if err := s.sealCurrent(); err != nil {
				return Location{}, nil, err
			}
			continue
		}

		s.current.AllocCursor.Store(cursor + frameSize)

		segBytes := s.heap.SegmentBytes(s.currentID)
		if segBytes == nil {
			return Location{}, nil, errors.NewStorageError(nil, errors.ErrorCodeIO, "segment bytes unavailable after alloc").
				WithSegmentID(int(s.currentID))
		}

		seq := uint16(s.sequence.Add(1))
		header := FrameHeader{Size: frameSize, Type: typ, Address: address, Sequence: seq}
		frame := segBytes[cursor : cursor+frameSize]
		header.Encode(frame[:FrameHeaderSize])

		loc := Location{Segment: s.currentID, Offset: cursor + FrameHeaderSize}
		return loc, frame[FrameHeaderSize : FrameHeaderSize+size], nil
	}

	return Location{}, nil, errors.NewStorageError(nil, errors.ErrorCodeIO, "failed to acquire a segment with space for allocation").
		WithSegmentID(int(s.currentID))
}

// UnallocLast rolls back the most recent bump allocation of frameSize
// bytes in this session's current segment. Used by the compactor when a
// relocation CAS loses a race after the new frame was already allocated
// (spec.md §4.4 step 4: "release the newly allocated bytes back via the
// unalloc path"). Safe only because a session is the sole writer into its
// own open segment.
func (s *Session) UnallocLast(frameSize uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasOpen {
		return
	}
	cur := s.current.AllocCursor.Load()
	if cur >= frameSize {
		s.current.AllocCursor.Store(cur - frameSize)
	}
}

// openSegment acquires a fresh segment from the provider and marks it as
// owned by this session.
func (s *Session) openSegment(pinned bool) error {
	id, err := s.provider.Acquire(pinned)
	if err != nil {
		// Fatal per spec.md §7: allocation failure when even a new segment
		// cannot be acquired fails the write transaction outright.
		return errors.NewStorageError(err, errors.ErrorCodeIO, "provider could not supply a segment").
			WithSegmentID(int(id))
	}
	m := s.heap.Meta(id)
	m.OwnerSession.Store(s.id)

	s.currentID = id
	s.current = m
	s.hasOpen = true
	s.pinned = pinned
	return nil
}

// flush mprotects and syncs whatever has been written since the last flush,
// advancing SyncCursor, without otherwise disturbing the session's open
// segment (spec.md §4.3: writes between last-synced and current cursor are
// write-protected before being pushed to disk).
func (s *Session) flush() error {
	if !s.hasOpen {
		return nil
	}
	m := s.current
	id := s.currentID

	cursor := m.AllocCursor.Load()
	synced := m.SyncCursor.Load()
	if cursor == synced {
		return nil
	}

	if err := s.heap.Protect(id, synced, cursor); err != nil {
		return err
	}
	if err := s.heap.Sync(id, s.syncMode); err != nil {
		return err
	}
	m.SyncCursor.Store(cursor)
	return nil
}

// Sync flushes the session's currently open segment without sealing it,
// used by the compactor to push an in-progress output segment to disk
// after finishing each source segment (spec.md §4.4).
func (s *Session) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// sealCurrent freezes the session's open segment: the bump cursor is
// frozen, the written range is mprotected read-only, and it is synced
// according to the session's configured durability mode (spec.md §4.3).
func (s *Session) sealCurrent() error {
	if !s.hasOpen {
		return nil
	}
	id := s.currentID
	if err := s.flush(); err != nil {
		return err
	}
	m := s.current
	m.Sealed.Store(true)

	s.log.Debugw("Sealed segment", "sessionID", s.id, "segmentID", id, "bytesWritten", m.AllocCursor.Load())

	s.hasOpen = false
	s.current = nil
	return nil
}

// SealCurrent exposes sealCurrent for an explicit commit-time flush (the
// writer side of spec.md §4.8's sync policy). The session gives up its
// current segment, so the next AllocData call opens a fresh one from the
// provider.
func (s *Session) SealCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealCurrent()
}

// PublishEpoch records the oldest segment sequence this session might
// still be reading from, so the compactor knows when it is safe to recycle
// older segments (spec.md §5).
func (s *Session) PublishEpoch(lowerBound uint64) {
	s.epoch.Publish(s.id, lowerBound)
}

// Close seals any open segment and forgets this session's epoch bound.
func (s *Session) Close() error {
	s.mu.Lock()
	err := s.sealCurrent()
	s.mu.Unlock()
	s.epoch.Forget(s.id)
	return err
}

// CurrentSegment returns the segment currently owned by this session, if any.
func (s *Session) CurrentSegment() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID, s.hasOpen
}
