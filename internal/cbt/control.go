package cbt

import (
	"runtime"
	"sync/atomic"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
)

// NodeType is the closed set of tags a control block can carry (spec.md §9
// Design Notes: a small enum + switch, never virtual dispatch).
type NodeType uint8

const (
	TypeFree NodeType = iota
	TypeInner
	TypePrefixInner
	TypeLeaf
	TypeValue
)

// String renders the node type for logging.
func (t NodeType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeInner:
		return "inner"
	case TypePrefixInner:
		return "prefix-inner"
	case TypeLeaf:
		return "leaf"
	case TypeValue:
		return "value"
	default:
		return "unknown"
	}
}

// Location is the compact (segment, offset) pair describing where an
// object's current bytes live inside the segmented heap.
type Location struct {
	Segment uint32
	Offset  uint32
}

// bit layout of the 64-bit control word. Widened from the source's ~32 bits
// (see SPEC_FULL.md / DESIGN.md) to give refcount and location headroom
// while preserving the single-CAS-word invariant.
const (
	refcountBits = 16
	typeBits     = 3
	offsetBits   = 25
	segmentBits  = 16 // location = offsetBits + segmentBits = 41 bits

	refcountShift = 0
	typeShift     = refcountShift + refcountBits // 16
	copyingShift  = typeShift + typeBits         // 19
	modifyShift   = copyingShift + 1             // 20
	readShift     = modifyShift + 1              // 21
	pendingShift  = readShift + 1                // 22
	locationShift = pendingShift + 1             // 23
	offsetShift   = locationShift                // 23
	segmentShift  = offsetShift + offsetBits      // 48

	refcountMask = (uint64(1) << refcountBits) - 1
	typeMask     = (uint64(1) << typeBits) - 1
	offsetMask   = (uint64(1) << offsetBits) - 1
	segmentMask  = (uint64(1) << segmentBits) - 1

	// freedLocation is the all-ones 41-bit pattern meaning "does not exist /
	// freed" per spec.md's Control Block definition.
	freedLocation = (uint64(1) << (offsetBits + segmentBits)) - 1

	maxRefcount = refcountMask // saturating ceiling
)

func packLocation(loc Location) uint64 {
	return (uint64(loc.Offset) & offsetMask) | ((uint64(loc.Segment) & segmentMask) << offsetBits)
}

func unpackLocation(bits uint64) Location {
	return Location{
		Offset:  uint32(bits & offsetMask),
		Segment: uint32((bits >> offsetBits) & segmentMask),
	}
}

func buildWord(refcount uint32, typ NodeType, copying, modifying, read, pending bool, loc uint64) uint64 {
	w := (uint64(refcount) & refcountMask) << refcountShift
	w |= (uint64(typ) & typeMask) << typeShift
	if copying {
		w |= 1 << copyingShift
	}
	if modifying {
		w |= 1 << modifyShift
	}
	if read {
		w |= 1 << readShift
	}
	if pending {
		w |= 1 << pendingShift
	}
	w |= (loc & ((uint64(1) << (offsetBits + segmentBits)) - 1)) << locationShift
	return w
}

// ControlBlock is the decoded view of one 64-bit atomic control word: a
// snapshot valid at the instant it was loaded. Callers needing a
// transition must go back through the atomic CAS helpers below, never
// write these fields directly.
type ControlBlock struct {
	Refcount     uint32
	Type         NodeType
	Copying      bool
	Modifying    bool
	Read         bool
	PendingCache bool
	Location     Location
	freed        bool
}

// Freed reports whether this snapshot's location is the freed sentinel.
func (cb ControlBlock) Freed() bool { return cb.freed }

func decode(word uint64) ControlBlock {
	locBits := (word >> locationShift) & ((uint64(1) << (offsetBits + segmentBits)) - 1)
	return ControlBlock{
		Refcount:     uint32((word >> refcountShift) & refcountMask),
		Type:         NodeType((word >> typeShift) & typeMask),
		Copying:      (word>>copyingShift)&1 != 0,
		Modifying:    (word>>modifyShift)&1 != 0,
		Read:         (word>>readShift)&1 != 0,
		PendingCache: (word>>pendingShift)&1 != 0,
		Location:     unpackLocation(locBits),
		freed:        locBits == freedLocation,
	}
}

// slot is the atomic cell backing one Address's control block.
type slot struct {
	word atomic.Uint64
}

func freedWord() uint64 {
	return buildWord(0, TypeFree, false, false, false, false, freedLocation)
}

// initialize stores a freshly-allocated control block: refcount 1, the
// given type, and the given location, all other bits clear.
func (s *slot) initialize(typ NodeType, loc Location) {
	s.word.Store(buildWord(1, typ, false, false, false, false, packLocation(loc)))
}

// load returns a decoded snapshot of the current word.
func (s *slot) load() ControlBlock {
	return decode(s.word.Load())
}

// retain atomically increments refcount, saturating at maxRefcount (spec.md
// Control Block: "saturating; once saturated, retain becomes a no-op").
func (s *slot) retain() {
	for {
		old := s.word.Load()
		cb := decode(old)
		if cb.Refcount >= maxRefcount {
			return
		}
		newWord := buildWord(cb.Refcount+1, cb.Type, cb.Copying, cb.Modifying, cb.Read, cb.PendingCache, packLocation(cb.Location))
		if cb.freed {
			newWord = buildWord(cb.Refcount+1, cb.Type, cb.Copying, cb.Modifying, cb.Read, cb.PendingCache, freedLocation)
		}
		if s.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}

// release atomically decrements refcount, reporting whether it reached
// zero (spec.md Invariant 3: refcount==0 implies location==freed-sentinel,
// so the caller must then free the slot).
func (s *slot) release() (reachedZero bool) {
	for {
		old := s.word.Load()
		cb := decode(old)
		if cb.Refcount == 0 {
			return true
		}
		if cb.Refcount >= maxRefcount {
			// Saturated: release is a no-op per spec.md Control Block definition.
			return false
		}
		newRef := cb.Refcount - 1
		loc := packLocation(cb.Location)
		if cb.freed {
			loc = freedLocation
		}
		newWord := buildWord(newRef, cb.Type, cb.Copying, cb.Modifying, cb.Read, cb.PendingCache, loc)
		if s.word.CompareAndSwap(old, newWord) {
			return newRef == 0
		}
	}
}

// startModify implements the required transition from spec.md §5: succeeds
// only when copying==0 and refcount>0, sets modifying=1. Spins while
// copying is set, yielding via backoff once spinBound attempts have passed,
// matching the writer-waits-for-compactor contract.
func (s *slot) startModify() error {
	for attempt := 0; ; attempt++ {
		old := s.word.Load()
		cb := decode(old)
		if cb.Refcount == 0 || cb.freed {
			return errors.NewCBTError(nil, errors.ErrorCodeCBTInvalidTransition, "start_modify on freed control block").
				WithOperation("StartModify")
		}
		if cb.Copying {
			if attempt > spinBound {
				backoff()
			}
			continue
		}
		if cb.Modifying {
			// Re-entrant from the same writer session is a caller bug; but a
			// concurrent writer on the same Address cannot happen under the
			// single-writer-per-root invariant, so this always means retry.
			continue
		}
		newWord := buildWord(cb.Refcount, cb.Type, false, true, cb.Read, cb.PendingCache, packLocation(cb.Location))
		if s.word.CompareAndSwap(old, newWord) {
			return nil
		}
	}
}

// endModify clears the modifying bit.
func (s *slot) endModify() {
	for {
		old := s.word.Load()
		cb := decode(old)
		newWord := buildWord(cb.Refcount, cb.Type, cb.Copying, false, cb.Read, cb.PendingCache, packLocation(cb.Location))
		if s.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}

// tryStartMove implements the compactor-side transition: succeeds only when
// copying==0, modifying==0, refcount>0, and location==expected.
func (s *slot) tryStartMove(expected Location) bool {
	old := s.word.Load()
	cb := decode(old)
	if cb.Copying || cb.Modifying || cb.Refcount == 0 || cb.freed {
		return false
	}
	if cb.Location != expected {
		return false
	}
	newWord := buildWord(cb.Refcount, cb.Type, true, false, cb.Read, cb.PendingCache, packLocation(cb.Location))
	return s.word.CompareAndSwap(old, newWord)
}

// tryMove CASes location old->new while copying==1 and modifying==0.
// Returns ok=false (invalidated) if the writer won the race or refcount
// reached zero underneath the compactor.
func (s *slot) tryMove(oldLoc, newLoc Location) (ok bool) {
	old := s.word.Load()
	cb := decode(old)
	if !cb.Copying || cb.Modifying || cb.Refcount == 0 {
		return false
	}
	if cb.Location != oldLoc {
		return false
	}
	newWord := buildWord(cb.Refcount, cb.Type, true, false, cb.Read, cb.PendingCache, packLocation(newLoc))
	return s.word.CompareAndSwap(old, newWord)
}

// endMove clears the copying bit.
func (s *slot) endMove() {
	for {
		old := s.word.Load()
		cb := decode(old)
		newWord := buildWord(cb.Refcount, cb.Type, false, cb.Modifying, cb.Read, cb.PendingCache, packLocation(cb.Location))
		if s.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}

// setRead opportunistically sets the read bit with a single CAS attempt;
// failure is fine (spec.md §4.5: "fail-open is fine").
func (s *slot) setRead() (wasSet bool) {
	old := s.word.Load()
	cb := decode(old)
	if cb.Read {
		return true
	}
	newWord := buildWord(cb.Refcount, cb.Type, cb.Copying, cb.Modifying, true, cb.PendingCache, packLocation(cb.Location))
	s.word.CompareAndSwap(old, newWord)
	return false
}

// clearRead clears the read bit (used by the decay sweep); best-effort.
func (s *slot) clearRead() {
	old := s.word.Load()
	cb := decode(old)
	if !cb.Read {
		return
	}
	newWord := buildWord(cb.Refcount, cb.Type, cb.Copying, cb.Modifying, false, cb.PendingCache, packLocation(cb.Location))
	s.word.CompareAndSwap(old, newWord)
}

const spinBound = 64

// backoff yields the processor; kept as a named hook so tests can count
// contention without pulling in a timing dependency.
func backoff() { runtime.Gosched() }
