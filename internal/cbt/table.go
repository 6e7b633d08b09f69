package cbt

import (
	"math/bits"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/options"
	"go.uber.org/zap"
)

// maxAllocRetries bounds the CAS retry loop in Alloc/AllocHint before the
// table surfaces a failure, per spec.md §4.2 ("retry... up to a very large
// bound before surfacing failure").
const maxAllocRetries = 10000

// freeWindowWords is the width, in 64-bit bitmap words, of the randomized
// window scanned per spec.md §4.2 ("randomize a 512-bit window... 8 x
// 64-bit words").
const freeWindowWords = 8

// zone is one fixed-size slab of control-block slots plus its companion
// free bitmap (1 = free). Zones are never shrunk or moved once allocated.
type zone struct {
	slots     []slot
	free      []atomic.Uint64 // len = options.ZoneSize / 64
	liveCount atomic.Int64
}

func newZone(size uint32) *zone {
	z := &zone{
		slots: make([]slot, size),
		free:  make([]atomic.Uint64, size/64),
	}
	for i := range z.free {
		z.free[i].Store(^uint64(0)) // all free
	}
	return z
}

func (z *zone) freeCount() int64 {
	var n int64
	for i := range z.free {
		n += int64(bits.OnesCount64(z.free[i].Load()))
	}
	return n
}

func (z *zone) occupancy(size uint32) float64 {
	return 1.0 - float64(z.freeCount())/float64(size)
}

// Table is the control-block table (C2): a zone-grown array of atomic
// control words addressed by Address, plus the free bitmap used to find
// allocation candidates with cacheline locality.
type Table struct {
	zonesPtr  atomic.Pointer[[]*zone]
	growMu    sync.Mutex
	zoneSize  uint32
	totalLive atomic.Int64
	log       *zap.SugaredLogger
}

// Config holds the parameters needed to construct a Table.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// New creates an empty control-block table. The first Alloc call grows it
// to one zone.
func New(config *Config) *Table {
	t := &Table{zoneSize: options.ZoneSize, log: config.Logger}
	zones := make([]*zone, 0)
	t.zonesPtr.Store(&zones)
	return t
}

func (t *Table) zones() []*zone {
	return *t.zonesPtr.Load()
}

// growZone appends one fresh zone under growMu. Read paths never take
// growMu; they only ever observe a zonesPtr snapshot, so growth never
// blocks a concurrent Get/Retain/Release (spec.md §4.2).
func (t *Table) growZone() (*zone, int, error) {
	t.growMu.Lock()
	defer t.growMu.Unlock()

	cur := t.zones()
	if len(cur) >= int((uint64(1)<<32)/uint64(t.zoneSize)) {
		return nil, 0, errors.NewExhaustedError(t.totalLive.Load())
	}

	nz := newZone(t.zoneSize)
	if len(cur) == 0 {
		// Zone 0, slot 0 is Address(0) == NullAddress. Reserve it up front
		// so it can never be claimed for a live node (spec.md §3: "address
		// 0 is never allocated").
		nz.free[0].And(^uint64(1))
	}
	next := make([]*zone, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = nz
	t.zonesPtr.Store(&next)

	if t.log != nil {
		t.log.Infow("Grew control-block table", "zoneIndex", len(cur), "zoneSize", t.zoneSize)
	}
	return nz, len(cur), nil
}

// minOccupancyZoneIndex returns the index of the zone with the lowest
// fraction of allocated slots, growing a new zone first if the average
// occupancy across existing zones is above one half (spec.md §4.2 growth
// trigger).
func (t *Table) minOccupancyZoneIndex() (int, error) {
	zones := t.zones()
	if len(zones) == 0 {
		_, idx, err := t.growZone()
		return idx, err
	}

	var (
		bestIdx        = 0
		bestOccupancy  = 2.0 // > any real occupancy
		totalOccupancy float64
	)
	for i, z := range zones {
		occ := z.occupancy(t.zoneSize)
		totalOccupancy += occ
		if occ < bestOccupancy {
			bestOccupancy = occ
			bestIdx = i
		}
	}

	if totalOccupancy/float64(len(zones)) > 0.5 {
		_, idx, err := t.growZone()
		if err != nil {
			// Out of address space to grow further: fall back to the
			// least-occupied zone we already have.
			return bestIdx, nil
		}
		return idx, nil
	}
	return bestIdx, nil
}

// Alloc claims a fresh Address with no hint preference, biasing toward
// cacheline locality by picking the densest byte within a randomized
// 512-bit window of the chosen zone's free bitmap (spec.md §4.2).
func (t *Table) Alloc(typ NodeType, loc Location) (Address, error) {
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		zoneIdx, err := t.minOccupancyZoneIndex()
		if err != nil {
			return NullAddress, err
		}
		zones := t.zones()
		if zoneIdx >= len(zones) {
			continue
		}
		z := zones[zoneIdx]

		addr, ok := t.claimInZone(z, zoneIdx, pickWindowStart(len(z.free)), typ, loc)
		if ok {
			t.totalLive.Add(1)
			return addr, nil
		}
	}
	return NullAddress, errors.NewCBTError(nil, errors.ErrorCodeCBTAllocRetriesExhausted,
		"allocation retry bound exceeded").WithOperation("Alloc")
}

// AllocHint claims a fresh Address, preferring to land within the same
// 16-slot cacheline band as one of the given hint Addresses, so that
// parent/sibling nodes cluster into as few cachelines as possible
// (spec.md §4.2, Invariant 4).
func (t *Table) AllocHint(hints []Address, typ NodeType, loc Location) (Address, error) {
	zoneSize := t.zoneSize
	for _, hint := range hints {
		if hint == NullAddress {
			continue
		}
		base := hint.CachelineBase()
		if IsReservedBase(base) {
			continue
		}
		zoneIdx := int(uint32(base) / zoneSize)
		zones := t.zones()
		if zoneIdx >= len(zones) {
			continue
		}
		z := zones[zoneIdx]
		bandStart := uint32(base) % zoneSize
		if addr, ok := t.claimInBand(z, zoneIdx, bandStart, typ, loc); ok {
			t.totalLive.Add(1)
			return addr, nil
		}
	}
	return t.Alloc(typ, loc)
}

func pickWindowStart(numWords int) int {
	if numWords <= freeWindowWords {
		return 0
	}
	return rand.IntN(numWords - freeWindowWords)
}

// claimInZone scans an 8-word (512-bit) window starting at windowWord,
// picks the byte with the most set bits, and CAS-claims one of its bits.
func (t *Table) claimInZone(z *zone, zoneIdx int, windowWord int, typ NodeType, loc Location) (Address, bool) {
	end := windowWord + freeWindowWords
	if end > len(z.free) {
		end = len(z.free)
	}

	bestWord, bestByte, bestCount := -1, -1, -1
	for w := windowWord; w < end; w++ {
		word := z.free[w].Load()
		if word == 0 {
			continue
		}
		for b := 0; b < 8; b++ {
			c := popcountByte(word, b)
			if c > bestCount {
				bestCount, bestWord, bestByte = c, w, b
			}
		}
	}
	if bestWord < 0 {
		// Dense window was entirely full; scan the whole zone as a fallback.
		for w := range z.free {
			word := z.free[w].Load()
			if word == 0 {
				continue
			}
			for b := 0; b < 8; b++ {
				c := popcountByte(word, b)
				if c > bestCount {
					bestCount, bestWord, bestByte = c, w, b
				}
			}
		}
	}
	if bestWord < 0 {
		return NullAddress, false
	}
	return t.claimBit(z, zoneIdx, bestWord, bestByte*8, 8, typ, loc)
}

// claimInBand tries to CAS-claim any free slot within the 16-slot band
// starting at bandStart (a cacheline base offset within the zone).
func (t *Table) claimInBand(z *zone, zoneIdx int, bandStart uint32, typ NodeType, loc Location) (Address, bool) {
	wordIdx := int(bandStart / 64)
	bitOffset := int(bandStart % 64)
	if wordIdx >= len(z.free) {
		return NullAddress, false
	}
	return t.claimBit(z, zoneIdx, wordIdx, bitOffset, CachelineSlots, typ, loc)
}

// claimBit attempts to CAS-clear one set bit among [bitOffset, bitOffset+n)
// within word index wordIdx, returning the resulting Address on success.
func (t *Table) claimBit(z *zone, zoneIdx, wordIdx, bitOffset, n int, typ NodeType, loc Location) (Address, bool) {
	for i := 0; i < n; i++ {
		bit := bitOffset + i
		if bit >= 64 {
			break
		}
		mask := uint64(1) << uint(bit)
		for {
			word := z.free[wordIdx].Load()
			if word&mask == 0 {
				break // already claimed by someone else
			}
			newWord := word &^ mask
			if z.free[wordIdx].CompareAndSwap(word, newWord) {
				slotIdx := wordIdx*64 + bit
				addr := Address(uint32(zoneIdx)*t.zoneSize + uint32(slotIdx))
				if IsReservedBase(addr.CachelineBase()) {
					// Never hand out an Address on the reserved null-base
					// band (spec.md §9 Open Question 2): put it straight
					// back and report this claim as failed.
					z.free[wordIdx].Or(mask)
					return NullAddress, false
				}
				z.slots[slotIdx].initialize(typ, loc)
				z.liveCount.Add(1)
				return addr, true
			}
		}
	}
	return NullAddress, false
}

// resolve maps an Address to its owning zone and in-zone slot index.
func (t *Table) resolve(addr Address) (*zone, int, bool) {
	if addr == NullAddress {
		return nil, 0, false
	}
	zoneIdx := int(uint32(addr) / t.zoneSize)
	slotIdx := int(uint32(addr) % t.zoneSize)
	zones := t.zones()
	if zoneIdx >= len(zones) {
		return nil, 0, false
	}
	return zones[zoneIdx], slotIdx, true
}

// Get returns a snapshot of addr's control block. ok is false if addr lies
// outside the currently allocated zones.
func (t *Table) Get(addr Address) (ControlBlock, bool) {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return ControlBlock{}, false
	}
	return z.slots[idx].load(), true
}

// TryGet is Get, but additionally returns ok=false for a freed slot, per
// spec.md §4.2 ("returns null if the slot is freed").
func (t *Table) TryGet(addr Address) (ControlBlock, bool) {
	cb, ok := t.Get(addr)
	if !ok || cb.Freed() {
		return ControlBlock{}, false
	}
	return cb, true
}

// SetLive initializes addr's control block in place (used only by recovery
// to reconstruct a specific Address, i.e. get_or_alloc in spec.md §4.2).
func (t *Table) SetLive(addr Address, typ NodeType, loc Location) error {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return errors.NewInvalidSegmentError(uint32(addr), loc.Segment)
	}
	z.slots[idx].initialize(typ, loc)
	wordIdx := idx / 64
	bit := uint64(1) << uint(idx%64)
	z.free[wordIdx].And(^bit)
	return nil
}

// Free releases addr back to the free pool per spec.md Invariant 3: the
// control block is cleared (refcount=0, type=freelist, location=freed) and
// its free bit is set. Double-free (bit already free) is detected and
// reported as an internal invariant violation.
func (t *Table) Free(addr Address) error {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return errors.NewInvalidSegmentError(uint32(addr), 0)
	}
	z.slots[idx].word.Store(freedWord())

	wordIdx := idx / 64
	bit := uint64(1) << uint(idx%64)
	for {
		word := z.free[wordIdx].Load()
		if word&bit != 0 {
			return errors.NewDoubleFreeError(uint32(addr))
		}
		if z.free[wordIdx].CompareAndSwap(word, word|bit) {
			break
		}
	}
	z.liveCount.Add(-1)
	t.totalLive.Add(-1)
	return nil
}

// Retain atomically increments addr's refcount.
func (t *Table) Retain(addr Address) {
	if z, idx, ok := t.resolve(addr); ok {
		z.slots[idx].retain()
	}
}

// Release atomically decrements addr's refcount, freeing the slot and
// returning true if it reached zero.
func (t *Table) Release(addr Address) (freed bool, err error) {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return false, errors.NewInvalidSegmentError(uint32(addr), 0)
	}
	if z.slots[idx].release() {
		return true, t.Free(addr)
	}
	return false, nil
}

// StartModify begins an in-place writer edit of addr, blocking until any
// in-flight compactor move on it has ended.
func (t *Table) StartModify(addr Address) error {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return errors.NewInvalidSegmentError(uint32(addr), 0)
	}
	return z.slots[idx].startModify()
}

// EndModify clears the modifying bit on addr.
func (t *Table) EndModify(addr Address) {
	if z, idx, ok := t.resolve(addr); ok {
		z.slots[idx].endModify()
	}
}

// TryStartMove begins a compactor relocation of addr if its location still
// matches expected and no writer is mid-edit.
func (t *Table) TryStartMove(addr Address, expected Location) bool {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return false
	}
	return z.slots[idx].tryStartMove(expected)
}

// TryMove publishes addr's relocation from oldLoc to newLoc.
func (t *Table) TryMove(addr Address, oldLoc, newLoc Location) bool {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return false
	}
	return z.slots[idx].tryMove(oldLoc, newLoc)
}

// EndMove clears the copying bit on addr.
func (t *Table) EndMove(addr Address) {
	if z, idx, ok := t.resolve(addr); ok {
		z.slots[idx].endMove()
	}
}

// SetRead opportunistically marks addr as recently observed by a reader.
func (t *Table) SetRead(addr Address) (alreadySet bool) {
	z, idx, ok := t.resolve(addr)
	if !ok {
		return false
	}
	return z.slots[idx].setRead()
}

// DecaySweep clears the read bit on every live control block across every
// zone. Paced externally by internal/cache against read_cache_window_sec.
func (t *Table) DecaySweep() {
	for _, z := range t.zones() {
		for i := range z.slots {
			z.slots[i].clearRead()
		}
	}
}

// TotalSlots returns the total slot capacity across every currently grown zone.
func (t *Table) TotalSlots() uint64 {
	return uint64(len(t.zones())) * uint64(t.zoneSize)
}

// DecayChunk clears the read bit on n consecutive slots in the flat
// zone-major address space starting at cursor, wrapping around at the end,
// and returns the cursor to resume from next time. This lets a caller pace
// the decay sweep across a target window instead of sweeping the whole
// table in one call (internal/cache paces it against read_cache_window_sec).
func (t *Table) DecayChunk(cursor uint64, n int) uint64 {
	zones := t.zones()
	total := uint64(len(zones)) * uint64(t.zoneSize)
	if total == 0 {
		return 0
	}
	cursor %= total
	for i := 0; i < n; i++ {
		zoneIdx := int(cursor / uint64(t.zoneSize))
		slotIdx := int(cursor % uint64(t.zoneSize))
		zones[zoneIdx].slots[slotIdx].clearRead()
		cursor++
		if cursor >= total {
			cursor = 0
		}
	}
	return cursor
}

// LiveCount returns the number of currently-allocated Addresses.
func (t *Table) LiveCount() int64 {
	return t.totalLive.Load()
}

// ZoneCount returns how many zones the table has grown to.
func (t *Table) ZoneCount() int {
	return len(t.zones())
}
