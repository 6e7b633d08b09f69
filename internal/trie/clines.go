package trie

import "github.com/arbtrie-go/arbtrie/internal/cbt"

// maxClineEntries is the number of distinct cacheline bases one inner node
// can track (spec.md §4.6/§8 Testable Property 9: "the number of distinct
// (Address & ~0xF) values among its direct children is <= 16").
const maxClineEntries = cbt.CachelineSlots

// clineTable is an inner node's local table of up to 16 distinct cacheline
// bases its children live in. A branch byte encodes a child Address as
// (cline index, slot within that cacheline) rather than the full 32-bit
// Address, which is what keeps an inner node's branch array a single byte
// per child. Each entry packs the 16-aligned base into its high bits and a
// saturating reference count into the base's unused low 4 bits; 0 means the
// slot is unused (a live entry always carries a count of at least 1 in its
// low bits, so it never encodes to 0, even for base 0).
type clineTable [maxClineEntries]uint32

func encodeCline(base cbt.Address, refcount int) uint32 {
	if refcount > 0xF {
		refcount = 0xF
	}
	return uint32(base) | uint32(refcount)
}

func clineBaseOf(entry uint32) cbt.Address {
	return cbt.Address(entry &^ 0xF)
}

func clineRefcountOf(entry uint32) int {
	return int(entry & 0xF)
}

// find returns the index of base's entry, if it is already registered.
func (c *clineTable) find(base cbt.Address) (int, bool) {
	for i, e := range c {
		if e != 0 && clineBaseOf(e) == base {
			return i, true
		}
	}
	return -1, false
}

// acquire returns the index base should encode to, registering it in a free
// slot (or bumping an existing entry's refcount) as needed. ok is false when
// base is new and all maxClineEntries slots are already taken by other
// bases — the caller must split the inner node instead (spec.md §4.7).
func (c *clineTable) acquire(base cbt.Address) (int, bool) {
	if idx, ok := c.find(base); ok {
		c[idx] = encodeCline(base, clineRefcountOf(c[idx])+1)
		return idx, true
	}
	for i, e := range c {
		if e == 0 {
			c[i] = encodeCline(base, 1)
			return i, true
		}
	}
	return -1, false
}

// release decrements base's refcount, freeing the slot once it hits zero.
func (c *clineTable) release(base cbt.Address) {
	idx, ok := c.find(base)
	if !ok {
		return
	}
	n := clineRefcountOf(c[idx]) - 1
	if n <= 0 {
		c[idx] = 0
		return
	}
	c[idx] = encodeCline(base, n)
}

// base returns the cacheline base registered at idx.
func (c *clineTable) base(idx int) cbt.Address {
	return clineBaseOf(c[idx])
}

// encodeBranch packs addr's cacheline into a single branch byte, acquiring
// a cline slot for its base if necessary. ok is false if the table is full.
func (c *clineTable) encodeBranch(addr cbt.Address) (byte, bool) {
	idx, ok := c.acquire(addr.CachelineBase())
	if !ok {
		return 0, false
	}
	return byte(idx<<4) | addr.CachelineSlot(), true
}

// decodeBranch reconstructs the full Address a branch byte encodes.
func (c *clineTable) decodeBranch(b byte) cbt.Address {
	idx := int(b >> 4)
	slot := cbt.Address(b & 0xF)
	return c.base(idx) + slot
}

// distinctBases reports how many non-empty entries the table currently
// holds, the quantity spec.md §8 Testable Property 9 bounds at 16.
func (c *clineTable) distinctBases() int {
	n := 0
	for _, e := range c {
		if e != 0 {
			n++
		}
	}
	return n
}
