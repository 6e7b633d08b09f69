package trie

import (
	"bytes"

	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
)

// innerNode is the decoded form of an inner or inner-prefix node (spec.md
// §4.6): an optional shared prefix (empty for a plain inner node), a local
// cacheline table used to reconstruct full child Addresses from single-byte
// branch encodings, the divider/branch arrays routing a query byte to a
// branch, and an optional inline EOF value for a key ending exactly at this
// node's prefix. descendants is the subtree's live-key count, maintained
// incrementally by the mutation engine.
type innerNode struct {
	prefix      []byte
	clines      clineTable
	dividers    []byte
	branches    []byte
	hasEOF      bool
	eofValue    slotValue
	descendants uint64
}

func (n *innerNode) isPrefixed() bool { return len(n.prefix) > 0 }

func (n *innerNode) nodeType() cbt.NodeType {
	if n.isPrefixed() {
		return cbt.TypePrefixInner
	}
	return cbt.TypeInner
}

func (n *innerNode) resolveBranch(i int) cbt.Address {
	return n.clines.decodeBranch(n.branches[i])
}

func (n *innerNode) numBranches() int { return len(n.branches) }

// children returns every branch's resolved Address in order.
func (n *innerNode) children() []cbt.Address {
	out := make([]cbt.Address, len(n.branches))
	for i := range n.branches {
		out[i] = n.resolveBranch(i)
	}
	return out
}

func (n *innerNode) encodedSize() int {
	size := 2 + len(n.prefix) + 2 + 1 + maxClineEntries*4 + len(n.dividers) + len(n.branches) + 8
	if n.hasEOF {
		size += slotValueEncodedSize(n.eofValue)
	}
	return size
}

func (n *innerNode) encode() []byte {
	w := newByteWriter(n.encodedSize())
	w.u16(uint16(len(n.prefix)))
	w.bytes(n.prefix)
	w.u16(uint16(len(n.branches)))
	if n.hasEOF {
		w.u8(1)
	} else {
		w.u8(0)
	}
	for _, c := range n.clines {
		w.u32(c)
	}
	w.bytes(n.dividers)
	w.bytes(n.branches)
	if n.hasEOF {
		encodeSlotValue(w, n.eofValue)
	}
	w.u64(n.descendants)
	return w.buf[:w.off]
}

func decodeInner(buf []byte) *innerNode {
	r := newByteReader(buf)
	n := &innerNode{}

	prefixLen := int(r.u16())
	n.prefix = append([]byte(nil), r.bytes(prefixLen)...)
	numBranches := int(r.u16())
	hasEOF := r.u8() == 1
	n.hasEOF = hasEOF
	for i := range n.clines {
		n.clines[i] = r.u32()
	}
	if numBranches > 0 {
		n.dividers = append([]byte(nil), r.bytes(numBranches-1)...)
		n.branches = append([]byte(nil), r.bytes(numBranches)...)
	}
	if hasEOF {
		n.eofValue = decodeSlotValue(r)
	}
	n.descendants = r.u64()
	return n
}

func (e *Engine) loadInner(loc cbt.Location) (*innerNode, error) {
	_, payload, ok := segment.ReadFrame(e.heap, toSegLoc(loc))
	if !ok {
		return nil, newCorruptNodeError("inner", loc)
	}
	return decodeInner(payload), nil
}

// buildInner assembles a fresh inner/inner-prefix node from a prefix,
// optional EOF value, and an ordered set of children with their separating
// dividers, acquiring a cline-table slot for every distinct child cacheline
// base. ok is false if that would need more than maxClineEntries distinct
// bases, the signal (spec.md §8 Testable Property 9) that the caller must
// split the node instead of building it directly.
func buildInner(prefix []byte, eofValue *slotValue, children []cbt.Address, dividers []byte, descendants uint64) (*innerNode, bool) {
	n := &innerNode{
		prefix:      append([]byte(nil), prefix...),
		dividers:    append([]byte(nil), dividers...),
		descendants: descendants,
	}
	if eofValue != nil {
		n.hasEOF = true
		n.eofValue = *eofValue
	}
	n.branches = make([]byte, len(children))
	for i, addr := range children {
		b, ok := n.clines.encodeBranch(addr)
		if !ok {
			return nil, false
		}
		n.branches[i] = b
	}
	return n, true
}

// spliceBranch replaces the single branch at idx with newChildren (0 or
// more), using newDividers (len(newChildren)-1, ignored when len==0) as the
// separators introduced between them. When newChildren is empty the branch
// is removed outright, which must also drop exactly one of its two
// neighboring dividers to keep the dividers-equal-branches-minus-one
// invariant (the two ranges it used to separate merge into one).
func (n *innerNode) spliceBranch(idx int, newChildren []cbt.Address, newDividers []byte) ([]cbt.Address, []byte) {
	children := make([]cbt.Address, 0, len(n.branches)-1+len(newChildren))
	for i := 0; i < idx; i++ {
		children = append(children, n.resolveBranch(i))
	}
	children = append(children, newChildren...)
	for i := idx + 1; i < len(n.branches); i++ {
		children = append(children, n.resolveBranch(i))
	}

	var dividers []byte
	if len(newChildren) == 0 {
		if idx == 0 {
			end := 1
			if end > len(n.dividers) {
				end = len(n.dividers)
			}
			dividers = append(dividers, n.dividers[end:]...)
		} else {
			dividers = append(dividers, n.dividers[:idx-1]...)
			dividers = append(dividers, n.dividers[idx:]...)
		}
	} else {
		dividers = append(dividers, n.dividers[:idx]...)
		dividers = append(dividers, newDividers...)
		dividers = append(dividers, n.dividers[idx:]...)
	}
	return children, dividers
}

// matchPrefix reports whether key begins with n.prefix, returning the
// remainder of key past the prefix. This must always run, and succeed,
// before the remainder is ever checked for "ends here" (an empty remainder)
// — an inner-prefix node's EOF slot is only a hit once its own prefix has
// genuinely matched (spec.md §9 Open Question 1).
func (n *innerNode) matchPrefix(key []byte) ([]byte, bool) {
	if !bytes.HasPrefix(key, n.prefix) {
		return nil, false
	}
	return key[len(n.prefix):], true
}
