package trie

import (
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/pkg/errors"
)

// Op identifies which public trie operation a recursive mutation performs.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpUpsert
	OpRemove
)

// mutationResult is what every recursive mutate call returns: the single
// Address that now stands in for the subtree it was given (cbt.NullAddress
// if the subtree became empty), and the net change in live-key count to
// bubble up to every ancestor's descendants counter. A mutation never
// returns more than one replacement Address: a node that must structurally
// split (prefix divergence, cline overflow) always wraps its result in one
// new self-contained node rather than handing siblings up for the parent to
// splice in directly. This trades a little extra tree depth for a much
// simpler integration step at every call site; see DESIGN.md.
type mutationResult struct {
	addr     cbt.Address
	delta    int64
	notFound bool // Remove only: true if the key was already absent.
}

func single(addr cbt.Address, delta int64) mutationResult {
	return mutationResult{addr: addr, delta: delta}
}

func eofPtr(n *innerNode) *slotValue {
	if !n.hasEOF {
		return nil
	}
	return &n.eofValue
}

func eofCount(n *innerNode) uint64 {
	if n.hasEOF {
		return 1
	}
	return 0
}

// Get looks up key, returning the stored Value and whether it was found.
func (e *Engine) Get(root cbt.Address, key []byte) (Value, bool, error) {
	if len(key) > e.maxKeySize {
		return Value{}, false, errors.NewKeyTooLargeError(key, e.maxKeySize)
	}
	return e.get(root, key)
}

func (e *Engine) get(addr cbt.Address, key []byte) (Value, bool, error) {
	if addr == cbt.NullAddress {
		return Value{}, false, nil
	}
	cb, ok := e.table.TryGet(addr)
	if !ok {
		return Value{}, false, newCorruptNodeError("node", cbt.Location{})
	}
	switch cb.Type {
	case cbt.TypeLeaf:
		leaf, err := e.loadLeaf(cb.Location)
		if err != nil {
			return Value{}, false, err
		}
		idx, found := leaf.find(key)
		if !found {
			return Value{}, false, nil
		}
		v, err := e.fromSlotValue(leaf.entries[idx].value)
		return v, true, err
	case cbt.TypeInner, cbt.TypePrefixInner:
		n, err := e.loadInner(cb.Location)
		if err != nil {
			return Value{}, false, err
		}
		rest, ok := n.matchPrefix(key)
		if !ok {
			return Value{}, false, nil
		}
		if len(rest) == 0 {
			if !n.hasEOF {
				return Value{}, false, nil
			}
			v, err := e.fromSlotValue(n.eofValue)
			return v, true, err
		}
		if n.numBranches() == 0 {
			return Value{}, false, nil
		}
		idx := lowerBound(n.dividers, rest[0])
		return e.get(n.resolveBranch(idx), rest)
	default:
		return Value{}, false, newCorruptNodeError("node", cb.Location)
	}
}

// Insert adds key -> value, failing if key already has a value.
func (e *Engine) Insert(root cbt.Address, key []byte, value Value) (cbt.Address, error) {
	return e.apply(root, key, OpInsert, value)
}

// Update replaces key's value, failing if key is absent.
func (e *Engine) Update(root cbt.Address, key []byte, value Value) (cbt.Address, error) {
	return e.apply(root, key, OpUpdate, value)
}

// Upsert sets key -> value regardless of whether it already existed.
func (e *Engine) Upsert(root cbt.Address, key []byte, value Value) (cbt.Address, error) {
	return e.apply(root, key, OpUpsert, value)
}

// Remove deletes key if present; removed reports whether it was.
func (e *Engine) Remove(root cbt.Address, key []byte) (newRoot cbt.Address, removed bool, err error) {
	if len(key) > e.maxKeySize {
		return root, false, errors.NewKeyTooLargeError(key, e.maxKeySize)
	}
	res, err := e.mutateNode(root, true, key, OpRemove, Value{})
	if err != nil {
		return root, false, err
	}
	return res.addr, !res.notFound, nil
}

// MustRemove deletes key, failing if it was already absent.
func (e *Engine) MustRemove(root cbt.Address, key []byte) (cbt.Address, error) {
	newRoot, removed, err := e.Remove(root, key)
	if err != nil {
		return root, err
	}
	if !removed {
		return root, errors.NewKeyNotFoundErrorTrie(key, "MustRemove")
	}
	return newRoot, nil
}

// GetSubtree looks up key and returns its value as a subtree root Address,
// failing if key is absent or its value is a plain byte value.
func (e *Engine) GetSubtree(root cbt.Address, key []byte) (cbt.Address, error) {
	v, found, err := e.Get(root, key)
	if err != nil {
		return cbt.NullAddress, err
	}
	if !found {
		return cbt.NullAddress, errors.NewKeyNotFoundErrorTrie(key, "GetSubtree")
	}
	if !v.IsSubtree {
		return cbt.NullAddress, errors.NewNotSubtreeError(key)
	}
	return v.Subtree, nil
}

func (e *Engine) apply(root cbt.Address, key []byte, op Op, value Value) (cbt.Address, error) {
	if len(key) > e.maxKeySize {
		return root, errors.NewKeyTooLargeError(key, e.maxKeySize)
	}
	res, err := e.mutateNode(root, true, key, op, value)
	if err != nil {
		return root, err
	}
	return res.addr, nil
}

// mutateNode is the single recursive entry point every subtree mutation
// goes through. unique reflects whether every ancestor visited so far had
// refcount 1; it is re-derived at each level by ANDing in this node's own
// refcount, so it only ever decays toward shared, never back toward unique
// (spec.md §4.7: once an ancestor is shared, every descendant must be too,
// since an in-place edit below would corrupt the still-reachable old view).
func (e *Engine) mutateNode(addr cbt.Address, unique bool, key []byte, op Op, value Value) (mutationResult, error) {
	if addr == cbt.NullAddress {
		return e.mutateEmpty(op, key, value)
	}
	cb, ok := e.table.TryGet(addr)
	if !ok {
		return mutationResult{}, newCorruptNodeError("node", cbt.Location{})
	}
	nodeUnique := unique && cb.Refcount == 1

	switch cb.Type {
	case cbt.TypeLeaf:
		return e.mutateLeaf(addr, nodeUnique, cb, key, op, value)
	case cbt.TypeInner, cbt.TypePrefixInner:
		return e.mutateInner(addr, nodeUnique, cb, key, op, value)
	default:
		return mutationResult{}, newCorruptNodeError("node", cb.Location)
	}
}

func (e *Engine) mutateEmpty(op Op, key []byte, value Value) (mutationResult, error) {
	switch op {
	case OpInsert, OpUpsert:
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		leaf := &leafNode{entries: []leafEntry{{key: append([]byte(nil), key...), value: sv}}}
		addr, err := e.allocNode(cbt.TypeLeaf, leaf.encode())
		if err != nil {
			return mutationResult{}, err
		}
		return single(addr, 1), nil
	case OpUpdate:
		return mutationResult{}, errors.NewKeyNotFoundErrorTrie(key, "Update")
	default: // OpRemove
		return mutationResult{addr: cbt.NullAddress, notFound: true}, nil
	}
}

// mutateLeaf applies op to a decoded leaf node.
func (e *Engine) mutateLeaf(addr cbt.Address, unique bool, cb cbt.ControlBlock, key []byte, op Op, value Value) (mutationResult, error) {
	leaf, err := e.loadLeaf(cb.Location)
	if err != nil {
		return mutationResult{}, err
	}
	idx, found := leaf.find(key)

	switch op {
	case OpInsert:
		if found {
			return mutationResult{}, errors.NewKeyExistsError(key)
		}
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		return e.publishLeaf(addr, unique, withInserted(leaf.entries, key, sv), 1)

	case OpUpdate:
		if !found {
			return mutationResult{}, errors.NewKeyNotFoundErrorTrie(key, "Update")
		}
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		if err := e.releaseValueRefs(leaf.entries[idx].value); err != nil {
			return mutationResult{}, err
		}
		return e.publishLeaf(addr, unique, withReplaced(leaf.entries, idx, sv), 0)

	case OpUpsert:
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		if found {
			if err := e.releaseValueRefs(leaf.entries[idx].value); err != nil {
				return mutationResult{}, err
			}
			return e.publishLeaf(addr, unique, withReplaced(leaf.entries, idx, sv), 0)
		}
		return e.publishLeaf(addr, unique, withInserted(leaf.entries, key, sv), 1)

	default: // OpRemove
		if !found {
			return mutationResult{addr: addr, notFound: true}, nil
		}
		if err := e.releaseValueRefs(leaf.entries[idx].value); err != nil {
			return mutationResult{}, err
		}
		return e.publishLeaf(addr, unique, withRemoved(leaf.entries, idx), -1)
	}
}

// publishLeaf writes newEntries back out, splitting if it overflows
// maxLeafEntries or collapsing to cbt.NullAddress if it is now empty.
func (e *Engine) publishLeaf(addr cbt.Address, unique bool, newEntries []leafEntry, delta int64) (mutationResult, error) {
	if len(newEntries) == 0 {
		if _, err := e.table.Release(addr); err != nil {
			return mutationResult{}, err
		}
		return single(cbt.NullAddress, delta), nil
	}

	if len(newEntries) <= maxLeafEntries {
		payload := (&leafNode{entries: newEntries}).encode()
		if unique {
			if err := e.republish(addr, cbt.TypeLeaf, payload); err != nil {
				return mutationResult{}, err
			}
			return single(addr, delta), nil
		}
		newAddr, err := e.allocNode(cbt.TypeLeaf, payload)
		if err != nil {
			return mutationResult{}, err
		}
		if err := e.releaseSubtree(addr); err != nil {
			return mutationResult{}, err
		}
		return single(newAddr, delta), nil
	}

	// Overflow: split into a self-contained prefix-compressed subtree.
	if err := e.releaseSubtree(addr); err != nil {
		return mutationResult{}, err
	}
	built, err := e.buildFromEntries(newEntries)
	if err != nil {
		return mutationResult{}, err
	}
	return single(built, delta), nil
}

// mutateInner applies op to a decoded inner/inner-prefix node.
func (e *Engine) mutateInner(addr cbt.Address, unique bool, cb cbt.ControlBlock, key []byte, op Op, value Value) (mutationResult, error) {
	n, err := e.loadInner(cb.Location)
	if err != nil {
		return mutationResult{}, err
	}

	rest, ok := n.matchPrefix(key)
	if !ok {
		return e.mutateOnDivergence(addr, n, key, op, value)
	}

	if len(rest) == 0 {
		return e.mutateEOF(addr, unique, n, key, op, value)
	}

	if n.numBranches() == 0 {
		return e.mutateNewBranch(addr, unique, n, rest, op, value)
	}

	idx := lowerBound(n.dividers, rest[0])
	oldChild := n.resolveBranch(idx)
	childCB, ok := e.table.TryGet(oldChild)
	if !ok {
		return mutationResult{}, newCorruptNodeError("inner-child", cb.Location)
	}
	childUnique := unique && childCB.Refcount == 1

	childResult, err := e.mutateNode(oldChild, childUnique, rest, op, value)
	if err != nil {
		return mutationResult{}, err
	}
	if childResult.notFound {
		return mutationResult{addr: addr, notFound: true}, nil
	}
	return e.integrateBranch(addr, unique, n, idx, childResult)
}

// integrateBranch splices childResult's Address into n's branch at idx
// (dropping the branch entirely if childResult.addr is cbt.NullAddress),
// then republishes (unique) or copies (shared) the node.
func (e *Engine) integrateBranch(addr cbt.Address, unique bool, n *innerNode, idx int, childResult mutationResult) (mutationResult, error) {
	var newChildren []cbt.Address
	var newDividers []byte
	if childResult.addr == cbt.NullAddress {
		newChildren, newDividers = n.spliceBranch(idx, nil, nil)
	} else {
		newChildren, newDividers = n.spliceBranch(idx, []cbt.Address{childResult.addr}, nil)
	}

	newDescendants := uint64(int64(n.descendants) + childResult.delta)

	if len(newChildren) == 0 && !n.hasEOF {
		if _, err := e.table.Release(addr); err != nil {
			return mutationResult{}, err
		}
		return mutationResult{addr: cbt.NullAddress, delta: childResult.delta}, nil
	}

	built, ok := buildInner(n.prefix, eofPtr(n), newChildren, newDividers, newDescendants)
	if !ok {
		return e.splitInnerOverflow(addr, n, newChildren, newDividers, childResult.delta)
	}

	return e.commitRebuiltInner(addr, unique, n, idx, built, childResult.delta)
}

// commitRebuiltInner writes built out as the new version of the node that
// used to live at addr, excluding childIdx (-1 if none) from the retain
// pass since its replacement Address already carries the correct single
// reference from the recursive call that produced it.
func (e *Engine) commitRebuiltInner(addr cbt.Address, unique bool, old *innerNode, childIdx int, built *innerNode, delta int64) (mutationResult, error) {
	if unique {
		if err := e.republish(addr, built.nodeType(), built.encode()); err != nil {
			return mutationResult{}, err
		}
		return mutationResult{addr: addr, delta: delta}, nil
	}

	for i, child := range old.children() {
		if i != childIdx {
			e.table.Retain(child)
		}
	}
	if old.hasEOF && childIdx != eofTouchedMarker {
		e.retainValueRefs(old.eofValue)
	}
	newAddr, err := e.allocNode(built.nodeType(), built.encode())
	if err != nil {
		return mutationResult{}, err
	}
	if _, err := e.table.Release(addr); err != nil {
		return mutationResult{}, err
	}
	return mutationResult{addr: newAddr, delta: delta}, nil
}

// eofTouchedMarker is passed as childIdx by mutateEOF to signal that the
// EOF slot (not a child branch) was the part that changed, so
// commitRebuiltInner must skip retaining the old EOF value rather than
// every existing branch.
const eofTouchedMarker = -2

// mutateEOF applies op to a node's inline EOF value (a key ending exactly
// at this node's prefix). spec.md §9 Open Question 1: this is only reached
// once matchPrefix has already succeeded, so an empty remainder here is a
// genuine EOF hit, never a false positive from an unmatched prefix.
func (e *Engine) mutateEOF(addr cbt.Address, unique bool, n *innerNode, key []byte, op Op, value Value) (mutationResult, error) {
	var delta int64
	built := *n

	switch op {
	case OpInsert:
		if n.hasEOF {
			return mutationResult{}, errors.NewKeyExistsError(key)
		}
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		built.hasEOF, built.eofValue, delta = true, sv, 1

	case OpUpdate:
		if !n.hasEOF {
			return mutationResult{}, errors.NewKeyNotFoundErrorTrie(key, "Update")
		}
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		if err := e.releaseValueRefs(n.eofValue); err != nil {
			return mutationResult{}, err
		}
		built.eofValue, delta = sv, 0

	case OpUpsert:
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		if n.hasEOF {
			if err := e.releaseValueRefs(n.eofValue); err != nil {
				return mutationResult{}, err
			}
			delta = 0
		} else {
			delta = 1
		}
		built.hasEOF, built.eofValue = true, sv

	default: // OpRemove
		if !n.hasEOF {
			return mutationResult{addr: addr, notFound: true}, nil
		}
		if err := e.releaseValueRefs(n.eofValue); err != nil {
			return mutationResult{}, err
		}
		built.hasEOF, built.eofValue, delta = false, slotValue{}, -1
	}

	built.descendants = uint64(int64(n.descendants) + delta)

	if built.numBranches() == 0 && !built.hasEOF {
		if _, err := e.table.Release(addr); err != nil {
			return mutationResult{}, err
		}
		return mutationResult{addr: cbt.NullAddress, delta: delta}, nil
	}

	rebuilt, ok := buildInner(n.prefix, eofPtr(&built), n.children(), n.dividers, built.descendants)
	if !ok {
		return e.splitInnerOverflow(addr, n, n.children(), n.dividers, delta)
	}
	return e.commitRebuiltInner(addr, unique, n, eofTouchedMarker, rebuilt, delta)
}

// mutateNewBranch handles routing a key through an inner node that has no
// branches yet (it may still carry an EOF value): Insert/Upsert create the
// node's first branch; Update/Remove find nothing to act on.
func (e *Engine) mutateNewBranch(addr cbt.Address, unique bool, n *innerNode, rest []byte, op Op, value Value) (mutationResult, error) {
	switch op {
	case OpUpdate:
		return mutationResult{}, errors.NewKeyNotFoundErrorTrie(rest, "Update")
	case OpRemove:
		return mutationResult{addr: addr, notFound: true}, nil
	}

	sv, err := e.toSlotValue(value)
	if err != nil {
		return mutationResult{}, err
	}
	leaf := &leafNode{entries: []leafEntry{{key: append([]byte(nil), rest...), value: sv}}}
	leafAddr, err := e.allocNode(cbt.TypeLeaf, leaf.encode())
	if err != nil {
		return mutationResult{}, err
	}

	built, ok := buildInner(n.prefix, eofPtr(n), []cbt.Address{leafAddr}, nil, n.descendants+1)
	if !ok {
		return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow adding first branch")
	}
	return e.commitRebuiltInner(addr, unique, n, -1, built, 1)
}

// mutateOnDivergence handles a key whose bytes diverge from n's own prefix
// partway through: the node must split into a new, shorter-prefixed
// wrapper holding two branches — one leading to n's unchanged content
// (shortened to start at the divergence point), one leading to a new
// leaf for the incoming key — or, if the incoming key ends exactly at the
// divergence point, a wrapper whose own EOF slot takes the new value.
// Always allocates fresh regardless of unique/shared: the node count
// changes (1 becomes 2 or 3), so in-place reuse of addr has no meaning
// here (spec.md §4.7's prefix-divergence case).
func (e *Engine) mutateOnDivergence(addr cbt.Address, n *innerNode, key []byte, op Op, value Value) (mutationResult, error) {
	if op == OpUpdate {
		return mutationResult{}, errors.NewKeyNotFoundErrorTrie(key, "Update")
	}
	if op == OpRemove {
		return mutationResult{addr: addr, notFound: true}, nil
	}

	lcp := commonPrefixLen(n.prefix, key)
	divergingByte := n.prefix[lcp]

	// n's existing content survives unchanged, just renumbered under a
	// shorter prefix and a new Address: every child and the EOF value (if
	// any) it held now has a second owner (the shortened clone), so retain
	// each; addr's own single reference is then shallow-released.
	for _, child := range n.children() {
		e.table.Retain(child)
	}
	if n.hasEOF {
		e.retainValueRefs(n.eofValue)
	}
	shortened := &innerNode{
		prefix:      append([]byte(nil), n.prefix[lcp:]...),
		clines:      n.clines,
		dividers:    n.dividers,
		branches:    n.branches,
		hasEOF:      n.hasEOF,
		eofValue:    n.eofValue,
		descendants: n.descendants,
	}
	shortenedAddr, err := e.allocNode(shortened.nodeType(), shortened.encode())
	if err != nil {
		return mutationResult{}, err
	}
	if _, err := e.table.Release(addr); err != nil {
		return mutationResult{}, err
	}

	if lcp == len(key) {
		// The new key ends exactly at the divergence point: it becomes the
		// wrapper's own EOF value, and the only branch is the shortened clone.
		sv, err := e.toSlotValue(value)
		if err != nil {
			return mutationResult{}, err
		}
		wrapper, ok := buildInner(n.prefix[:lcp], &sv, []cbt.Address{shortenedAddr}, nil, n.descendants+1)
		if !ok {
			return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow wrapping divergence")
		}
		wrapperAddr, err := e.allocNode(wrapper.nodeType(), wrapper.encode())
		if err != nil {
			return mutationResult{}, err
		}
		return single(wrapperAddr, 1), nil
	}

	divergingNewByte := key[lcp]
	sv, err := e.toSlotValue(value)
	if err != nil {
		return mutationResult{}, err
	}
	newLeaf := &leafNode{entries: []leafEntry{{key: append([]byte(nil), key[lcp:]...), value: sv}}}
	newLeafAddr, err := e.allocNode(cbt.TypeLeaf, newLeaf.encode())
	if err != nil {
		return mutationResult{}, err
	}

	var children []cbt.Address
	var dividers []byte
	if divergingNewByte < divergingByte {
		children = []cbt.Address{newLeafAddr, shortenedAddr}
		dividers = []byte{divergingByte}
	} else {
		children = []cbt.Address{shortenedAddr, newLeafAddr}
		dividers = []byte{divergingNewByte}
	}

	wrapper, ok := buildInner(n.prefix[:lcp], nil, children, dividers, n.descendants+1)
	if !ok {
		return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow wrapping divergence")
	}
	wrapperAddr, err := e.allocNode(wrapper.nodeType(), wrapper.encode())
	if err != nil {
		return mutationResult{}, err
	}
	return single(wrapperAddr, 1), nil
}

// splitInnerOverflow wraps children/dividers (which would need more than
// maxClineEntries distinct cacheline bases to address directly) in two
// balanced, unprefixed sub-inner nodes under a new wrapper carrying n's
// original prefix and EOF value (spec.md §8 Testable Property 9). Always
// allocates fresh, for the same reason as mutateOnDivergence.
func (e *Engine) splitInnerOverflow(addr cbt.Address, n *innerNode, children []cbt.Address, dividers []byte, delta int64) (mutationResult, error) {
	mid := len(children) / 2
	if mid < 1 {
		mid = 1
	}
	if mid > len(dividers) {
		mid = len(dividers)
	}

	leftChildren, rightChildren := children[:mid], children[mid:]
	leftDividers, rightDividers := dividers[:mid-1], dividers[mid:]
	splitByte := dividers[mid-1]

	leftDesc, err := e.sumDescendants(leftChildren)
	if err != nil {
		return mutationResult{}, err
	}
	rightDesc, err := e.sumDescendants(rightChildren)
	if err != nil {
		return mutationResult{}, err
	}

	leftNode, ok := buildInner(nil, nil, leftChildren, leftDividers, leftDesc)
	if !ok {
		return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "inner split half still overflows cline table")
	}
	rightNode, ok := buildInner(nil, nil, rightChildren, rightDividers, rightDesc)
	if !ok {
		return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "inner split half still overflows cline table")
	}

	leftAddr, err := e.allocNode(leftNode.nodeType(), leftNode.encode())
	if err != nil {
		return mutationResult{}, err
	}
	rightAddr, err := e.allocNode(rightNode.nodeType(), rightNode.encode())
	if err != nil {
		return mutationResult{}, err
	}

	if _, err := e.table.Release(addr); err != nil {
		return mutationResult{}, err
	}

	wrapper, ok := buildInner(n.prefix, eofPtr(n), []cbt.Address{leftAddr, rightAddr}, []byte{splitByte}, leftDesc+rightDesc+eofCount(n))
	if !ok {
		return mutationResult{}, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow wrapping split halves")
	}
	wrapperAddr, err := e.allocNode(wrapper.nodeType(), wrapper.encode())
	if err != nil {
		return mutationResult{}, err
	}
	return single(wrapperAddr, delta), nil
}

// Count returns the number of live keys reachable from root, using the
// maintained descendants counter rather than a full subtree walk.
func (e *Engine) Count(root cbt.Address) (uint64, error) {
	if root == cbt.NullAddress {
		return 0, nil
	}
	return e.descendantsOf(root)
}

// ReleaseRoot drops one reference to root, freeing its entire subtree if
// that was the last reference. Used to unwind an uncommitted working root
// (e.g. an aborted write transaction) without ever publishing it.
func (e *Engine) ReleaseRoot(root cbt.Address) error {
	return e.releaseSubtree(root)
}

// descendantsOf returns addr's own live-key count: a leaf's entry count, or
// an inner node's maintained descendants counter.
func (e *Engine) descendantsOf(addr cbt.Address) (uint64, error) {
	cb, ok := e.table.TryGet(addr)
	if !ok {
		return 0, newCorruptNodeError("node", cbt.Location{})
	}
	switch cb.Type {
	case cbt.TypeLeaf:
		leaf, err := e.loadLeaf(cb.Location)
		if err != nil {
			return 0, err
		}
		return uint64(len(leaf.entries)), nil
	case cbt.TypeInner, cbt.TypePrefixInner:
		n, err := e.loadInner(cb.Location)
		if err != nil {
			return 0, err
		}
		return n.descendants, nil
	default:
		return 0, nil
	}
}

func (e *Engine) sumDescendants(addrs []cbt.Address) (uint64, error) {
	var total uint64
	for _, a := range addrs {
		n, err := e.descendantsOf(a)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// buildFromEntries recursively builds a self-contained, prefix-compressed
// subtree out of a sorted slice of (untrimmed, relative-to-here) entries,
// used both for a leaf's initial overflow split and, trivially, for
// building any fresh subtree. Entries fitting within maxLeafEntries become
// one leaf; otherwise the entries' longest common prefix becomes a new
// inner-prefix node's prefix, at most one entry exactly equal to that
// prefix becomes its inline EOF value, and the remainder — trimmed of that
// prefix — is partitioned by first byte into two balanced groups (or, in
// the rarer case where every remaining entry shares one more byte beyond
// the already-extracted EOF's prefix, wrapped in a single-branch
// passthrough so the recursive call can discover that longer shared
// prefix itself) and built recursively (spec.md §4.7).
func (e *Engine) buildFromEntries(entries []leafEntry) (cbt.Address, error) {
	if len(entries) <= maxLeafEntries {
		leaf := &leafNode{entries: entries}
		return e.allocNode(cbt.TypeLeaf, leaf.encode())
	}

	lcp := commonPrefixRaw(entries)
	var eofValue *slotValue
	rest := entries
	if len(entries[0].key) == len(lcp) {
		eofValue = &entries[0].value
		rest = entries[1:]
	}

	if len(rest) == 0 {
		built, ok := buildInner(lcp, eofValue, nil, nil, uint64(len(entries)))
		if !ok {
			return cbt.NullAddress, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow building EOF-only node")
		}
		return e.allocNode(built.nodeType(), built.encode())
	}

	trimmed := make([]leafEntry, len(rest))
	for i, ent := range rest {
		trimmed[i] = leafEntry{key: ent.key[len(lcp):], value: ent.value}
	}

	groups := groupByFirstByte(trimmed)
	if len(groups) == 1 {
		childAddr, err := e.buildFromEntries(trimmed)
		if err != nil {
			return cbt.NullAddress, err
		}
		built, ok := buildInner(lcp, eofValue, []cbt.Address{childAddr}, nil, uint64(len(entries)))
		if !ok {
			return cbt.NullAddress, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow building single-branch wrapper")
		}
		return e.allocNode(built.nodeType(), built.encode())
	}

	left, right := splitGroupsBalanced(groups)
	leftAddr, err := e.buildFromEntries(left)
	if err != nil {
		return cbt.NullAddress, err
	}
	rightAddr, err := e.buildFromEntries(right)
	if err != nil {
		return cbt.NullAddress, err
	}
	divider := right[0].key[0]

	built, ok := buildInner(lcp, eofValue, []cbt.Address{leftAddr, rightAddr}, []byte{divider}, uint64(len(entries)))
	if !ok {
		return cbt.NullAddress, errors.NewTrieError(nil, errors.ErrorCodeTrieNodeCorrupted, "impossible cline overflow building split wrapper")
	}
	return e.allocNode(built.nodeType(), built.encode())
}
