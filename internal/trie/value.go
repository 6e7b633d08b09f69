package trie

import (
	"github.com/arbtrie-go/arbtrie/internal/cbt"
	"github.com/arbtrie-go/arbtrie/internal/segment"
)

// writeValueNode persists data as a standalone value node (spec.md §4.6),
// used once a value exceeds the inline threshold a leaf or EOF slot can
// carry directly.
func (e *Engine) writeValueNode(data []byte) (cbt.Address, error) {
	return e.allocNode(cbt.TypeValue, data)
}

// readValueNode reads back a value node's raw payload.
func (e *Engine) readValueNode(addr cbt.Address) ([]byte, error) {
	cb, ok := e.table.TryGet(addr)
	if !ok {
		return nil, newCorruptNodeError("value", cbt.Location{})
	}
	_, payload, ok := segment.ReadFrame(e.heap, toSegLoc(cb.Location))
	if !ok {
		return nil, newCorruptNodeError("value", cb.Location)
	}
	return append([]byte(nil), payload...), nil
}
