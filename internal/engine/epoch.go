package engine

// sessionEpoch is the engine-level registration one transaction makes with
// the shared segment.EpochQueue for its lifetime (spec.md §5): a
// transaction publishes the engine's current commit sequence as the oldest
// point it might still be reading from, so the compactor never recycles a
// segment a still-live transaction could be mid-dereference of, and
// forgets that registration once the transaction ends. The engine's own
// monotonic commit counter stands in for a raw per-session allocation
// sequence here: object *lifetime* is already governed by control-block
// refcounts (retained at BeginRead/mutateNode time), so the epoch queue
// only needs to protect the narrower window around a relocated object's
// old bytes, which advances exactly once per commit; see DESIGN.md.
type sessionEpoch struct {
	engine *Engine
	id     uint64
}

// beginEpoch registers a fresh epoch participant at the engine's latest
// commit sequence.
func (e *Engine) beginEpoch() sessionEpoch {
	id := e.sessionSeq.Add(1)
	se := sessionEpoch{engine: e, id: id}
	se.refresh()
	return se
}

// refresh re-publishes the participant's lower bound at the engine's
// current commit sequence.
func (se sessionEpoch) refresh() {
	se.engine.epoch.Publish(se.id, se.engine.commitSeq.Load())
}

// end forgets the participant, letting the compactor recycle anything it
// was the last registration protecting.
func (se sessionEpoch) end() {
	se.engine.epoch.Forget(se.id)
}
