package errors

// CBTError provides specialized error handling for control-block-table
// operations: Address allocation, lookup, and free-bitmap bookkeeping (C2).
// It embeds baseError to inherit all the standard error functionality, then
// adds the context an allocator failure needs to be actionable.
type CBTError struct {
	*baseError

	// address identifies which Address was being allocated, freed, or
	// looked up when the error occurred.
	address uint32

	// zone identifies which zone of the table the operation touched.
	zone int

	// operation names the CBT operation in flight ("Alloc", "AllocHint",
	// "Free", "Get", "Retain", "Release", ...).
	operation string

	// liveCount captures how many control blocks were live across the whole
	// table at the time of the error, useful for capacity diagnostics.
	liveCount int64
}

// NewCBTError creates a new control-block-table error with the provided context.
func NewCBTError(err error, code ErrorCode, msg string) *CBTError {
	return &CBTError{baseError: NewBaseError(err, code, msg)}
}

// Override base error methods to return *CBTError instead of *baseError so
// that fluent chains keep exposing the CBT-specific With* methods below.

func (ce *CBTError) WithMessage(msg string) *CBTError {
	ce.baseError.WithMessage(msg)
	return ce
}

func (ce *CBTError) WithCode(code ErrorCode) *CBTError {
	ce.baseError.WithCode(code)
	return ce
}

func (ce *CBTError) WithDetail(key string, value any) *CBTError {
	ce.baseError.WithDetail(key, value)
	return ce
}

// WithAddress records which Address was involved in the error.
func (ce *CBTError) WithAddress(address uint32) *CBTError {
	ce.address = address
	return ce
}

// WithZone records which zone of the table was involved.
func (ce *CBTError) WithZone(zone int) *CBTError {
	ce.zone = zone
	return ce
}

// WithOperation records which CBT operation was being performed.
func (ce *CBTError) WithOperation(operation string) *CBTError {
	ce.operation = operation
	return ce
}

// WithLiveCount records the table's live control-block count at failure time.
func (ce *CBTError) WithLiveCount(count int64) *CBTError {
	ce.liveCount = count
	return ce
}

// Address returns the Address involved in the error.
func (ce *CBTError) Address() uint32 { return ce.address }

// Zone returns the zone index involved in the error.
func (ce *CBTError) Zone() int { return ce.zone }

// Operation returns the name of the CBT operation that failed.
func (ce *CBTError) Operation() string { return ce.operation }

// LiveCount returns the table's live control-block count at failure time.
func (ce *CBTError) LiveCount() int64 { return ce.liveCount }

// NewAddressNotFoundError builds the error a reader sees when it resolves an
// Address whose control block no longer exists — per spec.md §7 this is
// treated as caller error and surfaces as "not found," never a panic.
func NewAddressNotFoundError(address uint32) *CBTError {
	return NewCBTError(nil, ErrorCodeIndexKeyNotFound, "address not found in control-block table").
		WithAddress(address).
		WithOperation("Get")
}

// NewInvalidSegmentError builds the error for a location whose segment
// number lies outside the heap's currently mapped zones.
func NewInvalidSegmentError(address uint32, segment uint32) *CBTError {
	return NewCBTError(nil, ErrorCodeIndexInvalidSegmentID, "location references an unmapped segment").
		WithAddress(address).
		WithDetail("segment", segment)
}

// NewExhaustedError builds the error surfaced when no zone growth can
// satisfy an allocation because the table has reached the 32-bit Address
// space ceiling (spec.md §7, resource exhaustion).
func NewExhaustedError(liveCount int64) *CBTError {
	return NewCBTError(nil, ErrorCodeCBTExhausted, "control-block table exhausted: 2^32 addresses allocated").
		WithOperation("Alloc").
		WithLiveCount(liveCount)
}

// NewDoubleFreeError builds the error for a Free() call against a slot whose
// free bit was already set — an internal invariant violation (spec.md §7).
func NewDoubleFreeError(address uint32) *CBTError {
	return NewCBTError(nil, ErrorCodeCBTDoubleFree, "double free detected on control-block slot").
		WithAddress(address).
		WithOperation("Free")
}
