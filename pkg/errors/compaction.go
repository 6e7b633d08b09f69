package errors

// CompactionError covers the background relocation failures of C4: checksum
// mismatches on copied objects and impossible copying/modifying state
// transitions. spec.md §7 classifies both as internal invariant violations
// that poison the database rather than ordinary recoverable errors.
type CompactionError struct {
	*baseError

	segmentID uint32 // source segment being compacted when the error occurred.
	address   uint32 // Address whose relocation failed.
}

// NewCompactionError creates a new compaction-specific error.
func NewCompactionError(err error, code ErrorCode, msg string) *CompactionError {
	return &CompactionError{baseError: NewBaseError(err, code, msg)}
}

func (ce *CompactionError) WithMessage(msg string) *CompactionError {
	ce.baseError.WithMessage(msg)
	return ce
}

func (ce *CompactionError) WithDetail(key string, value any) *CompactionError {
	ce.baseError.WithDetail(key, value)
	return ce
}

// WithSegmentID records which segment was being compacted.
func (ce *CompactionError) WithSegmentID(id uint32) *CompactionError {
	ce.segmentID = id
	return ce
}

// WithAddress records which Address's relocation failed.
func (ce *CompactionError) WithAddress(address uint32) *CompactionError {
	ce.address = address
	return ce
}

// SegmentID returns the segment being compacted when the error occurred.
func (ce *CompactionError) SegmentID() uint32 { return ce.segmentID }

// Address returns the Address whose relocation failed.
func (ce *CompactionError) Address() uint32 { return ce.address }

// NewChecksumMismatchError builds the error for a relocated object whose
// recomputed checksum disagreed with its frame header.
func NewChecksumMismatchError(segmentID, address uint32) *CompactionError {
	return NewCompactionError(nil, ErrorCodeCompactionChecksumMismatch, "checksum mismatch during compaction copy").
		WithSegmentID(segmentID).
		WithAddress(address)
}

// NewImpossibleStateError builds the error for a copying/modifying
// mutual-exclusion violation observed during a relocation attempt.
func NewImpossibleStateError(address uint32, detail string) *CompactionError {
	return NewCompactionError(nil, ErrorCodeCompactionImpossibleState, "impossible control-block state transition").
		WithAddress(address).
		WithDetail("observed", detail)
}
