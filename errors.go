package amt

import (
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
)

// Error kinds. Every error returned by this package that describes one of
// these conditions matches the corresponding kind with errors.Is.
var (
	// ErrOutOfRange is returned for indexes greater than MaxIndex.
	ErrOutOfRange = errors.New("index out of range")
	// ErrConfigMismatch is returned when a stored AMT does not match the
	// requested configuration, or references nodes with an unexpected codec.
	ErrConfigMismatch = errors.New("amt configuration mismatch")
	// ErrCorrupt is returned when a stored AMT is malformed.
	ErrCorrupt = errors.New("corrupt amt")
	// ErrNotFound is returned when a block or an index is missing.
	ErrNotFound = errors.New("not found")
	// ErrInvariant signals internal bookkeeping that contradicts itself. It
	// indicates a bug, or a tree that was built incorrectly.
	ErrInvariant = errors.New("amt invariant violated")
	// ErrNoValues is returned by FirstSetIndex on an empty AMT.
	ErrNoValues = errors.New("no values")
)

type IndexError struct {
	Index uint64
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d is out of range for the amt", e.Index)
}

func (e *IndexError) Unwrap() error { return ErrOutOfRange }

// MismatchError reports a stored property that differs from the expected
// one, e.g. the bit width, or the codec of a child link.
type MismatchError struct {
	Field    string
	Expected uint64
	Actual   uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected %s %d but amt has %s %d", e.Field, e.Expected, e.Field, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrConfigMismatch }

// Corruption identifies what is wrong with a malformed AMT.
type Corruption int

const (
	CorruptLinksAndValues Corruption = iota
	CorruptBitfieldLength
	CorruptBitfieldPadding
	CorruptLeafUnexpected
	CorruptLeafExpected
	CorruptValueCount
	CorruptLinkCount
	CorruptEmptyNode
	CorruptUndefinedCID
	CorruptUnresolvedLink
	CorruptHeight
	CorruptCount
)

// CorruptError describes a structural problem found while decoding or
// walking an AMT. Expected and Actual are set for the size and count
// mismatches; Height is the height of the offending node or root.
type CorruptError struct {
	Kind     Corruption
	Height   uint64
	Expected uint64
	Actual   uint64
}

func (e *CorruptError) Error() string {
	switch e.Kind {
	case CorruptLinksAndValues:
		return "amt node has both links and values"
	case CorruptBitfieldLength:
		return fmt.Sprintf("expected bitfield to be %d bytes long, found bitfield with %d bytes", e.Expected, e.Actual)
	case CorruptBitfieldPadding:
		return fmt.Sprintf("expected top bits of bitfield to be unset (width %d): %#b", e.Expected, e.Actual)
	case CorruptLeafUnexpected:
		return fmt.Sprintf("amt leaf not expected at height %d", e.Height)
	case CorruptLeafExpected:
		return "amt leaf expected at height 0"
	case CorruptValueCount:
		return fmt.Sprintf("expected %d values, got %d", e.Expected, e.Actual)
	case CorruptLinkCount:
		return fmt.Sprintf("expected %d links, got %d", e.Expected, e.Actual)
	case CorruptEmptyNode:
		return fmt.Sprintf("unexpected empty amt node at height %d", e.Height)
	case CorruptUndefinedCID:
		return "amt node has undefined CID"
	case CorruptUnresolvedLink:
		return "amt link has neither a CID nor a cached node"
	case CorruptHeight:
		return fmt.Sprintf("amt height %d out of bounds", e.Height)
	case CorruptCount:
		return fmt.Sprintf("amt count %d does not match its contents (height %d holds %d)", e.Expected, e.Height, e.Actual)
	default:
		return fmt.Sprintf("corrupt amt (kind %d)", e.Kind)
	}
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// BlockNotFoundError is returned when the block store has no data for a
// CID referenced by the AMT. It unwraps to both ErrNotFound and the error
// reported by the store.
type BlockNotFoundError struct {
	Cid cid.Cid
	Err error
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("amt block %s not found: %s", e.Cid, e.Err)
}

func (e *BlockNotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotFound}
	}
	return []error{ErrNotFound, e.Err}
}

// IndexNotFoundError is returned by a strict BatchDelete when one of the
// indexes is not set.
type IndexNotFoundError struct {
	Index uint64
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("no such index %d", e.Index)
}

func (e *IndexNotFoundError) Unwrap() error { return ErrNotFound }

type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "amt invariant violated: " + e.Reason
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

var (
	errCountOverflow  = &InvariantError{Reason: "count would exceed the maximum index"}
	errCountUnderflow = &InvariantError{Reason: "count does not match number of elements"}
	errDirtyUncached  = &InvariantError{Reason: "expected dirty node to be cached"}
	errCleanNoCID     = &InvariantError{Reason: "expected clean node to have CID"}
)
