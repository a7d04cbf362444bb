package mergestate

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("merge state not found")
	// ErrMergeStateExists is returned by Create when the pair already has a
	// merge state. The caller removes it first.
	ErrMergeStateExists    = errors.New("merge state already exists for these roots")
	ErrFinalizeNotAllowed  = errors.New("merge state cannot be finalized, only removed")
	ErrUnresolvedConflicts = errors.New("merge state has unresolved conflicts")
	ErrNotEditable         = errors.New("side is not editable")
	ErrUnknownComparison   = errors.New("unknown comparison")
	ErrDatastoreExists     = errors.New("datastore already exists on the editable side")
	// ErrCascadeInvariant is returned when a planned node would not have a
	// valid parent at creation time.
	ErrCascadeInvariant = errors.New("cascade creation invariant violated")
	ErrNotApplicable    = errors.New("strategy not applicable to this content")
)

// FinalizeConflictError is returned when the commit or push of a finalize
// failed. The merge state is kept so the user can retry.
type FinalizeConflictError struct {
	StateID     string
	LocalCommit string
	Err         error
}

func (e *FinalizeConflictError) Error() string {
	return fmt.Sprintf("finalize of merge state %s failed, state kept: %v", e.StateID, e.Err)
}

func (e *FinalizeConflictError) Unwrap() error {
	return e.Err
}
