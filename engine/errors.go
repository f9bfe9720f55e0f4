package engine

import (
	"errors"
	"fmt"
)

// These errors are about the engine's bookkeeping, not about net
// semantics; those errors live in core.

// Closed is returned by operations on an engine that has been Shut
// down.
var Closed = errors.New("engine is closed")

// UnknownCase: the engine isn't hosting a case with that id.  Maybe
// it never existed; maybe it's terminal and archived; maybe you
// haven't called Recover.
type UnknownCase struct {
	CaseID string
}

func (e *UnknownCase) Error() string {
	return `unknown case "` + e.CaseID + `"`
}

// UnknownSpecification: no specification with that id has been
// added.
type UnknownSpecification struct {
	SpecID string
}

func (e *UnknownSpecification) Error() string {
	return `unknown specification "` + e.SpecID + `"`
}

// PersistenceFailure: the storage adapter refused a commit even
// after retries, so the transition was discarded and the case is now
// Faulted.  The in-memory state never runs ahead of the durable
// record; an operator gets to find out why the store is unhappy.
type PersistenceFailure struct {
	CaseID string
	Err    error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence failure for case %q: %s", e.CaseID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}
