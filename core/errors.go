package core

// These errors are user errors, not internal errors.
//
// Probably should have a type just for user errors.

import (
	"errors"
	"fmt"
)

// SpecNotCompiled occurs when a Specification is used (say via a
// Runner) before it has been Compile()ed.
type SpecNotCompiled struct {
	Spec *Specification
}

func (e *SpecNotCompiled) Error() string {
	return `specification "` + e.Spec.ID + `" not compiled`
}

// IntegrityError occurs when a Specification fails structural
// validation at Compile() time.  The specification is rejected; no
// case can be launched against it.
type IntegrityError struct {
	Spec string
	Net  string
	Node string
	Msg  string
}

func (e *IntegrityError) Error() string {
	s := `bad specification "` + e.Spec + `"`
	if e.Net != "" {
		s += `, net "` + e.Net + `"`
	}
	if e.Node != "" {
		s += `, at "` + e.Node + `"`
	}
	return s + ": " + e.Msg
}

// EvaluationError occurs when a predicate or an instance-count source
// fails (or misbehaves) during a transition.  The whole transition is
// abandoned: no tokens move, no work items change, and the case stays
// Running.
type EvaluationError struct {
	Task string
	Err  error
}

func (e *EvaluationError) Error() string {
	if e.Task == "" {
		return "evaluation failed: " + e.Err.Error()
	}
	return `evaluation failed at task "` + e.Task + `": ` + e.Err.Error()
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// InvalidStateTransition occurs when a requested work item or case
// transition isn't legal from the current status.  Nothing is
// mutated.
type InvalidStateTransition struct {
	ID   string
	From string
	To   string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf(`"%s" cannot go from %s to %s`, e.ID, e.From, e.To)
}

// StaleWorkItem occurs when an operation names a work item that has
// already reached a terminal status (or is gone entirely).  Somebody
// else got there first.
type StaleWorkItem struct {
	ID string
}

func (e *StaleWorkItem) Error() string {
	return `work item "` + e.ID + `" is stale`
}

// CaseNotRunning occurs when an operation needs a Running case and
// the case isn't.
type CaseNotRunning struct {
	CaseID string
	Status CaseStatus
}

func (e *CaseNotRunning) Error() string {
	return `case "` + e.CaseID + `" is ` + string(e.Status) + `, not running`
}

// Exceeded occurs when a single transition's cascade of automatic
// work (auto tasks, withdrawals, re-enablings) runs past the step
// limit.  Probably a cyclic region of auto tasks that never consumes
// its own fuel.  Reported as an EvaluationError cause.
var Exceeded = errors.New("step limit exceeded")
