/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package persist defines how cases get durable.
//
// An Adapter works one of two ways.  A Transactional adapter stores
// the latest CaseState, with writes guarded by an optimistic version
// check.  An EventSourced adapter stores the case's event log, which
// must grow contiguously; the state is a fold over that log.  The
// engine picks which calls to make based on Mode(), so an adapter
// only implements its own half and answers ErrWrongMode for the
// other.
//
// Either way a case is keyed by its root case id.  Events belonging
// to subcases (composite tasks) live in the root case's log.
package persist

import (
	"context"
	"errors"

	"github.com/Comcast/loom/core"
)

// Mode says which half of Adapter an implementation really does.
type Mode string

const (
	Transactional Mode = "transactional"
	EventSourced  Mode = "eventsourced"
)

var (
	// ErrNotFound: no such case.
	ErrNotFound = errors.New("not found")

	// ErrOptimisticConflict: a SaveCase lost a race.  The caller
	// should have held the case lock, so seeing this usually
	// means two processes share one store.
	ErrOptimisticConflict = errors.New("version conflict")

	// ErrOutOfSequence: an AppendEvents would leave a gap in (or
	// rewrite part of) the log.
	ErrOutOfSequence = errors.New("events out of sequence")

	// ErrWrongMode: the method belongs to the other Mode.
	ErrWrongMode = errors.New("wrong adapter mode")
)

// CaseStatusOf maps an event to the case status it implies, if any.
// EventSourced adapters use it to index case status for ActiveCases
// without understanding anything else about events.
func CaseStatusOf(e *core.Event) (core.CaseStatus, bool) {
	switch e.Kind {
	case core.EventCaseLaunched, core.EventCaseResumed:
		return core.CaseRunning, true
	case core.EventCaseSuspended:
		return core.CaseSuspended, true
	case core.EventCaseCancelled:
		return core.CaseCancelled, true
	case core.EventCaseCompleted:
		return core.CaseCompleted, true
	case core.EventCaseDeadlocked:
		return core.CaseDeadlocked, true
	case core.EventCaseFaulted:
		return core.CaseFaulted, true
	}
	return "", false
}

// Adapter is the persistence capability the engine needs.  Nothing
// here knows about nets or tokens; it's all ids, blobs, and
// sequence numbers.
type Adapter interface {
	Mode() Mode

	// SaveCase stores the snapshot (Transactional).  prev is the
	// version (the event seq) the caller last saw: 0 means the
	// case should be new.  A mismatch with what's stored returns
	// ErrOptimisticConflict and changes nothing.
	SaveCase(ctx context.Context, st *core.CaseState, prev int64) error

	// LoadCase fetches the latest snapshot (Transactional).
	LoadCase(ctx context.Context, caseID string) (*core.CaseState, error)

	// AppendEvents extends the case's log (EventSourced).  The
	// batch must begin at the stored seq + 1 and increase by one
	// per event, or nothing is written and the answer is
	// ErrOutOfSequence.  An empty batch is a no-op.
	AppendEvents(ctx context.Context, caseID string, evs []*core.Event) error

	// LoadEvents fetches the case's whole log in order
	// (EventSourced).
	LoadEvents(ctx context.Context, caseID string) ([]*core.Event, error)

	// ActiveCases lists ids of cases that are not terminal
	// (running or suspended), for recovery.
	ActiveCases(ctx context.Context) ([]string, error)

	Close() error
}
