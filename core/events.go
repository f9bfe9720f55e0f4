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

package core

// EventKind tags what happened.
type EventKind string

const (
	// EventCaseLaunched: a case began.  Carries the initial data
	// and the first token.
	EventCaseLaunched EventKind = "case-launched"

	// EventItemsEnabled: a task's join was satisfied and these
	// work items went on offer.  Carries full item snapshots.
	EventItemsEnabled EventKind = "items-enabled"

	// EventTaskFired: a task consumed its input tokens.  For a
	// composite task, also names the subcase that starts.
	EventTaskFired EventKind = "task-fired"

	// EventItemCheckedOut: an item went to Executing.
	EventItemCheckedOut EventKind = "item-checked-out"

	// EventItemCheckedIn: an item completed with data, which is
	// merged into the case data.
	EventItemCheckedIn EventKind = "item-checked-in"

	// EventTaskCompleted: a task produced its output tokens.
	EventTaskCompleted EventKind = "task-completed"

	// EventTaskCancelled: a completing task's cancel set was
	// applied: tokens cleared, items killed.
	EventTaskCancelled EventKind = "task-cancelled"

	// EventItemCancelled: one item was killed (withdrawn, timed
	// out, explicitly cancelled).
	EventItemCancelled EventKind = "item-cancelled"

	EventItemSuspended EventKind = "item-suspended"
	EventItemResumed   EventKind = "item-resumed"

	EventCaseSuspended EventKind = "case-suspended"
	EventCaseResumed   EventKind = "case-resumed"

	// EventCaseCancelled: the case was cancelled: every live item
	// killed, the marking cleared.
	EventCaseCancelled EventKind = "case-cancelled"

	// EventCaseCompleted: a token reached the net's output
	// condition.  Leftover tokens, if any, are dropped here.
	EventCaseCompleted EventKind = "case-completed"

	// EventCaseDeadlocked: tokens remain but nothing can ever
	// move again.
	EventCaseDeadlocked EventKind = "case-deadlocked"

	// EventCaseFaulted: persistence gave up; the case is frozen.
	EventCaseFaulted EventKind = "case-faulted"
)

// Event is one applied state change.
//
// Events are the only way a Runner's state changes: live execution
// builds an Event (doing whatever evaluation is needed), applies it,
// and hands it to persistence; replay applies the same Events and
// lands on the same state, byte for byte.  To make that work, an
// Event carries explicit deltas (tokens consumed and produced, item
// snapshots, victim lists) rather than anything that would need
// re-evaluation.
//
// Seq is assigned per root case and increases by one per event.
// CaseID names the runner the event belongs to, which for events
// inside a composite subnet is the subcase (something like
// "caseID.3").
type Event struct {
	Seq    int64     `json:"seq"`
	Kind   EventKind `json:"kind"`
	CaseID string    `json:"caseId"`

	// SpecID rides on EventCaseLaunched so that recovery knows
	// what to rebuild with.
	SpecID string `json:"specId,omitempty"`

	TaskID string `json:"taskId,omitempty"`
	ItemID string `json:"itemId,omitempty"`

	// Child is the subcase id started by a composite task's
	// EventTaskFired, or torn down by its EventTaskCompleted.
	Child string `json:"child,omitempty"`

	// Items are full snapshots of items created by
	// EventItemsEnabled or by a composite task's EventTaskFired.
	Items []*WorkItem `json:"items,omitempty"`

	// ItemIDs are the victims of a cancellation, or, on an
	// EventTaskFired, sibling instances that move to Fired along
	// with the item that was checked out.
	ItemIDs []string `json:"itemIds,omitempty"`

	// Consumed, Produced, and Cleared are token deltas by
	// condition id.
	Consumed map[string]int `json:"consumed,omitempty"`
	Produced map[string]int `json:"produced,omitempty"`
	Cleared  map[string]int `json:"cleared,omitempty"`

	// Data is the initial case data (EventCaseLaunched), the
	// checkin payload (EventItemCheckedIn), or a completing
	// subnet's folded output (EventTaskCompleted).
	Data Bindings `json:"data,omitempty"`

	Reason Reason `json:"reason,omitempty"`

	// Err is a human account of a fault (EventCaseFaulted).
	Err string `json:"error,omitempty"`

	// At is an RFC3339Nano timestamp.
	At string `json:"at,omitempty"`
}
