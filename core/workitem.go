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

// ItemStatus is where a work item is in its little life.
//
// Enabled -> Fired -> Executing -> Complete, with side trips
// Executing <-> Suspended and anything -> Cancelled.
type ItemStatus string

const (
	// ItemEnabled: the task's join is satisfied and this item is
	// on offer.  No tokens have moved yet.
	ItemEnabled ItemStatus = "enabled"

	// ItemFired: a sibling instance's checkout fired the task, so
	// the tokens are consumed, but nobody has picked up this
	// instance yet.
	ItemFired ItemStatus = "fired"

	// ItemExecuting: checked out; some external actor is working
	// on it.  For a composite task, the subnet is running.
	ItemExecuting ItemStatus = "executing"

	// ItemSuspended: paused by request.  In-flight data is kept.
	ItemSuspended ItemStatus = "suspended"

	// ItemComplete: checked in.  Terminal.
	ItemComplete ItemStatus = "complete"

	// ItemCancelled: killed by a cancel set, a withdrawal, a
	// timer, a threshold, or a case cancellation.  Terminal.
	ItemCancelled ItemStatus = "cancelled"
)

// Terminal reports whether the status is a resting place.
func (s ItemStatus) Terminal() bool {
	return s == ItemComplete || s == ItemCancelled
}

// Reason says why an item was cancelled.
type Reason string

const (
	// ReasonWithdrawn: the task stopped being enabled before
	// anybody checked the item out.  Deferred choice went the
	// other way.
	ReasonWithdrawn Reason = "withdrawn"

	// ReasonCancelSet: some completing task's cancel set named
	// this item's task.
	ReasonCancelSet Reason = "cancelset"

	// ReasonTimeout: the item's deadline passed.
	ReasonTimeout Reason = "timeout"

	// ReasonCaseCancelled: the whole case was cancelled.
	ReasonCaseCancelled Reason = "case-cancelled"

	// ReasonThreshold: enough sibling instances completed, so the
	// rest weren't needed.
	ReasonThreshold Reason = "threshold"

	// ReasonDiscarded: the net completed with this item still
	// running, which is legal but suspicious.  See the Runner's
	// completion handling.
	ReasonDiscarded Reason = "discarded"
)

// WorkItem is one executable instance of a task, offered to the
// world.
//
// Ids look like "caseID:taskID".  Multiple-instance tasks get one
// item per instance, with ids like "caseID.3:taskID" and Parent set
// to the batch's first instance id.
type WorkItem struct {
	ID     string     `json:"id"`
	CaseID string     `json:"caseId"`
	TaskID string     `json:"taskId"`
	Status ItemStatus `json:"status"`

	// Reason is set when Status is ItemCancelled.
	Reason Reason `json:"reason,omitempty"`

	// Data is the item's local data: what came in at checkin (or
	// what's in flight across a suspend).
	Data Bindings `json:"data,omitempty"`

	// Parent groups multiple-instance siblings.
	Parent string `json:"parent,omitempty"`

	// Child is the subcase id for a composite task's item.
	Child string `json:"child,omitempty"`

	// Created and Modified are RFC3339Nano timestamps.
	Created  string `json:"created,omitempty"`
	Modified string `json:"modified,omitempty"`

	// Deadline (RFC3339Nano), if set, is when the item's timer
	// fires.
	Deadline string `json:"deadline,omitempty"`
}

// Copy makes a deep-enough copy.
func (w *WorkItem) Copy() *WorkItem {
	acc := *w
	acc.Data = w.Data.Copy()
	return &acc
}

// CaseStatus is where a case is in its lifecycle.
//
// Running -> {Suspended, Cancelled, Completed, Deadlocked, Faulted},
// Suspended -> {Running, Cancelled}.  Completion is detected, never
// requested.
type CaseStatus string

const (
	CaseRunning   CaseStatus = "running"
	CaseSuspended CaseStatus = "suspended"
	CaseCancelled CaseStatus = "cancelled"
	CaseCompleted CaseStatus = "completed"

	// CaseDeadlocked: tokens remain but nothing is enabled and
	// nothing is running.  The net design let us down.  Terminal.
	CaseDeadlocked CaseStatus = "deadlocked"

	// CaseFaulted: the durable store repeatedly refused a write,
	// so the case is frozen for operator attention.  The
	// in-memory state never ran ahead of the durable record.
	CaseFaulted CaseStatus = "faulted"
)

// Terminal reports whether the case is done for good.
func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseCancelled, CaseCompleted, CaseDeadlocked, CaseFaulted:
		return true
	}
	return false
}
