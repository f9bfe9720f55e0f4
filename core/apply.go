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

import "fmt"

// Apply applies one event to the runner tree.  Call it on the root
// runner; the event routes to the subcase runner named by its
// CaseID.  An event at or below the current sequence number is
// skipped silently, so applying an overlapping stream is harmless.
//
// Apply never evaluates anything.  All the thinking happened when
// the event was built; Apply just moves tokens and flips statuses
// per the event's deltas.  Live execution and replay go through the
// same code, which is what makes them agree.
func (r *Runner) Apply(e *Event) error {
	if r.parent != nil {
		return fmt.Errorf("apply on a subcase runner")
	}
	if e.Seq <= r.seq {
		return nil
	}
	target := r.runnerFor(e.CaseID)
	if target == nil {
		return fmt.Errorf("case %q: no runner for subcase %q at seq %d",
			r.CaseID, e.CaseID, e.Seq)
	}
	target.applyLocal(e)
	r.seq = e.Seq
	return nil
}

// Replay applies events in order.  Replaying a case's whole stream
// against a fresh Runner reconstructs the case exactly.
func (r *Runner) Replay(evs []*Event) error {
	for _, e := range evs {
		if err := r.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyLocal(e *Event) {
	switch e.Kind {

	case EventCaseLaunched:
		r.Status = CaseRunning
		if e.Data != nil {
			r.Data = e.Data.Copy()
		}
		for c, n := range e.Produced {
			r.Marking.produce(c, n)
		}

	case EventItemsEnabled:
		for _, snap := range e.Items {
			r.insertItem(snap)
		}

	case EventTaskFired:
		for c, n := range e.Consumed {
			r.Marking.consume(c, n)
		}
		if 0 < len(e.Items) {
			// A composite task's firing carries its item.
			for _, snap := range e.Items {
				r.insertItem(snap)
			}
		} else if e.ItemID != "" {
			if it := r.Items[e.ItemID]; it != nil {
				it.Status = ItemFired
				it.Modified = e.At
			}
		}
		for _, sid := range e.ItemIDs {
			if sib := r.Items[sid]; sib != nil && sib.Status == ItemEnabled {
				sib.Status = ItemFired
				sib.Modified = e.At
			}
		}
		if e.Child != "" {
			t := r.Net.Tasks[e.TaskID]
			sub := r.Spec.Nets[t.Subnet]
			c := r.newChild(e.Child, sub, e.ItemID)
			c.Marking.produce(sub.InputCondition(), 1)
			r.Children[e.Child] = c
			r.bump(e.Child)
		}

	case EventItemCheckedOut:
		if it := r.Items[e.ItemID]; it != nil {
			it.Status = ItemExecuting
			it.Modified = e.At
		}

	case EventItemCheckedIn:
		if it := r.Items[e.ItemID]; it != nil {
			it.Status = ItemComplete
			it.Modified = e.At
			if e.Data != nil {
				it.Data = e.Data.Copy()
			}
			r.Marking.removeItem(it.TaskID, it.ID)
		}
		if e.Data != nil {
			r.Data = r.Data.Merge(e.Data)
		}

	case EventTaskCompleted:
		if e.Child != "" {
			// A subnet finished: fold its data, retire the
			// composite item, drop the subcase.
			if e.Data != nil {
				r.Data = r.Data.Merge(e.Data)
			}
			if it := r.Items[e.ItemID]; it != nil {
				it.Status = ItemComplete
				it.Modified = e.At
				r.Marking.removeItem(it.TaskID, it.ID)
			}
			delete(r.Children, e.Child)
		}
		for c, n := range e.Produced {
			r.Marking.produce(c, n)
		}

	case EventTaskCancelled:
		for c, n := range e.Cleared {
			r.Marking.consume(c, n)
		}
		r.cancelItems(e.ItemIDs, e.Reason, e.At)

	case EventItemCancelled:
		for c, n := range e.Consumed {
			r.Marking.consume(c, n)
		}
		ids := make([]string, 0, 1+len(e.ItemIDs))
		if e.ItemID != "" {
			ids = append(ids, e.ItemID)
		}
		ids = append(ids, e.ItemIDs...)
		r.cancelItems(ids, e.Reason, e.At)

	case EventItemSuspended:
		if it := r.Items[e.ItemID]; it != nil {
			it.Status = ItemSuspended
			it.Modified = e.At
		}

	case EventItemResumed:
		if it := r.Items[e.ItemID]; it != nil {
			it.Status = ItemExecuting
			it.Modified = e.At
		}

	case EventCaseSuspended:
		r.Status = CaseSuspended

	case EventCaseResumed:
		r.Status = CaseRunning

	case EventCaseCancelled:
		r.cancelItems(e.ItemIDs, e.Reason, e.At)
		for c, n := range e.Cleared {
			r.Marking.consume(c, n)
		}
		r.Status = CaseCancelled
		r.Children = make(map[string]*Runner)

	case EventCaseCompleted:
		for c, n := range e.Cleared {
			r.Marking.consume(c, n)
		}
		r.Status = CaseCompleted
		r.Children = make(map[string]*Runner)

	case EventCaseDeadlocked:
		r.Status = CaseDeadlocked

	case EventCaseFaulted:
		r.Status = CaseFaulted
	}
}

// insertItem installs an item snapshot.
func (r *Runner) insertItem(snap *WorkItem) {
	cp := snap.Copy()
	r.Items[cp.ID] = cp
	r.Marking.addItem(cp.TaskID, cp.ID)
	r.bump(cp.ID)
}

// cancelItems cancels the named items, searching this runner's whole
// subtree, and prunes the subcase under any cancelled composite
// item.  Victims inside a pruned subcase are simply gone, which is
// the same thing.
func (r *Runner) cancelItems(ids []string, reason Reason, at string) {
	for _, id := range ids {
		it, owner := r.findItem(id)
		if it == nil || it.Status.Terminal() {
			continue
		}
		it.Status = ItemCancelled
		it.Reason = reason
		it.Modified = at
		owner.Marking.removeItem(it.TaskID, it.ID)
		if it.Child != "" {
			delete(owner.Children, it.Child)
		}
	}
}
