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

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// enabled reports whether the task's join is satisfied by the
// current marking.
func (r *Runner) enabled(t *Task) bool {
	switch t.Join {
	case Xor:
		for _, i := range t.ins {
			if r.Marking.Marked(r.Net.nodeAt(i).id) {
				return true
			}
		}
		return false
	case Or:
		return r.orEnabled(t)
	default: // And
		for _, i := range t.ins {
			if !r.Marking.Marked(r.Net.nodeAt(i).id) {
				return false
			}
		}
		return true
	}
}

// orEnabled decides the or-join question: fire now, or wait?
//
// A token on some input is necessary.  Beyond that, the join must
// know that no empty input could still receive a token.  For each
// empty input we search backward through the join's precomputed
// scope (the region between the join and its matching or-split): if
// we can reach a condition holding a token, or a task with live work
// items, then a token could still flow to that input, and the join
// waits.  If no empty input is reachable that way, the join fires
// with the tokens present.
//
// The visited set makes this terminate on cyclic regions: revisiting
// a node brings no new information.
func (r *Runner) orEnabled(t *Task) bool {
	any := false
	for _, i := range t.ins {
		if r.Marking.Marked(r.Net.nodeAt(i).id) {
			any = true
			break
		}
	}
	if !any {
		return false
	}
	for _, i := range t.ins {
		if r.Marking.Marked(r.Net.nodeAt(i).id) {
			continue
		}
		if r.tokenCouldReach(t, i) {
			return false
		}
	}
	return true
}

// tokenCouldReach is the backward search from one empty input
// condition of an or-join.  Never through the join itself, never
// outside the join's scope.
func (r *Runner) tokenCouldReach(t *Task, input int) bool {
	visited := map[int]bool{input: true}
	stack := []int{input}
	for 0 < len(stack) {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range r.Net.nodeAt(i).in {
			if p == t.index || visited[p] || !t.scope[p] {
				continue
			}
			na := r.Net.nodeAt(p)
			if na.cond != nil && r.Marking.Marked(na.id) {
				return true
			}
			if na.task != nil && r.Marking.busy(na.id) {
				return true
			}
			visited[p] = true
			stack = append(stack, p)
		}
	}
	return false
}

// joinConsumption says which tokens firing the task removes: every
// input for an and-join, the first marked input for an xor-join, and
// exactly the marked inputs for an or-join (that's the or-join
// bargain: never wait on, and never consume, what isn't there).
func (r *Runner) joinConsumption(t *Task) map[string]int {
	acc := make(map[string]int, len(t.ins))
	switch t.Join {
	case Xor:
		for _, i := range t.ins {
			id := r.Net.nodeAt(i).id
			if r.Marking.Marked(id) {
				acc[id] = 1
				break
			}
		}
	case Or:
		for _, i := range t.ins {
			id := r.Net.nodeAt(i).id
			if r.Marking.Marked(id) {
				acc[id] = 1
			}
		}
	default: // And
		for _, i := range t.ins {
			acc[r.Net.nodeAt(i).id] = 1
		}
	}
	return acc
}

// splitProduction says which tokens completing the task creates,
// evaluating flow predicates against the given bindings.
//
// And: one token per output flow.  Xor: flows in ordinal order, the
// first true predicate wins (a flow with no predicate is always
// true), else the default flow.  Or: every true flow, else the
// default flow.
func (r *Runner) splitProduction(ctx context.Context, t *Task, bs Bindings) (map[string]int, error) {
	acc := make(map[string]int, len(t.outs))
	switch t.Split {
	case Xor:
		var chosen *Flow
		for _, f := range t.outs {
			if f == t.deflt {
				continue
			}
			if f.pred == nil {
				chosen = f
				break
			}
			ok, err := f.pred.bool(ctx, bs)
			if err != nil {
				return nil, &EvaluationError{Task: t.ID, Err: err}
			}
			if ok {
				chosen = f
				break
			}
		}
		if chosen == nil {
			chosen = t.deflt
		}
		if chosen == nil {
			// Compile guarantees a default when there are
			// predicates, so this is a task with no
			// outputs at all, which Compile also rejects.
			return nil, &EvaluationError{Task: t.ID, Err: fmt.Errorf("no flow chosen")}
		}
		acc[chosen.Target] = 1
	case Or:
		for _, f := range t.outs {
			if f == t.deflt {
				continue
			}
			ok := true
			if f.pred != nil {
				var err error
				if ok, err = f.pred.bool(ctx, bs); err != nil {
					return nil, &EvaluationError{Task: t.ID, Err: err}
				}
			}
			if ok {
				acc[f.Target]++
			}
		}
		if len(acc) == 0 {
			if t.deflt == nil {
				return nil, &EvaluationError{Task: t.ID, Err: fmt.Errorf("no flow chosen")}
			}
			acc[t.deflt.Target] = 1
		}
	default: // And
		for _, f := range t.outs {
			acc[f.Target]++
		}
	}
	return acc, nil
}

// settle runs the net to quiescence after a mutation: cascades from
// the mutated runner out to the root, then asks the deadlock
// question.  Once nothing holds a live work item anywhere, nothing
// external (checkout, checkin, timer) can ever move the case again,
// so a case that isn't complete by then never will be.
func (r *Runner) settle(ctx context.Context, from *Runner, acc *[]*Event) error {
	for rr := from; rr != nil; rr = rr.parent {
		if err := rr.cascade(ctx, acc); err != nil {
			return err
		}
	}
	if r.Status == CaseRunning && !r.anyLive() {
		r.push(acc, r.newEvent(EventCaseDeadlocked))
	}
	return nil
}

func (r *Runner) anyLive() bool {
	live := false
	r.Walk(func(rr *Runner) {
		if 0 < len(rr.Marking.Active) {
			live = true
		}
	})
	return live
}

// cascade drives this runner (children first) until nothing more
// happens on its own: withdrawals, fresh enablings, auto tasks,
// composite firings, subnet completions.  Then, if a token reached
// the output condition, the net completes.
func (r *Runner) cascade(ctx context.Context, acc *[]*Event) error {
	if r.Status != CaseRunning {
		return nil
	}
	for step := 0; ; step++ {
		if StepLimit <= step {
			return &EvaluationError{Err: Exceeded}
		}
		for _, cid := range sortedChildIDs(r.Children) {
			if err := r.Children[cid].cascade(ctx, acc); err != nil {
				return err
			}
		}
		changed, err := r.step(ctx, acc)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}
	if r.Marking.Marked(r.Net.OutputCondition()) {
		r.complete(acc)
	}
	return nil
}

// step makes at most one move and says whether it did.  The scan
// order is fixed (folds, then withdrawals, then enablings, tasks in
// sorted order) so a given state always cascades the same way.
func (r *Runner) step(ctx context.Context, acc *[]*Event) (bool, error) {
	if r.Marking.Marked(r.Net.OutputCondition()) {
		return false, nil
	}

	// Fold completed subnets into their parent tasks.
	for _, cid := range sortedChildIDs(r.Children) {
		c := r.Children[cid]
		if c.Status != CaseCompleted {
			continue
		}
		item := r.Items[c.parentItem]
		if item == nil || item.Status.Terminal() {
			continue
		}
		t := r.Net.Tasks[item.TaskID]
		if err := r.completeComposite(ctx, t, item, c, acc); err != nil {
			return false, err
		}
		return true, nil
	}

	// Withdraw offers whose tasks stopped being enabled: the
	// deferred choice went another way.
	for _, tid := range r.Net.taskOrder {
		ids := r.Marking.Active[tid]
		if len(ids) == 0 {
			continue
		}
		unfired := true
		for _, id := range ids {
			if r.Items[id].Status != ItemEnabled {
				unfired = false
				break
			}
		}
		if !unfired || r.enabled(r.Net.Tasks[tid]) {
			continue
		}
		for _, id := range append([]string{}, ids...) {
			e := r.newEvent(EventItemCancelled)
			e.TaskID = tid
			e.ItemID = id
			e.Reason = ReasonWithdrawn
			r.push(acc, e)
		}
		return true, nil
	}

	// Offer, or fire, newly enabled tasks.
	for _, tid := range r.Net.taskOrder {
		t := r.Net.Tasks[tid]
		if r.Marking.busy(tid) || !r.enabled(t) {
			continue
		}
		switch t.Kind {
		case Auto:
			fe := r.newEvent(EventTaskFired)
			fe.TaskID = tid
			fe.Consumed = r.joinConsumption(t)
			r.push(acc, fe)
			if err := r.completeTask(ctx, t, nil, acc); err != nil {
				return false, err
			}
		case Composite:
			if err := r.fireComposite(ctx, t, acc); err != nil {
				return false, err
			}
		default:
			if err := r.spawn(ctx, t, acc); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	return false, nil
}

// spawn puts a task's work on offer: one item, or a batch of
// instances for a multiple-instance task.
func (r *Runner) spawn(ctx context.Context, t *Task, acc *[]*Event) error {
	count := 1
	instance := false
	if t.IsMI() {
		instance = true
		if t.MI.Mode == ModeDynamic {
			c, err := t.countSrc.count(ctx, r.Data)
			if err != nil {
				return &EvaluationError{Task: t.ID, Err: err}
			}
			if c < t.MI.Min {
				c = t.MI.Min
			}
			if t.MI.Max < c {
				c = t.MI.Max
			}
			count = c
		} else {
			count = t.MI.Max
		}
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	deadline := ""
	if t.Timer != nil {
		deadline = t.Timer.Deadline(now).UTC().Format(time.RFC3339Nano)
	}

	e := r.newEvent(EventItemsEnabled)
	e.TaskID = t.ID
	taken := make(map[int]bool)
	// Instances of one spawn share a batch tag (the first
	// instance's id), so threshold counting never mixes batches
	// when a loop revisits the task.
	parent := ""
	for i := 0; i < count; i++ {
		id := r.spawnID(t.ID, instance, taken)
		if instance && parent == "" {
			parent = id
		}
		e.Items = append(e.Items, &WorkItem{
			ID:       id,
			CaseID:   r.CaseID,
			TaskID:   t.ID,
			Status:   ItemEnabled,
			Parent:   parent,
			Created:  ts,
			Modified: ts,
			Deadline: deadline,
		})
	}
	r.push(acc, e)
	return nil
}

// fireComposite fires a composite task: tokens consumed, an
// Executing item recorded, and a subcase started on the subnet with
// a copy of the case data.  Nobody checks these out; the subnet does
// the work.
func (r *Runner) fireComposite(ctx context.Context, t *Task, acc *[]*Event) error {
	taken := make(map[int]bool)
	child := fmt.Sprintf("%s.%d", r.CaseID, r.alloc(taken))
	id := r.spawnID(t.ID, false, taken)

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	deadline := ""
	if t.Timer != nil {
		deadline = t.Timer.Deadline(now).UTC().Format(time.RFC3339Nano)
	}

	e := r.newEvent(EventTaskFired)
	e.TaskID = t.ID
	e.ItemID = id
	e.Child = child
	e.Consumed = r.joinConsumption(t)
	e.Items = []*WorkItem{{
		ID:       id,
		CaseID:   r.CaseID,
		TaskID:   t.ID,
		Status:   ItemExecuting,
		Child:    child,
		Created:  ts,
		Modified: ts,
		Deadline: deadline,
	}}
	r.push(acc, e)
	return nil
}

// completeTask produces the task's output tokens and applies its
// cancel set.  item is nil for an auto task.
func (r *Runner) completeTask(ctx context.Context, t *Task, item *WorkItem, acc *[]*Event) error {
	produced, err := r.splitProduction(ctx, t, r.Data)
	if err != nil {
		return err
	}
	e := r.newEvent(EventTaskCompleted)
	e.TaskID = t.ID
	if item != nil {
		e.ItemID = item.ID
	}
	e.Produced = produced
	r.push(acc, e)
	return r.applyCancelSet(t, acc)
}

// completeComposite completes a composite task whose subnet
// finished: the subnet's terminal data folds into the case data, the
// split produces, the subcase is torn down.
func (r *Runner) completeComposite(ctx context.Context, t *Task, item *WorkItem, child *Runner, acc *[]*Event) error {
	merged := r.Data.Copy().Merge(child.Data)
	produced, err := r.splitProduction(ctx, t, merged)
	if err != nil {
		return err
	}
	e := r.newEvent(EventTaskCompleted)
	e.TaskID = t.ID
	e.ItemID = item.ID
	e.Child = child.CaseID
	e.Data = child.Data.Copy()
	e.Produced = produced
	r.push(acc, e)
	return r.applyCancelSet(t, acc)
}

// applyCancelSet clears every token on the set's conditions and
// kills every live item of the set's tasks, subnets included.  This
// runs in the same transition as the completion that triggered it.
func (r *Runner) applyCancelSet(t *Task, acc *[]*Event) error {
	if len(t.cancels) == 0 {
		return nil
	}
	e := r.newEvent(EventTaskCancelled)
	e.TaskID = t.ID
	e.Reason = ReasonCancelSet
	cleared := make(map[string]int)
	for _, i := range t.cancels {
		na := r.Net.nodeAt(i)
		if na.cond != nil {
			if n := r.Marking.Count(na.id); 0 < n {
				cleared[na.id] = n
			}
			continue
		}
		for _, id := range append([]string{}, r.Marking.Active[na.id]...) {
			it := r.Items[id]
			if it == nil || it.Status.Terminal() {
				continue
			}
			e.ItemIDs = append(e.ItemIDs, id)
			e.ItemIDs = append(e.ItemIDs, r.descendantItems(it)...)
		}
	}
	if 0 < len(cleared) {
		e.Cleared = cleared
	}
	if len(e.ItemIDs) == 0 && len(cleared) == 0 {
		return nil
	}
	r.push(acc, e)
	return nil
}

// complete ends this runner's net: any stragglers are discarded
// (that's a net design smell, and the engine logs it), leftover
// tokens are dropped, and the output token stays put as the terminal
// marking.
func (r *Runner) complete(acc *[]*Event) {
	if r.Status != CaseRunning {
		return
	}
	var victims []string
	r.Walk(func(rr *Runner) {
		victims = append(victims, rr.liveItemIDs()...)
	})
	for _, id := range victims {
		it, owner := r.findItem(id)
		if it == nil || it.Status.Terminal() {
			continue
		}
		e := owner.newEvent(EventItemCancelled)
		e.TaskID = it.TaskID
		e.ItemID = id
		e.Reason = ReasonDiscarded
		e.ItemIDs = owner.descendantItems(it)
		owner.push(acc, e)
	}

	e := r.newEvent(EventCaseCompleted)
	out := r.Net.OutputCondition()
	cleared := make(map[string]int)
	for c, n := range r.Marking.Tokens {
		if c != out {
			cleared[c] = n
		}
	}
	if 0 < len(cleared) {
		e.Cleared = cleared
	}
	r.push(acc, e)
}

func sortedChildIDs(children map[string]*Runner) []string {
	if len(children) == 0 {
		return nil
	}
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
