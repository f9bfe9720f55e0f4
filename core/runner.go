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
	"strconv"
	"strings"
)

// StepLimit bounds the automatic work (auto tasks, withdrawals,
// re-enablings) one transition may cascade into.  A cyclic region of
// auto tasks that keeps feeding itself will hit this limit, and the
// transition fails with an EvaluationError instead of spinning.
var StepLimit = 1024

// Runner owns one case's execution: the compiled Specification, the
// net it is running, the Marking, the work items, the case data, and
// child Runners for composite tasks in flight.
//
// A Runner is not safe for concurrent use.  The engine package holds
// a per-case lock around every call.  A Runner also never talks to
// storage; mutating methods return the ordered Events they applied,
// and the caller decides what to do with them.
//
// The usual dance for a transition: the engine deep-Copy()s the
// case's Runner, calls the mutating method on the copy, persists the
// Events (or the copy's Snapshot), and then installs the copy.  An
// error anywhere just drops the copy, so a failed transition changes
// nothing.
type Runner struct {
	Spec    *Specification
	Net     *Net
	CaseID  string
	Status  CaseStatus
	Marking *Marking

	// Items holds every work item this runner has ever made,
	// terminal ones included; that's how a late checkin gets a
	// StaleWorkItem instead of a shrug, and how a revisited task
	// gets a fresh id.  Snapshots carry the whole map.
	Items map[string]*WorkItem

	// Data is the case data, which predicates see.
	Data Bindings

	// Children are the subnets in flight, by subcase id.
	Children map[string]*Runner

	parent       *Runner
	parentItem   string
	nextInstance int
	seq          int64
}

// NewRunner makes a Runner for a new (or about-to-be-replayed) case.
// Call Launch to start the case for real.
func NewRunner(spec *Specification, caseID string) (*Runner, error) {
	if !spec.compiled {
		return nil, &SpecNotCompiled{Spec: spec}
	}
	net := spec.RootNet()
	return &Runner{
		Spec:         spec,
		Net:          net,
		CaseID:       caseID,
		Marking:      NewMarking(),
		Items:        make(map[string]*WorkItem),
		Data:         NewBindings(),
		Children:     make(map[string]*Runner),
		nextInstance: 1,
	}, nil
}

// newChild makes the Runner for a composite task's subnet.
func (r *Runner) newChild(caseID string, net *Net, parentItem string) *Runner {
	return &Runner{
		Spec:         r.Spec,
		Net:          net,
		CaseID:       caseID,
		Status:       CaseRunning,
		Marking:      NewMarking(),
		Items:        make(map[string]*WorkItem),
		Data:         r.Data.Copy(),
		Children:     make(map[string]*Runner),
		parent:       r,
		parentItem:   parentItem,
		nextInstance: 1,
	}
}

// Copy makes a deep copy of the runner tree.  The Specification is
// shared; it's immutable after Compile.
func (r *Runner) Copy() *Runner {
	acc := &Runner{
		Spec:         r.Spec,
		Net:          r.Net,
		CaseID:       r.CaseID,
		Status:       r.Status,
		Marking:      r.Marking.Copy(),
		Items:        make(map[string]*WorkItem, len(r.Items)),
		Data:         r.Data.Copy(),
		Children:     make(map[string]*Runner, len(r.Children)),
		parentItem:   r.parentItem,
		nextInstance: r.nextInstance,
		seq:          r.seq,
	}
	for id, it := range r.Items {
		acc.Items[id] = it.Copy()
	}
	for id, c := range r.Children {
		cc := c.Copy()
		cc.parent = acc
		acc.Children[id] = cc
	}
	return acc
}

// Seq returns the last applied event sequence number.  Only the root
// runner's counter moves.
func (r *Runner) Seq() int64 {
	return r.seq
}

func (r *Runner) root() *Runner {
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// runnerFor finds the runner (this one or a descendant) with the
// given case id.
func (r *Runner) runnerFor(caseID string) *Runner {
	if r.CaseID == caseID {
		return r
	}
	for _, c := range r.Children {
		if rr := c.runnerFor(caseID); rr != nil {
			return rr
		}
	}
	return nil
}

// findItem finds a work item anywhere in the runner tree.
func (r *Runner) findItem(id string) (*WorkItem, *Runner) {
	if it, have := r.Items[id]; have {
		return it, r
	}
	for _, c := range r.Children {
		if it, owner := c.findItem(id); it != nil {
			return it, owner
		}
	}
	return nil, nil
}

// FindItem returns a copy of the named work item, or nil.
func (r *Runner) FindItem(id string) *WorkItem {
	it, _ := r.findItem(id)
	if it == nil {
		return nil
	}
	return it.Copy()
}

// Walk visits this runner and every descendant.
func (r *Runner) Walk(f func(*Runner)) {
	f(r)
	for _, c := range r.Children {
		c.Walk(f)
	}
}

// newEvent starts an event owned by this runner.  push gives it a
// sequence number, applies it, and accumulates it.
func (r *Runner) newEvent(kind EventKind) *Event {
	return &Event{
		Kind:   kind,
		CaseID: r.CaseID,
		At:     Timestamp(),
	}
}

func (r *Runner) push(acc *[]*Event, e *Event) {
	rt := r.root()
	e.Seq = rt.seq + 1
	r.applyLocal(e)
	rt.seq = e.Seq
	*acc = append(*acc, e)
}

// alloc returns the next instance number without committing it; the
// commitment happens when the event that uses it is applied (see
// bump).  The same counter numbers multiple-instance items and
// composite subcases, so ids never collide.
func (r *Runner) alloc(taken map[int]bool) int {
	n := r.nextInstance
	for taken[n] {
		n++
	}
	taken[n] = true
	return n
}

// bump advances nextInstance past the instance number (if any)
// embedded in an applied id like "caseID.3" or "caseID.3:task".
func (r *Runner) bump(id string) {
	s := id
	if i := strings.IndexByte(s, ':'); 0 <= i {
		s = s[:i]
	}
	if !strings.HasPrefix(s, r.CaseID+".") {
		return
	}
	n, err := strconv.Atoi(s[len(r.CaseID)+1:])
	if err != nil {
		return
	}
	if r.nextInstance <= n {
		r.nextInstance = n + 1
	}
}

// Launch starts the case: initial data, one token on the input
// condition, and then whatever follows from that (enablings, auto
// tasks, maybe even completion, if the net is trivial enough).
func (r *Runner) Launch(ctx context.Context, data Bindings) ([]*Event, error) {
	if r.parent != nil {
		return nil, fmt.Errorf("launch on a subcase runner")
	}
	if r.Status != "" {
		return nil, &InvalidStateTransition{ID: r.CaseID, From: string(r.Status), To: string(CaseRunning)}
	}
	var evs []*Event
	e := r.newEvent(EventCaseLaunched)
	e.SpecID = r.Spec.ID
	e.Data = data
	e.Produced = map[string]int{r.Net.InputCondition(): 1}
	r.push(&evs, e)
	if err := r.settle(ctx, r, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// CheckOut moves an item to Executing.  The first checkout of a
// task's item is the moment the task fires: the join's input tokens
// are consumed right here.
func (r *Runner) CheckOut(ctx context.Context, id string) ([]*Event, error) {
	if err := r.wantRunning(); err != nil {
		return nil, err
	}
	it, owner := r.findItem(id)
	if it == nil {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status.Terminal() {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status != ItemEnabled && it.Status != ItemFired {
		return nil, &InvalidStateTransition{ID: id, From: string(it.Status), To: string(ItemExecuting)}
	}
	var evs []*Event
	if it.Status == ItemEnabled {
		t := owner.Net.Tasks[it.TaskID]
		e := owner.newEvent(EventTaskFired)
		e.TaskID = t.ID
		e.ItemID = id
		e.Consumed = owner.joinConsumption(t)
		// Sibling instances of a multiple-instance task fire
		// along with the first checkout; the join consumes
		// once for the whole batch.
		for _, sid := range owner.Marking.Active[t.ID] {
			if sid == id {
				continue
			}
			if sib := owner.Items[sid]; sib != nil && sib.Status == ItemEnabled {
				e.ItemIDs = append(e.ItemIDs, sid)
			}
		}
		owner.push(&evs, e)
	}
	e := owner.newEvent(EventItemCheckedOut)
	e.TaskID = it.TaskID
	e.ItemID = id
	owner.push(&evs, e)
	if err := r.settle(ctx, owner, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// CheckIn completes an Executing item with the given data, merges
// that data into the case data, and drives the net forward: split
// production, cancel-set effects, new enablings, and possibly case
// completion.
func (r *Runner) CheckIn(ctx context.Context, id string, data Bindings) ([]*Event, error) {
	if err := r.wantRunning(); err != nil {
		return nil, err
	}
	it, owner := r.findItem(id)
	if it == nil {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status.Terminal() {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status != ItemExecuting {
		return nil, &InvalidStateTransition{ID: id, From: string(it.Status), To: string(ItemComplete)}
	}
	if it.Child != "" {
		// A composite task's item completes when its subnet
		// does, not by checkin.
		return nil, &InvalidStateTransition{ID: id, From: string(it.Status), To: string(ItemComplete)}
	}

	var evs []*Event
	e := owner.newEvent(EventItemCheckedIn)
	e.TaskID = it.TaskID
	e.ItemID = id
	e.Data = data
	owner.push(&evs, e)

	t := owner.Net.Tasks[it.TaskID]
	done := true
	if t.IsMI() {
		completed := 0
		for _, sib := range owner.Items {
			if sib.Parent == it.Parent && sib.Parent != "" && sib.Status == ItemComplete {
				completed++
			}
		}
		if completed < t.MI.Threshold {
			done = false
		} else {
			// Enough instances: the stragglers aren't
			// needed.
			for _, sid := range append([]string{}, owner.Marking.Active[t.ID]...) {
				sib := owner.Items[sid]
				if sib == nil || sib.Status.Terminal() {
					continue
				}
				ce := owner.newEvent(EventItemCancelled)
				ce.TaskID = t.ID
				ce.ItemID = sid
				ce.Reason = ReasonThreshold
				owner.push(&evs, ce)
			}
		}
	}
	if done {
		if err := owner.completeTask(ctx, t, it, &evs); err != nil {
			return nil, err
		}
	}
	if err := r.settle(ctx, owner, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// CancelWorkItem hard-cancels an Executing or Suspended item.  The
// tokens the task consumed are not restored, so the case may well
// wind up Deadlocked; that's the operator's call to make.  Items
// still on offer (Enabled, Fired) can't be cancelled one by one;
// cancel the case, or let the net withdraw them.
func (r *Runner) CancelWorkItem(ctx context.Context, id string) ([]*Event, error) {
	if err := r.wantRunning(); err != nil {
		return nil, err
	}
	it, owner := r.findItem(id)
	if it == nil {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status.Terminal() {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status != ItemExecuting && it.Status != ItemSuspended {
		return nil, &InvalidStateTransition{ID: id, From: string(it.Status), To: string(ItemCancelled)}
	}
	var evs []*Event
	e := owner.newEvent(EventItemCancelled)
	e.TaskID = it.TaskID
	e.ItemID = id
	e.ItemIDs = owner.descendantItems(it)
	owner.push(&evs, e)
	if err := r.settle(ctx, owner, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Expire applies an item's timer: the item is cancelled with reason
// timeout.  If the item was still on offer, the tokens that enabled
// it are consumed too, so the offer doesn't just pop back up.
func (r *Runner) Expire(ctx context.Context, id string) ([]*Event, error) {
	if err := r.wantRunning(); err != nil {
		return nil, err
	}
	it, owner := r.findItem(id)
	if it == nil {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status.Terminal() {
		// The timer lost the race.  Fine.
		return nil, &StaleWorkItem{ID: id}
	}
	var evs []*Event
	e := owner.newEvent(EventItemCancelled)
	e.TaskID = it.TaskID
	e.ItemID = id
	e.Reason = ReasonTimeout
	e.ItemIDs = owner.descendantItems(it)
	if it.Status == ItemEnabled {
		t := owner.Net.Tasks[it.TaskID]
		e.Consumed = owner.joinConsumption(t)
	}
	owner.push(&evs, e)
	if err := r.settle(ctx, owner, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// SuspendWorkItem pauses an Executing item, keeping its data.
func (r *Runner) SuspendWorkItem(ctx context.Context, id string) ([]*Event, error) {
	return r.flipItem(ctx, id, ItemExecuting, ItemSuspended, EventItemSuspended)
}

// ResumeWorkItem resumes a Suspended item.
func (r *Runner) ResumeWorkItem(ctx context.Context, id string) ([]*Event, error) {
	return r.flipItem(ctx, id, ItemSuspended, ItemExecuting, EventItemResumed)
}

func (r *Runner) flipItem(ctx context.Context, id string, from, to ItemStatus, kind EventKind) ([]*Event, error) {
	if err := r.wantRunning(); err != nil {
		return nil, err
	}
	it, owner := r.findItem(id)
	if it == nil {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status.Terminal() {
		return nil, &StaleWorkItem{ID: id}
	}
	if it.Status != from {
		return nil, &InvalidStateTransition{ID: id, From: string(it.Status), To: string(to)}
	}
	var evs []*Event
	e := owner.newEvent(kind)
	e.TaskID = it.TaskID
	e.ItemID = id
	owner.push(&evs, e)
	return evs, nil
}

// Suspend pauses the case.  Work item operations are refused until
// Resume.
func (r *Runner) Suspend(ctx context.Context) ([]*Event, error) {
	if r.Status != CaseRunning {
		return nil, &InvalidStateTransition{ID: r.CaseID, From: string(r.Status), To: string(CaseSuspended)}
	}
	var evs []*Event
	r.push(&evs, r.newEvent(EventCaseSuspended))
	return evs, nil
}

// Resume restarts a Suspended case.
func (r *Runner) Resume(ctx context.Context) ([]*Event, error) {
	if r.Status != CaseSuspended {
		return nil, &InvalidStateTransition{ID: r.CaseID, From: string(r.Status), To: string(CaseRunning)}
	}
	var evs []*Event
	r.push(&evs, r.newEvent(EventCaseResumed))
	if err := r.settle(ctx, r, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Cancel force-cancels the case: every live item (subnets included)
// is killed and the marking is cleared.  Idempotent on a case that
// is already terminal: no events, no error.
func (r *Runner) Cancel(ctx context.Context) ([]*Event, error) {
	if r.Status.Terminal() {
		return nil, nil
	}
	var evs []*Event
	e := r.newEvent(EventCaseCancelled)
	e.Reason = ReasonCaseCancelled
	r.Walk(func(rr *Runner) {
		for _, id := range rr.liveItemIDs() {
			e.ItemIDs = append(e.ItemIDs, id)
		}
	})
	e.Cleared = make(map[string]int, len(r.Marking.Tokens))
	for c, n := range r.Marking.Tokens {
		e.Cleared[c] = n
	}
	r.push(&evs, e)
	return evs, nil
}

func (r *Runner) wantRunning() error {
	if r.Status != CaseRunning {
		return &CaseNotRunning{CaseID: r.CaseID, Status: r.Status}
	}
	return nil
}

// liveItemIDs returns this runner's non-terminal item ids, in
// creation order.
func (r *Runner) liveItemIDs() []string {
	var ids []string
	for _, tid := range r.Net.taskOrder {
		for _, id := range r.Marking.Active[tid] {
			if it := r.Items[id]; it != nil && !it.Status.Terminal() {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// descendantItems lists the live items in the subcase tree under the
// given item (empty unless the item is a composite task's).
func (r *Runner) descendantItems(it *WorkItem) []string {
	if it.Child == "" {
		return nil
	}
	child := r.Children[it.Child]
	if child == nil {
		return nil
	}
	var ids []string
	child.Walk(func(rr *Runner) {
		ids = append(ids, rr.liveItemIDs()...)
	})
	return ids
}

// AllItems returns copies of every work item in the runner tree,
// sorted by id.
func (r *Runner) AllItems() []*WorkItem {
	var acc []*WorkItem
	r.Walk(func(rr *Runner) {
		for _, it := range rr.Items {
			acc = append(acc, it.Copy())
		}
	})
	sortItems(acc)
	return acc
}

func sortItems(items []*WorkItem) {
	// Insertion sort; item lists are small.
	for i := 1; i < len(items); i++ {
		for j := i; 0 < j && items[j].ID < items[j-1].ID; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// spawnID picks an id for a fresh item.  The first visit to a task
// gets the plain "caseID:taskID"; later visits (loops) and
// multiple-instance tasks get "caseID.n:taskID".
func (r *Runner) spawnID(taskID string, instance bool, taken map[int]bool) string {
	if !instance {
		id := r.CaseID + ":" + taskID
		if _, dup := r.Items[id]; !dup {
			return id
		}
	}
	return fmt.Sprintf("%s.%d:%s", r.CaseID, r.alloc(taken), taskID)
}
