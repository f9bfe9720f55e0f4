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

// Package engine hosts cases.
//
// The core package knows how to run one case; this package runs many
// of them at once, durably.  An Engine owns a set of compiled
// specifications, a registry of live cases, a storage adapter, and
// the timers that turn work item deadlines into cancellations.
//
// Concurrency model: one lock per case.  A transition locks its
// case, copies the case's runner, runs the operation on the copy,
// commits the resulting events to storage, and only then swaps the
// copy in.  A failed commit leaves the committed state untouched, so
// in-memory state never runs ahead of the durable record.  Distinct
// cases proceed in parallel; readers of case summaries don't take
// the lock at all.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"

	"go.uber.org/zap"
)

var (
	// AnnouncementBuffer is the capacity of the Announcements
	// channel.  When the buffer is full, announcements are
	// dropped, not queued; the durable log is the record, and the
	// channel is just news.
	AnnouncementBuffer = 1024

	// PersistAttempts bounds retries of a failed storage commit
	// before the case is declared Faulted.
	PersistAttempts = 3
)

// Engine hosts cases: it compiles and registers specifications,
// launches and recovers cases, serializes transitions per case, and
// commits every transition to storage before acknowledging it.
type Engine struct {
	storage      persist.Adapter
	interpreters map[string]core.Interpreter
	logger       *zap.Logger

	specs sync.Map // spec id → *core.Specification
	cases sync.Map // root case id → *caseEntry

	timers *Timers

	announcements chan *core.Event

	// ctx is cancelled by Shutdown; it gates new transitions and
	// stops timer goroutines.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New makes an Engine on the given storage adapter.
//
// A nil interpreters map means core.DefaultInterpreters, and a nil
// logger means no logging at all.
func New(storage persist.Adapter, interpreters map[string]core.Interpreter, logger *zap.Logger) *Engine {
	if interpreters == nil {
		interpreters = core.DefaultInterpreters
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		storage:       storage,
		interpreters:  interpreters,
		logger:        logger,
		announcements: make(chan *core.Event, AnnouncementBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
	e.timers = NewTimers(e.expire, logger)
	return e
}

// Announcements returns the channel of committed events.  Every
// event the engine commits is offered here exactly once, in commit
// order per case.  The channel is never closed; after Shutdown it
// just goes quiet.
func (e *Engine) Announcements() <-chan *core.Event {
	return e.announcements
}

// AddSpecification compiles (if necessary) and registers a
// specification.  Registering another specification with the same id
// replaces the old one for future launches; cases already running
// keep the specification they started with.
func (e *Engine) AddSpecification(ctx context.Context, spec *core.Specification) error {
	if err := e.alive(); err != nil {
		return err
	}
	if !spec.Compiled() {
		if err := spec.Compile(ctx, e.interpreters); err != nil {
			return err
		}
	}
	e.specs.Store(spec.ID, spec)
	e.logger.Info("specification added", zap.String("specId", spec.ID))
	return nil
}

// Specification returns a registered specification.
func (e *Engine) Specification(specID string) (*core.Specification, error) {
	v, have := e.specs.Load(specID)
	if !have {
		return nil, &UnknownSpecification{SpecID: specID}
	}
	return v.(*core.Specification), nil
}

// ListSpecifications returns the registered specification ids,
// sorted.
func (e *Engine) ListSpecifications() []string {
	var acc []string
	e.specs.Range(func(k, _ interface{}) bool {
		acc = append(acc, k.(string))
		return true
	})
	sort.Strings(acc)
	return acc
}

// LaunchCase starts a new case of the given specification with the
// given initial data, commits the launch, and returns the new case
// id.  The id is generated, not chosen, so it's unique.
func (e *Engine) LaunchCase(ctx context.Context, specID string, data core.Bindings) (string, error) {
	if err := e.alive(); err != nil {
		return "", err
	}
	spec, err := e.Specification(specID)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	defer e.wg.Done()

	caseID := core.Gensym(32)
	r, err := core.NewRunner(spec, caseID)
	if err != nil {
		return "", err
	}
	evs, err := r.Launch(ctx, data)
	if err != nil {
		return "", err
	}
	if err := e.save(ctx, r, 0, evs); err != nil {
		// Nothing durable, nothing resident: the case just
		// never happened.
		return "", &PersistenceFailure{CaseID: caseID, Err: err}
	}
	entry := &caseEntry{runner: r}
	entry.publish()
	e.cases.Store(caseID, entry)
	e.logger.Info("case launched",
		zap.String("caseId", caseID),
		zap.String("specId", specID),
		zap.String("status", string(r.Status)))
	e.announce(evs)
	e.syncTimers(evs)
	return caseID, nil
}

// CheckOut moves a work item to Executing.  See Runner.CheckOut for
// the semantics; this method adds locking and durability.
func (e *Engine) CheckOut(ctx context.Context, itemID string) ([]*core.Event, error) {
	return e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.CheckOut(ctx, itemID)
	})
}

// CheckIn completes an Executing work item with the given data.
func (e *Engine) CheckIn(ctx context.Context, itemID string, data core.Bindings) ([]*core.Event, error) {
	return e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.CheckIn(ctx, itemID, data)
	})
}

// CancelWorkItem cancels an Executing or Suspended work item.
func (e *Engine) CancelWorkItem(ctx context.Context, itemID string) ([]*core.Event, error) {
	return e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.CancelWorkItem(ctx, itemID)
	})
}

// SuspendWorkItem parks an Executing work item.
func (e *Engine) SuspendWorkItem(ctx context.Context, itemID string) ([]*core.Event, error) {
	return e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.SuspendWorkItem(ctx, itemID)
	})
}

// ResumeWorkItem unparks a Suspended work item.
func (e *Engine) ResumeWorkItem(ctx context.Context, itemID string) ([]*core.Event, error) {
	return e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.ResumeWorkItem(ctx, itemID)
	})
}

// SuspendCase pauses a running case.  Timers stay armed, but an
// expiration on a suspended case is dropped; ResumeCase re-arms
// whatever deadlines still matter.
func (e *Engine) SuspendCase(ctx context.Context, caseID string) ([]*core.Event, error) {
	return e.transition(ctx, caseID, func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.Suspend(ctx)
	})
}

// ResumeCase resumes a suspended case and re-arms deadline timers
// for its live items.  Deadlines that passed during the suspension
// fire immediately.
func (e *Engine) ResumeCase(ctx context.Context, caseID string) ([]*core.Event, error) {
	evs, err := e.transition(ctx, caseID, func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.Resume(ctx)
	})
	if err == nil {
		e.rearm(caseID)
	}
	return evs, err
}

// CancelCase cancels a case and everything in it.  Cancelling a
// terminal case does nothing.
func (e *Engine) CancelCase(ctx context.Context, caseID string) ([]*core.Event, error) {
	return e.transition(ctx, caseID, func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.Cancel(ctx)
	})
}

// CaseSummary returns the current summary of a resident case.  This
// read takes no locks: summaries are swapped in atomically at each
// commit.
func (e *Engine) CaseSummary(caseID string) (*CaseSummary, error) {
	v, have := e.cases.Load(caseID)
	if !have {
		return nil, &UnknownCase{CaseID: caseID}
	}
	return v.(*caseEntry).Summary(), nil
}

// ListCases returns summaries of all resident cases, sorted by case
// id.
func (e *Engine) ListCases() []*CaseSummary {
	var acc []*CaseSummary
	e.cases.Range(func(_, v interface{}) bool {
		acc = append(acc, v.(*caseEntry).Summary())
		return true
	})
	sort.Slice(acc, func(i, j int) bool {
		return acc[i].CaseID < acc[j].CaseID
	})
	return acc
}

// ItemFilter selects work items for ListWorkItems.  Zero values
// match everything.
type ItemFilter struct {
	// CaseID restricts the listing to one root case (including
	// its subcases).
	CaseID string

	// TaskID restricts the listing to items of one task.
	TaskID string

	// Status restricts the listing to one item status.
	Status core.ItemStatus

	// Live drops terminal items from the listing.
	Live bool
}

// ListWorkItems returns copies of work items matching the filter,
// sorted by id.
func (e *Engine) ListWorkItems(f ItemFilter) []*core.WorkItem {
	var acc []*core.WorkItem
	collect := func(entry *caseEntry) {
		entry.Lock()
		items := entry.runner.AllItems()
		entry.Unlock()
		for _, it := range items {
			if f.TaskID != "" && it.TaskID != f.TaskID {
				continue
			}
			if f.Status != "" && it.Status != f.Status {
				continue
			}
			if f.Live && it.Status.Terminal() {
				continue
			}
			acc = append(acc, it)
		}
	}
	if f.CaseID != "" {
		if v, have := e.cases.Load(f.CaseID); have {
			collect(v.(*caseEntry))
		}
		return acc
	}
	e.cases.Range(func(_, v interface{}) bool {
		collect(v.(*caseEntry))
		return true
	})
	sort.Slice(acc, func(i, j int) bool {
		return acc[i].ID < acc[j].ID
	})
	return acc
}

// Shutdown stops the engine: new operations are refused, in-flight
// transitions are allowed to finish (until the given context gives
// up), timers are stopped, and the storage adapter is closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.storage.Close()
}

func (e *Engine) alive() error {
	select {
	case <-e.ctx.Done():
		return Closed
	default:
		return nil
	}
}

// transition is the one path that mutates a case.  It runs op on a
// copy of the case's runner under the case lock, commits the
// resulting events, and swaps the copy in.  An error from op
// discards the copy; an error from storage faults the case.
func (e *Engine) transition(ctx context.Context, caseID string, op func(context.Context, *core.Runner) ([]*core.Event, error)) ([]*core.Event, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	v, have := e.cases.Load(caseID)
	if !have {
		return nil, &UnknownCase{CaseID: caseID}
	}
	entry := v.(*caseEntry)

	e.wg.Add(1)
	defer e.wg.Done()

	entry.Lock()
	defer entry.Unlock()

	scratch := entry.runner.Copy()
	prev := entry.runner.Seq()
	evs, err := op(ctx, scratch)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	if err := e.save(ctx, scratch, prev, evs); err != nil {
		e.fault(entry, err)
		return nil, &PersistenceFailure{CaseID: caseID, Err: err}
	}
	entry.runner = scratch
	entry.publish()
	e.announce(evs)
	e.syncTimers(evs)
	return evs, nil
}

// save commits a transition's outcome to storage, retrying transient
// failures.  For an event-sourced adapter the events are the
// payload; for a transactional adapter the new snapshot is, with the
// previous sequence number as the optimistic version.
func (e *Engine) save(ctx context.Context, r *core.Runner, prev int64, evs []*core.Event) error {
	var err error
	for attempt := 1; attempt <= PersistAttempts; attempt++ {
		switch e.storage.Mode() {
		case persist.EventSourced:
			err = e.storage.AppendEvents(ctx, r.CaseID, evs)
		default:
			err = e.storage.SaveCase(ctx, r.Snapshot(), prev)
		}
		if err == nil {
			return nil
		}
		if err == persist.ErrOptimisticConflict || err == persist.ErrOutOfSequence {
			// Another writer owns this case.  Retrying
			// would just lose again.
			return err
		}
		e.logger.Warn("storage commit failed",
			zap.String("caseId", r.CaseID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

// fault marks a resident case Faulted after storage gave up.  The
// mark is in-memory only (storage is exactly what's broken), but it
// sticks: a Faulted case refuses further transitions until an
// operator recovers it.
func (e *Engine) fault(entry *caseEntry, cause error) {
	r := entry.runner
	fe := &core.Event{
		Seq:    r.Seq() + 1,
		Kind:   core.EventCaseFaulted,
		CaseID: r.CaseID,
		Err:    cause.Error(),
		At:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.Apply(fe); err != nil {
		e.logger.Error("couldn't even fault the case", zap.String("caseId", r.CaseID), zap.Error(err))
		return
	}
	entry.publish()
	e.announce([]*core.Event{fe})
	e.logger.Error("case faulted",
		zap.String("caseId", r.CaseID),
		zap.Error(cause))
}

// expire is what a deadline timer calls.  Losing the race to a
// checkin (or to a suspension) is normal, so errors here are only
// news at debug level.
func (e *Engine) expire(ctx context.Context, itemID string) {
	if _, err := e.transition(ctx, rootOf(itemID), func(ctx context.Context, r *core.Runner) ([]*core.Event, error) {
		return r.Expire(ctx, itemID)
	}); err != nil {
		e.logger.Debug("expiration dropped",
			zap.String("itemId", itemID),
			zap.Error(err))
	}
}

// syncTimers mirrors committed events into the timer table: arm a
// timer for every new item with a deadline, and disarm for items
// that just went terminal.  Disarming is best-effort; a timer that
// fires on a terminal item loses the race harmlessly.
func (e *Engine) syncTimers(evs []*core.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case core.EventItemsEnabled, core.EventTaskFired:
			for _, it := range ev.Items {
				e.armItem(it)
			}
		case core.EventItemCheckedIn:
			e.timers.Cancel(ev.ItemID)
		case core.EventTaskCompleted:
			if ev.ItemID != "" {
				e.timers.Cancel(ev.ItemID)
			}
		case core.EventItemCancelled:
			e.timers.Cancel(ev.ItemID)
			for _, id := range ev.ItemIDs {
				e.timers.Cancel(id)
			}
		case core.EventTaskCancelled, core.EventCaseCancelled:
			for _, id := range ev.ItemIDs {
				e.timers.Cancel(id)
			}
		}
	}
}

func (e *Engine) armItem(it *core.WorkItem) {
	if it.Deadline == "" {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, it.Deadline)
	if err != nil {
		e.logger.Warn("unparsable deadline",
			zap.String("itemId", it.ID),
			zap.String("deadline", it.Deadline))
		return
	}
	e.timers.Add(e.ctx, it.ID, at)
}

// rearm arms timers for every live item of a resident case.  Used
// after resume and recovery, when the timer table has nothing (or
// stale nothing) for the case.
func (e *Engine) rearm(caseID string) {
	v, have := e.cases.Load(caseID)
	if !have {
		return
	}
	entry := v.(*caseEntry)
	entry.Lock()
	items := entry.runner.AllItems()
	entry.Unlock()
	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		e.armItem(it)
	}
}

func (e *Engine) announce(evs []*core.Event) {
	for _, ev := range evs {
		select {
		case e.announcements <- ev:
		default:
			// A slow consumer doesn't get to stall the
			// engine.
			e.logger.Warn("announcement dropped",
				zap.String("kind", string(ev.Kind)),
				zap.String("caseId", ev.CaseID))
		}
	}
}

// rootOf extracts the root case id from a work item id (or from a
// case id, which passes through unchanged).  Item ids look like
// "caseID:taskID", and subcase ids like "rootID.3"; generated root
// ids contain neither ':' nor '.'.
func rootOf(id string) string {
	if i := strings.IndexByte(id, ':'); 0 <= i {
		id = id[:i]
	}
	if i := strings.IndexByte(id, '.'); 0 <= i {
		id = id[:i]
	}
	return id
}

// CaseSummary is a cheap, read-only view of a case: enough for a
// dashboard or a worklist, without the weight (or the locking) of a
// full snapshot.
type CaseSummary struct {
	CaseID string          `json:"caseId"`
	SpecID string          `json:"specId"`
	Status core.CaseStatus `json:"status"`
	Seq    int64           `json:"seq"`

	// Tokens is the root net's marking.
	Tokens map[string]int `json:"tokens,omitempty"`

	// Live counts non-terminal work items across the whole case
	// tree.
	Live int `json:"live"`

	Data core.Bindings `json:"data,omitempty"`
}

// caseEntry is a resident case: the committed runner, the lock that
// serializes its transitions, and an atomically swapped summary for
// lock-free reads.
type caseEntry struct {
	sync.Mutex
	runner  *core.Runner
	summary unsafe.Pointer // *CaseSummary
}

// publish rebuilds the summary from the committed runner.  Call with
// the entry locked (or, at construction, before anybody else can see
// the entry).
func (entry *caseEntry) publish() {
	atomic.StorePointer(&entry.summary, unsafe.Pointer(summarize(entry.runner)))
}

// Summary returns the last published summary without locking.
func (entry *caseEntry) Summary() *CaseSummary {
	return (*CaseSummary)(atomic.LoadPointer(&entry.summary))
}

func summarize(r *core.Runner) *CaseSummary {
	live := 0
	r.Walk(func(rr *core.Runner) {
		for _, ids := range rr.Marking.Active {
			live += len(ids)
		}
	})
	tokens := make(map[string]int, len(r.Marking.Tokens))
	for k, n := range r.Marking.Tokens {
		tokens[k] = n
	}
	return &CaseSummary{
		CaseID: r.CaseID,
		SpecID: r.Spec.ID,
		Status: r.Status,
		Seq:    r.Seq(),
		Tokens: tokens,
		Live:   live,
		Data:   r.Data.Copy(),
	}
}
