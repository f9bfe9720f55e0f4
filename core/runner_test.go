package core

import (
	"context"
	"errors"
	"testing"

	. "github.com/Comcast/loom/util/testutil"
)

// testInterpreter looks predicates up in the case data: the source
// string is a key, and its value is the verdict (or the count).
// Missing keys read as false, which keeps fixtures short.
type testInterpreter struct{}

func (i *testInterpreter) Compile(ctx context.Context, src string) (interface{}, error) {
	return nil, nil
}

func (i *testInterpreter) Eval(ctx context.Context, bs Bindings, src string, compiled interface{}) (interface{}, error) {
	v, have := bs[src]
	if !have {
		return false, nil
	}
	return v, nil
}

var testInterpreters = map[string]Interpreter{
	"lookup": &testInterpreter{},
}

func mustCompile(t *testing.T, s *Specification) *Specification {
	if err := s.Compile(context.Background(), testInterpreters); err != nil {
		t.Fatal(err)
	}
	return s
}

func launch(t *testing.T, s *Specification, caseID string, data Bindings) (*Runner, []*Event) {
	r, err := NewRunner(s, caseID)
	if err != nil {
		t.Fatal(err)
	}
	evs, err := r.Launch(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	return r, evs
}

// work drives one item through checkout and checkin.
func work(t *testing.T, r *Runner, id string, data Bindings) []*Event {
	ctx := context.Background()
	evs, err := r.CheckOut(ctx, id)
	if err != nil {
		t.Fatalf("checkout %s: %s", id, err)
	}
	more, err := r.CheckIn(ctx, id, data)
	if err != nil {
		t.Fatalf("checkin %s: %s", id, err)
	}
	return append(evs, more...)
}

// enabledFor returns the ids of the task's Enabled items, sorted.
func enabledFor(r *Runner, taskID string) []string {
	var acc []string
	for _, it := range r.AllItems() {
		if it.TaskID == taskID && it.Status == ItemEnabled {
			acc = append(acc, it.ID)
		}
	}
	return acc
}

// seqSpec: start -> a -> b -> done, with the a-to-b flow written
// task-to-task so compilation has an implicit condition to insert.
func seqSpec() *Specification {
	return &Specification{
		ID:   "seq",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{},
					"b": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "b"},
					&Flow{Source: "b", Target: "done"},
				},
			},
		},
	}
}

// diamondSpec: a and-splits to two branches that b and-joins.
func diamondSpec() *Specification {
	return &Specification{
		ID:   "diamond",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"p1":    &Condition{},
					"p2":    &Condition{},
					"q1":    &Condition{},
					"q2":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a":  &Task{Split: And},
					"t1": &Task{},
					"t2": &Task{},
					"b":  &Task{Join: And},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "p1"},
					&Flow{Source: "a", Target: "p2"},
					&Flow{Source: "p1", Target: "t1"},
					&Flow{Source: "p2", Target: "t2"},
					&Flow{Source: "t1", Target: "q1"},
					&Flow{Source: "t2", Target: "q2"},
					&Flow{Source: "q1", Target: "b"},
					&Flow{Source: "q2", Target: "b"},
					&Flow{Source: "b", Target: "done"},
				},
			},
		},
	}
}

func TestCaseSequence(t *testing.T) {
	spec := mustCompile(t, seqSpec())
	r, _ := launch(t, spec, "c", nil)

	if r.Status != CaseRunning {
		t.Fatalf("status %s", r.Status)
	}
	if it := r.FindItem("c:a"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("a not on offer: %s", JS(r.AllItems()))
	}
	if it := r.FindItem("c:b"); it != nil {
		t.Fatalf("b offered too early: %s", JS(it))
	}

	work(t, r, "c:a", nil)
	if it := r.FindItem("c:b"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("b not on offer: %s", JS(r.AllItems()))
	}

	work(t, r, "c:b", Bindings{"answer": 42})
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Marking.Count("done") != 1 || r.Marking.Total() != 1 {
		t.Fatalf("marking %s", JS(r.Marking))
	}
	if x := r.Data["answer"]; x != 42 {
		t.Fatalf("data %s", JS(r.Data))
	}
}

func TestAndSplitJoin(t *testing.T) {
	spec := mustCompile(t, diamondSpec())
	r, _ := launch(t, spec, "c", nil)

	work(t, r, "c:a", nil)
	for _, id := range []string{"c:t1", "c:t2"} {
		if it := r.FindItem(id); it == nil || it.Status != ItemEnabled {
			t.Fatalf("%s not on offer: %s", id, JS(r.AllItems()))
		}
	}

	work(t, r, "c:t1", nil)
	// The and-join waits for the other branch.
	if it := r.FindItem("c:b"); it != nil {
		t.Fatalf("b offered before its join was satisfied: %s", JS(it))
	}

	work(t, r, "c:t2", nil)
	if it := r.FindItem("c:b"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("b not on offer: %s", JS(r.AllItems()))
	}

	work(t, r, "c:b", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Marking.Total() != 1 {
		t.Fatalf("leftover tokens: %s", JS(r.Marking.Tokens))
	}
}

// routeSpec: a xor-splits between a predicated branch and a default
// branch.
func routeSpec() *Specification {
	return &Specification{
		ID:          "route",
		Root:        "main",
		Interpreter: "lookup",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"ph":    &Condition{},
					"pc":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a":    &Task{Split: Xor},
					"hot":  &Task{},
					"cold": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "ph", Predicate: "hot", Ordinal: 1},
					&Flow{Source: "a", Target: "pc", Default: true, Ordinal: 2},
					&Flow{Source: "ph", Target: "hot"},
					&Flow{Source: "pc", Target: "cold"},
					&Flow{Source: "hot", Target: "done"},
					&Flow{Source: "cold", Target: "done"},
				},
			},
		},
	}
}

func TestXorSplitPredicate(t *testing.T) {
	spec := mustCompile(t, routeSpec())
	r, _ := launch(t, spec, "c", Bindings{"hot": true})

	work(t, r, "c:a", nil)
	if it := r.FindItem("c:hot"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("hot path not chosen: %s", JS(r.AllItems()))
	}
	if it := r.FindItem("c:cold"); it != nil {
		t.Fatalf("xor-split took both branches: %s", JS(it))
	}

	work(t, r, "c:hot", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
}

func TestXorSplitDefault(t *testing.T) {
	spec := mustCompile(t, routeSpec())
	r, _ := launch(t, spec, "c", nil)

	work(t, r, "c:a", nil)
	if it := r.FindItem("c:cold"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("default path not taken: %s", JS(r.AllItems()))
	}
	if it := r.FindItem("c:hot"); it != nil {
		t.Fatalf("hot path taken with no data: %s", JS(it))
	}

	work(t, r, "c:cold", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
}

func TestXorJoin(t *testing.T) {
	// Like routeSpec, but both branches feed one xor-join, which
	// must fire on the single token that shows up.
	spec := mustCompile(t, &Specification{
		ID:          "merge",
		Root:        "main",
		Interpreter: "lookup",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"ph":    &Condition{},
					"pc":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{Split: Xor},
					"j": &Task{Join: Xor},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "ph", Predicate: "hot", Ordinal: 1},
					&Flow{Source: "a", Target: "pc", Default: true, Ordinal: 2},
					&Flow{Source: "ph", Target: "j"},
					&Flow{Source: "pc", Target: "j"},
					&Flow{Source: "j", Target: "done"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", Bindings{"hot": true})

	work(t, r, "c:a", nil)
	if it := r.FindItem("c:j"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("xor-join not enabled by one marked input: %s", JS(r.AllItems()))
	}

	work(t, r, "c:j", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Marking.Total() != 1 {
		t.Fatalf("leftover tokens: %s", JS(r.Marking.Tokens))
	}
}

func TestDeferredChoice(t *testing.T) {
	// One token, two tasks that want it.  Whoever is checked out
	// first wins, and the loser's offer is withdrawn.
	spec := mustCompile(t, &Specification{
		ID:   "choice",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"x": &Task{},
					"y": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "x"},
					&Flow{Source: "start", Target: "y"},
					&Flow{Source: "x", Target: "done"},
					&Flow{Source: "y", Target: "done"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", nil)

	if x := r.FindItem("c:x"); x == nil || x.Status != ItemEnabled {
		t.Fatalf("x not on offer: %s", JS(r.AllItems()))
	}
	if y := r.FindItem("c:y"); y == nil || y.Status != ItemEnabled {
		t.Fatalf("y not on offer: %s", JS(r.AllItems()))
	}

	ctx := context.Background()
	if _, err := r.CheckOut(ctx, "c:x"); err != nil {
		t.Fatal(err)
	}

	y := r.FindItem("c:y")
	if y == nil || y.Status != ItemCancelled || y.Reason != ReasonWithdrawn {
		t.Fatalf("y should have been withdrawn: %s", JS(y))
	}

	if _, err := r.CheckIn(ctx, "c:x", nil); err != nil {
		t.Fatal(err)
	}
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
}

func TestAutoCascade(t *testing.T) {
	spec := mustCompile(t, &Specification{
		ID:   "autos",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{Kind: Auto},
					"b": &Task{Kind: Auto},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "b"},
					&Flow{Source: "b", Target: "done"},
				},
			},
		},
	})
	r, evs := launch(t, spec, "c", nil)

	// The whole case ran at launch: no work items, no waiting.
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if n := len(r.AllItems()); n != 0 {
		t.Fatalf("%d work items for auto tasks: %s", n, JS(r.AllItems()))
	}
	if last := evs[len(evs)-1]; last.Kind != EventCaseCompleted {
		t.Fatalf("last event %s", last.Kind)
	}
}

func TestAutoRunaway(t *testing.T) {
	// b consumes p and produces p again, forever.  The step limit
	// has to stop it.
	spec := mustCompile(t, &Specification{
		ID:   "runaway",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"p":     &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{Kind: Auto},
					"b": &Task{Kind: Auto},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "p"},
					&Flow{Source: "p", Target: "b"},
					&Flow{Source: "b", Target: "p"},
				},
			},
		},
	})

	r, err := NewRunner(spec, "c")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = r.Launch(context.Background(), nil); err == nil {
		t.Fatal("a runaway cascade should fail")
	}
	if !errors.Is(err, Exceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestLoopFreshIDs(t *testing.T) {
	// b loops back to a while the case data says "again".  Each
	// revisit has to mint a fresh item id; the old ones are spent.
	spec := mustCompile(t, &Specification{
		ID:          "loop",
		Root:        "main",
		Interpreter: "lookup",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{Join: Xor},
					"b": &Task{Split: Xor},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "b"},
					&Flow{Source: "b", Target: "a", Predicate: "again", Ordinal: 1},
					&Flow{Source: "b", Target: "done", Default: true, Ordinal: 2},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", Bindings{"again": true})

	work(t, r, "c:a", nil)
	work(t, r, "c:b", nil) // again is still true: loop

	second := enabledFor(r, "a")
	if len(second) != 1 || second[0] == "c:a" {
		t.Fatalf("revisited a should have a fresh id: %s", JS(r.AllItems()))
	}
	if it := r.FindItem("c:a"); it == nil || it.Status != ItemComplete {
		t.Fatalf("first visit forgotten: %s", JS(it))
	}

	work(t, r, second[0], nil)
	bs := enabledFor(r, "b")
	if len(bs) != 1 || bs[0] == "c:b" {
		t.Fatalf("revisited b should have a fresh id: %s", JS(r.AllItems()))
	}

	work(t, r, bs[0], Bindings{"again": false})
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Marking.Total() != 1 {
		t.Fatalf("leftover tokens: %s", JS(r.Marking.Tokens))
	}
}

func TestCaseSuspendResume(t *testing.T) {
	spec := mustCompile(t, seqSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	if _, err := r.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Status != CaseSuspended {
		t.Fatalf("status %s", r.Status)
	}

	if _, err := r.CheckOut(ctx, "c:a"); err == nil {
		t.Fatal("checkout on a suspended case should fail")
	} else if _, is := err.(*CaseNotRunning); !is {
		t.Fatalf("got %T %v", err, err)
	}
	if _, err := r.Suspend(ctx); err == nil {
		t.Fatal("double suspend should fail")
	}

	if _, err := r.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	work(t, r, "c:a", nil)
	work(t, r, "c:b", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
}

func TestWorkItemSuspendResume(t *testing.T) {
	spec := mustCompile(t, seqSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	if _, err := r.SuspendWorkItem(ctx, "c:a"); err == nil {
		t.Fatal("suspending an item that isn't executing should fail")
	}

	if _, err := r.CheckOut(ctx, "c:a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SuspendWorkItem(ctx, "c:a"); err != nil {
		t.Fatal(err)
	}
	if it := r.FindItem("c:a"); it.Status != ItemSuspended {
		t.Fatalf("status %s", it.Status)
	}

	if _, err := r.CheckIn(ctx, "c:a", nil); err == nil {
		t.Fatal("checkin of a suspended item should fail")
	} else if _, is := err.(*InvalidStateTransition); !is {
		t.Fatalf("got %T %v", err, err)
	}

	if _, err := r.ResumeWorkItem(ctx, "c:a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CheckIn(ctx, "c:a", nil); err != nil {
		t.Fatal(err)
	}
	if it := r.FindItem("c:a"); it.Status != ItemComplete {
		t.Fatalf("status %s", it.Status)
	}
}

func TestStaleAndInvalid(t *testing.T) {
	spec := mustCompile(t, seqSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	if _, err := r.CheckIn(ctx, "c:a", nil); err == nil {
		t.Fatal("checkin before checkout should fail")
	} else if _, is := err.(*InvalidStateTransition); !is {
		t.Fatalf("got %T %v", err, err)
	}

	if _, err := r.CheckOut(ctx, "c:ghost"); err == nil {
		t.Fatal("checkout of an unknown item should fail")
	} else if _, is := err.(*StaleWorkItem); !is {
		t.Fatalf("got %T %v", err, err)
	}

	work(t, r, "c:a", nil)
	if _, err := r.CheckOut(ctx, "c:a"); err == nil {
		t.Fatal("checkout of a complete item should fail")
	} else if _, is := err.(*StaleWorkItem); !is {
		t.Fatalf("got %T %v", err, err)
	}
	if _, err := r.CheckIn(ctx, "c:a", nil); err == nil {
		t.Fatal("second checkin should fail")
	} else if _, is := err.(*StaleWorkItem); !is {
		t.Fatalf("got %T %v", err, err)
	}
}
