package core

import (
	"context"
	"testing"

	. "github.com/Comcast/loom/util/testutil"
)

func compositeSpec() *Specification {
	return &Specification{
		ID:   "comp",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"order": &Task{Kind: Composite, Subnet: "sub"},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "order"},
					&Flow{Source: "order", Target: "done"},
				},
			},
			"sub": &Net{
				Conditions: map[string]*Condition{
					"sin":  &Condition{Input: true},
					"sout": &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"w": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "sin", Target: "w"},
					&Flow{Source: "w", Target: "sout"},
				},
			},
		},
	}
}

func TestCompositeRuns(t *testing.T) {
	spec := mustCompile(t, compositeSpec())
	r, _ := launch(t, spec, "c", Bindings{"po": 7})

	// The composite task fires on its own: its item goes straight
	// to Executing with a subcase attached.
	it := r.FindItem("c:order")
	if it == nil || it.Status != ItemExecuting || it.Child == "" {
		t.Fatalf("order: %s", JS(it))
	}

	wid := it.Child + ":w"
	w := r.FindItem(wid)
	if w == nil || w.Status != ItemEnabled {
		t.Fatalf("subnet task not on offer: %s", JS(r.AllItems()))
	}

	work(t, r, wid, Bindings{"picked": true})

	// Subnet done, so the composite completed, so the case did.
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if it = r.FindItem("c:order"); it.Status != ItemComplete {
		t.Fatalf("order: %s", JS(it))
	}
	if len(r.Children) != 0 {
		t.Fatalf("subcase not torn down: %d children", len(r.Children))
	}

	// The subcase's data folded back into the case data.
	if r.Data["picked"] != true || r.Data["po"] != 7 {
		t.Fatalf("data %s", JS(r.Data))
	}
}

func TestCompositeNested(t *testing.T) {
	spec := mustCompile(t, &Specification{
		ID:   "nested",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"outer": &Task{Kind: Composite, Subnet: "mid"},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "outer"},
					&Flow{Source: "outer", Target: "done"},
				},
			},
			"mid": &Net{
				Conditions: map[string]*Condition{
					"min":  &Condition{Input: true},
					"mout": &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"inner": &Task{Kind: Composite, Subnet: "leaf"},
				},
				Flows: []*Flow{
					&Flow{Source: "min", Target: "inner"},
					&Flow{Source: "inner", Target: "mout"},
				},
			},
			"leaf": &Net{
				Conditions: map[string]*Condition{
					"lin":  &Condition{Input: true},
					"lout": &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"w": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "lin", Target: "w"},
					&Flow{Source: "w", Target: "lout"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", nil)

	outer := r.FindItem("c:outer")
	if outer == nil || outer.Status != ItemExecuting {
		t.Fatalf("outer: %s", JS(outer))
	}
	inner := r.FindItem(outer.Child + ":inner")
	if inner == nil || inner.Status != ItemExecuting {
		t.Fatalf("inner: %s", JS(r.AllItems()))
	}
	wid := inner.Child + ":w"
	if it := r.FindItem(wid); it == nil || it.Status != ItemEnabled {
		t.Fatalf("leaf task not on offer: %s", JS(r.AllItems()))
	}

	work(t, r, wid, Bindings{"deep": true})

	// The whole tower folds up.
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Data["deep"] != true {
		t.Fatalf("data %s", JS(r.Data))
	}
	if len(r.Children) != 0 {
		t.Fatalf("subcases not torn down")
	}
}

func TestCompositeCheckInRefused(t *testing.T) {
	spec := mustCompile(t, compositeSpec())
	r, _ := launch(t, spec, "c", nil)

	// A composite item completes when its subnet does, not by
	// checkin.
	if _, err := r.CheckIn(context.Background(), "c:order", nil); err == nil {
		t.Fatal("checkin of a composite item should fail")
	} else if _, is := err.(*InvalidStateTransition); !is {
		t.Fatalf("got %T %v", err, err)
	}
}

func TestCancelWorkItemPrunesSubcase(t *testing.T) {
	spec := mustCompile(t, compositeSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	it := r.FindItem("c:order")
	evs, err := r.CancelWorkItem(ctx, "c:order")
	if err != nil {
		t.Fatal(err)
	}
	// The cancellation named the subcase's live items as victims.
	if len(evs) == 0 || len(evs[0].ItemIDs) != 1 || evs[0].ItemIDs[0] != it.Child+":w" {
		t.Fatalf("victims: %s", JS(evs))
	}
	if got := r.FindItem("c:order"); got.Status != ItemCancelled {
		t.Fatalf("order: %s", JS(got))
	}
	if len(r.Children) != 0 {
		t.Fatalf("subcase survived the cancellation")
	}

	// The task's tokens went with it, so nothing can move, and
	// the case deadlocks.
	if r.Status != CaseDeadlocked {
		t.Fatalf("status %s", r.Status)
	}
}

func TestCancelCaseKillsSubcases(t *testing.T) {
	spec := mustCompile(t, compositeSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	it := r.FindItem("c:order")
	evs, err := r.Cancel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != CaseCancelled {
		t.Fatalf("status %s", r.Status)
	}

	// Both the composite item and the subnet's item were named.
	want := map[string]bool{"c:order": true, it.Child + ":w": true}
	if len(evs) != 1 || len(evs[0].ItemIDs) != 2 {
		t.Fatalf("victims: %s", JS(evs))
	}
	for _, id := range evs[0].ItemIDs {
		if !want[id] {
			t.Fatalf("unexpected victim %q", id)
		}
	}

	if got := r.FindItem("c:order"); got.Status != ItemCancelled || got.Reason != ReasonCaseCancelled {
		t.Fatalf("order: %s", JS(got))
	}
	if len(r.Children) != 0 || r.Marking.Total() != 0 {
		t.Fatalf("leftovers: %s", JS(r.Marking))
	}

	// Cancelling a cancelled case is a no-op, not an error.
	evs, err = r.Cancel(ctx)
	if err != nil || evs != nil {
		t.Fatalf("second cancel: %s %v", JS(evs), err)
	}
}
