package core

import (
	"context"
	"testing"

	. "github.com/Comcast/loom/util/testutil"
)

func TestCancelSet(t *testing.T) {
	// k's completion clears the w branch: its pending token, its
	// work item, all of it.  And k's own output survives, because
	// production happens before the cancel set is applied.
	spec := mustCompile(t, &Specification{
		ID:   "cancelset",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"pk":    &Condition{},
					"pw":    &Condition{},
					"qk":    &Condition{},
					"qw":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"s": &Task{Split: And},
					"w": &Task{},
					"k": &Task{CancelSet: []string{"w", "pw", "qw"}},
					"f": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "s"},
					&Flow{Source: "s", Target: "pk"},
					&Flow{Source: "s", Target: "pw"},
					&Flow{Source: "pw", Target: "w"},
					&Flow{Source: "w", Target: "qw"},
					&Flow{Source: "pk", Target: "k"},
					&Flow{Source: "k", Target: "qk"},
					&Flow{Source: "qk", Target: "f"},
					&Flow{Source: "f", Target: "done"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", nil)

	work(t, r, "c:s", nil)
	if it := r.FindItem("c:w"); it == nil || it.Status != ItemEnabled {
		t.Fatalf("w not on offer: %s", JS(r.AllItems()))
	}

	evs := work(t, r, "c:k", nil)

	w := r.FindItem("c:w")
	if w == nil || w.Status != ItemCancelled || w.Reason != ReasonCancelSet {
		t.Fatalf("w: %s", JS(w))
	}
	if r.Marking.Count("pw") != 0 || r.Marking.Count("qw") != 0 {
		t.Fatalf("cancel set left tokens: %s", JS(r.Marking.Tokens))
	}

	var tc *Event
	for _, e := range evs {
		if e.Kind == EventTaskCancelled {
			tc = e
		}
	}
	if tc == nil || tc.Reason != ReasonCancelSet || tc.Cleared["pw"] != 1 {
		t.Fatalf("cancel event: %s", JS(tc))
	}

	// k's own production survived the purge.
	if r.Status != CaseRunning {
		t.Fatalf("status %s", r.Status)
	}
	work(t, r, "c:f", nil)
	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	if r.Marking.Total() != 1 {
		t.Fatalf("leftover tokens: %s", JS(r.Marking.Tokens))
	}
}

func TestUnsoundCompletionDiscards(t *testing.T) {
	// The output condition gets its token while another branch is
	// still going.  Completion wins: the straggler is discarded
	// and the leftover tokens are dropped.
	spec := mustCompile(t, &Specification{
		ID:   "unsound",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"pw":    &Condition{},
					"pt":    &Condition{},
					"qt":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"s": &Task{Split: And},
					"w": &Task{},
					"t": &Task{},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "s"},
					&Flow{Source: "s", Target: "pw"},
					&Flow{Source: "s", Target: "pt"},
					&Flow{Source: "pw", Target: "w"},
					&Flow{Source: "pt", Target: "t"},
					&Flow{Source: "w", Target: "done"},
					&Flow{Source: "t", Target: "qt"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", nil)

	work(t, r, "c:s", nil)
	work(t, r, "c:w", nil)

	if r.Status != CaseCompleted {
		t.Fatalf("status %s", r.Status)
	}
	it := r.FindItem("c:t")
	if it == nil || it.Status != ItemCancelled || it.Reason != ReasonDiscarded {
		t.Fatalf("straggler: %s", JS(it))
	}
	// Only the output token remains.
	if r.Marking.Total() != 1 || r.Marking.Count("done") != 1 {
		t.Fatalf("marking: %s", JS(r.Marking.Tokens))
	}
}

func TestDeadlock(t *testing.T) {
	// j's and-join needs q2, and nothing will ever mark q2.
	spec := mustCompile(t, &Specification{
		ID:   "stuck",
		Root: "main",
		Nets: map[string]*Net{
			"main": &Net{
				Conditions: map[string]*Condition{
					"start": &Condition{Input: true},
					"q1":    &Condition{},
					"q2":    &Condition{},
					"done":  &Condition{Output: true},
				},
				Tasks: map[string]*Task{
					"a": &Task{},
					"j": &Task{Join: And},
				},
				Flows: []*Flow{
					&Flow{Source: "start", Target: "a"},
					&Flow{Source: "a", Target: "q1"},
					&Flow{Source: "q1", Target: "j"},
					&Flow{Source: "q2", Target: "j"},
					&Flow{Source: "j", Target: "done"},
				},
			},
		},
	})
	r, _ := launch(t, spec, "c", nil)

	evs := work(t, r, "c:a", nil)
	if r.Status != CaseDeadlocked {
		t.Fatalf("status %s", r.Status)
	}
	if last := evs[len(evs)-1]; last.Kind != EventCaseDeadlocked {
		t.Fatalf("last event %s", last.Kind)
	}

	// A deadlocked case is terminal.
	if _, err := r.CheckOut(context.Background(), "c:j"); err == nil {
		t.Fatal("a deadlocked case should refuse work")
	} else if _, is := err.(*CaseNotRunning); !is {
		t.Fatalf("got %T %v", err, err)
	}
}

func TestCancelCase(t *testing.T) {
	spec := mustCompile(t, diamondSpec())
	r, _ := launch(t, spec, "c", nil)
	ctx := context.Background()

	work(t, r, "c:a", nil)
	if _, err := r.CheckOut(ctx, "c:t1"); err != nil {
		t.Fatal(err)
	}

	evs, err := r.Cancel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != CaseCancelled {
		t.Fatalf("status %s", r.Status)
	}
	if len(evs) != 1 || len(evs[0].ItemIDs) != 2 {
		t.Fatalf("victims: %s", JS(evs))
	}
	for _, id := range []string{"c:t1", "c:t2"} {
		it := r.FindItem(id)
		if it.Status != ItemCancelled || it.Reason != ReasonCaseCancelled {
			t.Fatalf("%s: %s", id, JS(it))
		}
	}
	if r.Marking.Total() != 0 {
		t.Fatalf("tokens survived: %s", JS(r.Marking.Tokens))
	}

	// And the case now refuses everything.
	if _, err := r.CheckIn(ctx, "c:t1", nil); err == nil {
		t.Fatal("a cancelled case should refuse work")
	}
}
