package core

import (
	"context"
	"testing"
)

func TestCompileGood(t *testing.T) {
	spec := seqSpec()
	if spec.Compiled() {
		t.Fatal("compiled before Compile")
	}
	mustCompile(t, spec)
	if !spec.Compiled() {
		t.Fatal("not compiled after Compile")
	}

	n := spec.RootNet()
	if n.InputCondition() != "start" || n.OutputCondition() != "done" {
		t.Fatalf("endpoints: %q %q", n.InputCondition(), n.OutputCondition())
	}

	// The task-to-task flow got its implicit condition.
	c, have := n.Conditions["c{a_b}"]
	if !have || !c.Implicit {
		t.Fatalf("implicit condition missing: %#v", n.Conditions)
	}

	order := n.TaskOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("task order: %#v", order)
	}
}

func TestCompileRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(s *Specification)
	}{
		{"no id", func(s *Specification) {
			s.ID = ""
		}},
		{"no nets", func(s *Specification) {
			s.Nets = nil
		}},
		{"no root", func(s *Specification) {
			s.Root = ""
		}},
		{"root missing", func(s *Specification) {
			s.Root = "nope"
		}},
		{"no tasks", func(s *Specification) {
			s.Nets["main"].Tasks = nil
		}},
		{"no input condition", func(s *Specification) {
			s.Nets["main"].Conditions["start"].Input = false
		}},
		{"two input conditions", func(s *Specification) {
			s.Nets["main"].Conditions["done"].Input = true
		}},
		{"no output condition", func(s *Specification) {
			s.Nets["main"].Conditions["done"].Output = false
		}},
		{"input is output", func(s *Specification) {
			s.Nets["main"].Conditions["start"].Output = true
			s.Nets["main"].Conditions["done"].Output = false
		}},
		{"dangling flow", func(s *Specification) {
			n := s.Nets["main"]
			n.Flows = append(n.Flows, &Flow{Source: "ghost", Target: "b"})
		}},
		{"condition to condition", func(s *Specification) {
			n := s.Nets["main"]
			n.Flows = append(n.Flows, &Flow{Source: "start", Target: "done"})
		}},
		{"task with no inputs", func(s *Specification) {
			n := s.Nets["main"]
			n.Tasks["orphan"] = &Task{}
			n.Flows = append(n.Flows, &Flow{Source: "orphan", Target: "done"})
		}},
		{"task with no outputs", func(s *Specification) {
			n := s.Nets["main"]
			n.Tasks["orphan"] = &Task{}
			n.Flows = append(n.Flows, &Flow{Source: "start", Target: "orphan"})
		}},
		{"predicate on and-split", func(s *Specification) {
			s.Interpreter = "lookup"
			s.Nets["main"].Flows[1].Predicate = "p"
		}},
		{"predicates without default", func(s *Specification) {
			s.Interpreter = "lookup"
			s.Nets["main"].Tasks["a"].Split = Xor
			s.Nets["main"].Flows[1].Predicate = "p"
		}},
		{"two defaults", func(s *Specification) {
			s.Interpreter = "lookup"
			n := s.Nets["main"]
			n.Tasks["a"].Split = Xor
			n.Flows[1].Predicate = "p"
			n.Conditions["alt1"] = &Condition{}
			n.Conditions["alt2"] = &Condition{}
			n.Flows = append(n.Flows,
				&Flow{Source: "a", Target: "alt1", Default: true},
				&Flow{Source: "a", Target: "alt2", Default: true})
		}},
		{"default with predicate", func(s *Specification) {
			s.Interpreter = "lookup"
			n := s.Nets["main"]
			n.Tasks["a"].Split = Xor
			n.Flows[1].Predicate = "p"
			n.Flows[1].Default = true
		}},
		{"predicate into a task", func(s *Specification) {
			s.Nets["main"].Flows[0].Predicate = "p"
		}},
		{"input with incoming flow", func(s *Specification) {
			n := s.Nets["main"]
			n.Flows = append(n.Flows, &Flow{Source: "b", Target: "start"})
		}},
		{"output with outgoing flow", func(s *Specification) {
			n := s.Nets["main"]
			n.Flows = append(n.Flows, &Flow{Source: "done", Target: "b"})
		}},
		{"composite without subnet", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Kind = Composite
		}},
		{"subnet on a non-composite", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Subnet = "main"
		}},
		{"composite subnet missing", func(s *Specification) {
			t := s.Nets["main"].Tasks["a"]
			t.Kind = Composite
			t.Subnet = "nope"
		}},
		{"recursive subnet", func(s *Specification) {
			t := s.Nets["main"].Tasks["a"]
			t.Kind = Composite
			t.Subnet = "main"
		}},
		{"auto with mi", func(s *Specification) {
			t := s.Nets["main"].Tasks["a"]
			t.Kind = Auto
			t.MI = &MultiInstance{Min: 1, Max: 1, Threshold: 1, Mode: ModeStatic}
		}},
		{"auto with timer", func(s *Specification) {
			t := s.Nets["main"].Tasks["a"]
			t.Kind = Auto
			t.Timer = &TimerSpec{Duration: "1s"}
		}},
		{"composite with mi", func(s *Specification) {
			t := s.Nets["main"].Tasks["a"]
			t.Kind = Composite
			t.Subnet = "main"
			t.MI = &MultiInstance{Min: 1, Max: 1, Threshold: 1, Mode: ModeStatic}
		}},
		{"mi min below one", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 0, Max: 3, Threshold: 1, Mode: ModeStatic}
		}},
		{"mi max below min", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 3, Max: 2, Threshold: 3, Mode: ModeStatic}
		}},
		{"mi threshold above max", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 2, Max: 4, Threshold: 5, Mode: ModeStatic}
		}},
		{"mi threshold below min", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 2, Max: 4, Threshold: 1, Mode: ModeStatic}
		}},
		{"mi static with count", func(s *Specification) {
			s.Interpreter = "lookup"
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 1, Max: 2, Threshold: 1, Mode: ModeStatic, Count: "n"}
		}},
		{"mi dynamic without count", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 1, Max: 2, Threshold: 1, Mode: ModeDynamic}
		}},
		{"mi bad mode", func(s *Specification) {
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 1, Max: 2, Threshold: 1, Mode: "sometimes"}
		}},
		{"mi count without interpreter", func(s *Specification) {
			// The default interpreter name isn't in the map
			// the test passes.
			s.Nets["main"].Tasks["a"].MI = &MultiInstance{Min: 1, Max: 2, Threshold: 1, Mode: ModeDynamic, Count: "n"}
		}},
		{"timer with duration and cron", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Timer = &TimerSpec{Duration: "1s", Cron: "* * * * *"}
		}},
		{"timer with neither", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Timer = &TimerSpec{}
		}},
		{"bad timer duration", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Timer = &TimerSpec{Duration: "banana"}
		}},
		{"bad timer cron", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Timer = &TimerSpec{Cron: "banana"}
		}},
		{"bad join", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Join = "nand"
		}},
		{"bad kind", func(s *Specification) {
			s.Nets["main"].Tasks["a"].Kind = "magic"
		}},
		{"task and condition share an id", func(s *Specification) {
			s.Nets["main"].Conditions["a"] = &Condition{}
		}},
		{"or-join without or-split", func(s *Specification) {
			s.Nets["main"].Tasks["b"].Join = Or
		}},
		{"cancel set names a stranger", func(s *Specification) {
			s.Nets["main"].Tasks["a"].CancelSet = []string{"ghost"}
		}},
		{"implicit condition id taken", func(s *Specification) {
			s.Nets["main"].Conditions["c{a_b}"] = &Condition{}
		}},
	} {
		s := seqSpec()
		tc.mod(s)
		err := s.Compile(context.Background(), testInterpreters)
		if err == nil {
			t.Fatalf("%s: compiled anyway", tc.name)
		}
		if _, is := err.(*IntegrityError); !is {
			t.Fatalf("%s: got %T: %v", tc.name, err, err)
		}
	}
}

func TestPredicateMisbehaves(t *testing.T) {
	// The predicate evaluates to a string, not a bool, so the
	// transition that needed it fails with an EvaluationError.
	// The caller (the engine) discards the runner copy; nothing
	// durable happened.
	spec := mustCompile(t, routeSpec())
	r, _ := launch(t, spec, "c", Bindings{"hot": "very"})

	ctx := context.Background()
	if _, err := r.CheckOut(ctx, "c:a"); err != nil {
		t.Fatal(err)
	}
	_, err := r.CheckIn(ctx, "c:a", nil)
	if err == nil {
		t.Fatal("a non-bool predicate should fail the transition")
	}
	ee, is := err.(*EvaluationError)
	if !is {
		t.Fatalf("got %T %v", err, err)
	}
	if ee.Task != "a" {
		t.Fatalf("blamed task %q", ee.Task)
	}
}
