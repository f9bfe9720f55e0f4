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
	"sort"
	"time"

	"github.com/gorhill/cronexpr"
)

// Compile validates the Specification and gets it ready to run.
//
// Compilation is where we complain about structural problems: nets
// without a unique input and output condition, dangling flows, splits
// that could route a token nowhere, bad multiple-instance bounds,
// composite tasks that recurse, cancel sets that name strangers.  A
// specification that compiles will not fail structurally at runtime.
//
// Compilation also inserts the implicit conditions for task-to-task
// flows, indexes every node into an arena, precomputes each or-join's
// backward-search scope, and compiles flow predicates and dynamic
// instance counts using the given interpreters (which defaults to
// DefaultInterpreters).
func (s *Specification) Compile(ctx context.Context, interpreters map[string]Interpreter) error {
	if s.ID == "" {
		return &IntegrityError{Spec: s.ID, Msg: "specification has no id"}
	}
	if len(s.Nets) == 0 {
		return &IntegrityError{Spec: s.ID, Msg: "specification has no nets"}
	}
	if s.Root == "" {
		return &IntegrityError{Spec: s.ID, Msg: "specification has no root net"}
	}
	if _, have := s.Nets[s.Root]; !have {
		return &IntegrityError{Spec: s.ID, Msg: `root net "` + s.Root + `" not found`}
	}
	if s.Interpreter == "" {
		s.Interpreter = DefaultInterpreterName
	}

	netIDs := make([]string, 0, len(s.Nets))
	for id := range s.Nets {
		netIDs = append(netIDs, id)
	}
	sort.Strings(netIDs)

	for _, id := range netIDs {
		n := s.Nets[id]
		n.ID = id
		if err := s.compileNet(ctx, n, interpreters); err != nil {
			return err
		}
	}

	// Composite references resolve, and they don't recurse.
	for _, id := range netIDs {
		for _, t := range s.Nets[id].Tasks {
			if t.Kind != Composite {
				continue
			}
			if _, have := s.Nets[t.Subnet]; !have {
				return &IntegrityError{Spec: s.ID, Net: id, Node: t.ID,
					Msg: `subnet "` + t.Subnet + `" not found`}
			}
		}
	}
	for _, id := range netIDs {
		if err := s.checkRecursion(id, make(map[string]int)); err != nil {
			return err
		}
	}

	s.compiled = true
	return nil
}

// checkRecursion walks subnet references depth-first.  A net that
// (transitively) contains itself would nest runners forever.
func (s *Specification) checkRecursion(netID string, seen map[string]int) error {
	const (
		visiting = 1
		done     = 2
	)
	switch seen[netID] {
	case visiting:
		return &IntegrityError{Spec: s.ID, Net: netID, Msg: "recursive subnet reference"}
	case done:
		return nil
	}
	seen[netID] = visiting
	for _, t := range s.Nets[netID].Tasks {
		if t.Kind == Composite {
			if err := s.checkRecursion(t.Subnet, seen); err != nil {
				return err
			}
		}
	}
	seen[netID] = done
	return nil
}

func (s *Specification) compileNet(ctx context.Context, n *Net, interpreters map[string]Interpreter) error {
	oops := func(node, msg string) error {
		return &IntegrityError{Spec: s.ID, Net: n.ID, Node: node, Msg: msg}
	}

	if len(n.Tasks) == 0 {
		return oops("", "net has no tasks")
	}
	if n.Conditions == nil {
		n.Conditions = make(map[string]*Condition)
	}

	for id, t := range n.Tasks {
		t.ID = id
		if _, clash := n.Conditions[id]; clash {
			return oops(id, "id used for both a task and a condition")
		}
		if err := s.compileTask(ctx, n, t, interpreters); err != nil {
			return err
		}
	}
	for id, c := range n.Conditions {
		c.ID = id
	}

	// A net has exactly one way in and one way out.
	var in, out string
	for id, c := range n.Conditions {
		if c.Input {
			if in != "" {
				return oops(id, "more than one input condition")
			}
			in = id
		}
		if c.Output {
			if out != "" {
				return oops(id, "more than one output condition")
			}
			out = id
		}
	}
	if in == "" {
		return oops("", "net has no input condition")
	}
	if out == "" {
		return oops("", "net has no output condition")
	}
	if in == out {
		return oops(in, "input condition cannot also be the output")
	}

	if err := s.insertImplicits(n); err != nil {
		return err
	}

	// Resolve flow endpoints.  By now a flow connects a task and
	// a condition, one each way.
	for _, f := range n.Flows {
		_, st := n.Tasks[f.Source]
		_, sc := n.Conditions[f.Source]
		_, tt := n.Tasks[f.Target]
		_, tc := n.Conditions[f.Target]
		switch {
		case !st && !sc:
			return oops(f.Source, "flow source not found")
		case !tt && !tc:
			return oops(f.Target, "flow target not found")
		case sc && tc:
			return oops(f.Source, "flow connects two conditions")
		case sc && f.Predicate != "":
			return oops(f.Target, "predicate on a flow into a task")
		case sc && f.Default:
			return oops(f.Target, "default marker on a flow into a task")
		}
	}
	if err := n.buildArena(); err != nil {
		return err
	}

	// Split flows, predicates, defaults.
	for _, tid := range n.taskOrder {
		t := n.Tasks[tid]
		if len(t.ins) == 0 {
			return oops(tid, "task has no input flows")
		}
		if len(t.outs) == 0 {
			return oops(tid, "task has no output flows")
		}
		var preds, defaults int
		for _, f := range t.outs {
			if f.Predicate != "" {
				if t.Split == And {
					return oops(tid, "predicate on an and-split flow")
				}
				if f.Default {
					return oops(tid, "default flow cannot have a predicate")
				}
				preds++
				p, err := compilePredicate(ctx, interpreters, s.Interpreter, f.Predicate)
				if err != nil {
					return oops(tid, "bad predicate: "+err.Error())
				}
				f.pred = p
			}
			if f.Default {
				if t.Split == And {
					return oops(tid, "default marker on an and-split flow")
				}
				defaults++
				t.deflt = f
			}
		}
		if 0 < preds && defaults != 1 {
			if defaults == 0 {
				return oops(tid, "split with predicates needs a default flow")
			}
			return oops(tid, "split has more than one default flow")
		}
	}

	if na := n.nodeAt(n.input); 0 < len(na.in) {
		return oops(na.id, "input condition has incoming flows")
	}
	if na := n.nodeAt(n.output); 0 < len(na.out) {
		return oops(na.id, "output condition has outgoing flows")
	}

	// Cancel sets name their own net's nodes.
	for _, tid := range n.taskOrder {
		t := n.Tasks[tid]
		t.cancels = t.cancels[:0]
		for _, id := range t.CancelSet {
			i, have := n.index[id]
			if !have {
				return oops(tid, `cancel set names unknown node "`+id+`"`)
			}
			t.cancels = append(t.cancels, i)
		}
	}

	// Or-joins get their search scopes.
	for _, tid := range n.taskOrder {
		t := n.Tasks[tid]
		if t.Join != Or {
			continue
		}
		if err := n.orScope(s.ID, t); err != nil {
			return err
		}
	}

	return nil
}

func (s *Specification) compileTask(ctx context.Context, n *Net, t *Task, interpreters map[string]Interpreter) error {
	oops := func(msg string) error {
		return &IntegrityError{Spec: s.ID, Net: n.ID, Node: t.ID, Msg: msg}
	}

	switch t.Join {
	case "":
		t.Join = And
	case And, Xor, Or:
	default:
		return oops(`join "` + string(t.Join) + `" isn't and, xor, or or`)
	}
	switch t.Split {
	case "":
		t.Split = And
	case And, Xor, Or:
	default:
		return oops(`split "` + string(t.Split) + `" isn't and, xor, or or`)
	}

	switch t.Kind {
	case "":
		t.Kind = Atomic
	case Atomic, Auto, Composite:
	default:
		return oops(`kind "` + string(t.Kind) + `" isn't atomic, auto, or composite`)
	}
	if t.Kind == Composite && t.Subnet == "" {
		return oops("composite task has no subnet")
	}
	if t.Kind != Composite && t.Subnet != "" {
		return oops("subnet on a non-composite task")
	}
	if t.Kind == Auto {
		if t.MI != nil {
			return oops("auto task cannot be multiple-instance")
		}
		if t.Timer != nil {
			return oops("timer on an auto task")
		}
	}

	if mi := t.MI; mi != nil {
		if t.Kind == Composite {
			return oops("multiple-instance composite tasks are not supported")
		}
		if mi.Min < 1 || mi.Max < mi.Min {
			return oops("multiple-instance bounds want 1 <= min <= max")
		}
		if mi.Threshold < mi.Min || mi.Max < mi.Threshold {
			return oops("multiple-instance threshold wants min <= threshold <= max")
		}
		switch mi.Mode {
		case ModeStatic:
			if mi.Count != "" {
				return oops("count source on a static multiple-instance task")
			}
		case ModeDynamic:
			if mi.Count == "" {
				return oops("dynamic multiple-instance task has no count source")
			}
			p, err := compilePredicate(ctx, interpreters, s.Interpreter, mi.Count)
			if err != nil {
				return oops("bad count source: " + err.Error())
			}
			t.countSrc = p
		default:
			return oops(`multiple-instance mode "` + mi.Mode + `" isn't static or dynamic`)
		}
	}

	if tm := t.Timer; tm != nil {
		if (tm.Duration == "") == (tm.Cron == "") {
			return oops("timer wants exactly one of duration, cron")
		}
		if tm.Duration != "" {
			d, err := time.ParseDuration(tm.Duration)
			if err != nil {
				return oops("bad timer duration: " + err.Error())
			}
			tm.dur = d
		}
		if tm.Cron != "" {
			expr, err := cronexpr.Parse(tm.Cron)
			if err != nil {
				return oops("bad timer cron expression: " + err.Error())
			}
			tm.cron = expr
		}
	}

	return nil
}

// insertImplicits rewrites each task-to-task flow into flows through
// a fresh implicit condition, the way YAWL-style nets are drawn.
func (s *Specification) insertImplicits(n *Net) error {
	var added []*Flow
	for _, f := range n.Flows {
		_, st := n.Tasks[f.Source]
		_, tt := n.Tasks[f.Target]
		if !st || !tt {
			continue
		}
		id := "c{" + f.Source + "_" + f.Target + "}"
		if _, clash := n.Conditions[id]; clash {
			return &IntegrityError{Spec: s.ID, Net: n.ID, Node: id,
				Msg: "implicit condition id already taken"}
		}
		if _, clash := n.Tasks[id]; clash {
			return &IntegrityError{Spec: s.ID, Net: n.ID, Node: id,
				Msg: "implicit condition id already taken"}
		}
		n.Conditions[id] = &Condition{ID: id, Implicit: true}
		target := f.Target
		f.Target = id
		added = append(added, &Flow{Source: id, Target: target})
	}
	n.Flows = append(n.Flows, added...)
	return nil
}

// buildArena assigns every node an index and wires up adjacency.
// Conditions first, then tasks, each sorted by id, so indices (and
// everything derived from them) are stable run to run.
func (n *Net) buildArena() error {
	condIDs := make([]string, 0, len(n.Conditions))
	for id := range n.Conditions {
		condIDs = append(condIDs, id)
	}
	sort.Strings(condIDs)
	taskIDs := make([]string, 0, len(n.Tasks))
	for id := range n.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	n.taskOrder = taskIDs

	n.arena = make([]*node, 0, len(condIDs)+len(taskIDs))
	n.index = make(map[string]int, len(condIDs)+len(taskIDs))
	for _, id := range condIDs {
		c := n.Conditions[id]
		c.index = len(n.arena)
		n.index[id] = c.index
		n.arena = append(n.arena, &node{id: id, cond: c})
		if c.Input {
			n.input = c.index
		}
		if c.Output {
			n.output = c.index
		}
	}
	for _, id := range taskIDs {
		t := n.Tasks[id]
		t.index = len(n.arena)
		n.index[id] = t.index
		n.arena = append(n.arena, &node{id: id, task: t})
	}

	for _, f := range n.Flows {
		f.src = n.index[f.Source]
		f.tgt = n.index[f.Target]
		n.arena[f.src].out = append(n.arena[f.src].out, f.tgt)
		n.arena[f.tgt].in = append(n.arena[f.tgt].in, f.src)
	}
	for _, na := range n.arena {
		sort.Ints(na.in)
		sort.Ints(na.out)
	}

	for _, id := range taskIDs {
		t := n.Tasks[id]
		t.ins = n.arena[t.index].in

		t.outs = nil
		for _, f := range n.Flows {
			if f.Source == id {
				t.outs = append(t.outs, f)
			}
		}
		sort.SliceStable(t.outs, func(i, j int) bool {
			return t.outs[i].Ordinal < t.outs[j].Ordinal
		})
	}

	return nil
}

// orScope finds the subgraph an or-join's backward search is allowed
// to walk: the region between the join and a structurally matching
// or-split.  A matching split is an or-split task from which every
// one of the join's input conditions is reachable (without passing
// through the join).  No matching split means the join could wait on
// tokens we can't reason about, so we reject the net.
func (n *Net) orScope(specID string, join *Task) error {
	// Backward closure from the join's inputs, never through the
	// join itself.
	back := make(map[int]bool, len(n.arena))
	queue := append([]int{}, join.ins...)
	for _, i := range join.ins {
		back[i] = true
	}
	for 0 < len(queue) {
		i := queue[0]
		queue = queue[1:]
		for _, p := range n.arena[i].in {
			if p == join.index || back[p] {
				continue
			}
			back[p] = true
			queue = append(queue, p)
		}
	}

	isInput := func(set map[int]bool) bool {
		for _, i := range join.ins {
			if !set[i] {
				return false
			}
		}
		return true
	}

	join.scope = make(map[int]bool, len(back))
	found := false
	for i := range back {
		t := n.arena[i].task
		if t == nil || t.Split != Or {
			continue
		}
		// Forward closure from the candidate split, stopping
		// at the join.
		fwd := map[int]bool{i: true}
		q := []int{i}
		for 0 < len(q) {
			j := q[0]
			q = q[1:]
			for _, s := range n.arena[j].out {
				if s == join.index || fwd[s] {
					continue
				}
				fwd[s] = true
				q = append(q, s)
			}
		}
		if !isInput(fwd) {
			continue
		}
		found = true
		for j := range fwd {
			if back[j] {
				join.scope[j] = true
			}
		}
	}
	if !found {
		return &IntegrityError{Spec: specID, Net: n.ID, Node: join.ID,
			Msg: "or-join has no matching or-split"}
	}
	return nil
}
