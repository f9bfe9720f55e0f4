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
	"time"

	"github.com/gorhill/cronexpr"
)

// Gate is a control-flow combinator: how a task's join gathers
// tokens from its input conditions, and how its split scatters
// tokens to its output conditions.
type Gate string

const (
	// And waits for (or produces on) every flow.
	And Gate = "and"

	// Xor waits for (or produces on) exactly one flow.
	Xor Gate = "xor"

	// Or is the interesting one.  An or-split produces on every
	// flow whose predicate is true.  An or-join waits exactly as
	// long as another token could still show up, and no longer.
	// See Runner.orEnabled for that story.
	Or Gate = "or"
)

// TaskKind says how a task gets done.
type TaskKind string

const (
	// Atomic tasks become work items for external actors.  The
	// zero TaskKind means Atomic.
	Atomic TaskKind = "atomic"

	// Auto tasks have no external work: the engine fires and
	// completes them itself during a transition.  Routing-only
	// tasks, usually.
	Auto TaskKind = "auto"

	// Composite tasks run a subnet.  The task's work item stays
	// Executing until the subnet reaches its output condition.
	Composite TaskKind = "composite"
)

// ModeStatic and ModeDynamic are the two ways a multiple-instance
// task can decide how many instances to spawn.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Specification is a bundle of Nets: the Root net plus any subnets
// that composite tasks reference.
//
// A Specification should be Compile()d before use.  After that it is
// immutable and can be shared read-only by any number of cases.
type Specification struct {
	// ID identifies this specification.  Cases remember it, so
	// make it stable.
	ID string `json:"id" yaml:"id"`

	// Doc is general documentation about what this specification
	// does.
	Doc string `json:"doc,omitempty" yaml:",omitempty"`

	// Root names the net a new case starts in.
	Root string `json:"root" yaml:"root"`

	// Interpreter names the Interpreter used for all flow
	// predicates and dynamic instance counts in this
	// specification.  Defaults to "goja".
	Interpreter string `json:"interpreter,omitempty" yaml:",omitempty"`

	// Nets maps net ids to their structure.
	Nets map[string]*Net `json:"nets" yaml:"nets"`

	compiled bool
}

// DefaultInterpreterName is the Interpreter a Specification gets if
// it doesn't name one.
var DefaultInterpreterName = "goja"

// Net is one Petri net: conditions hold tokens, tasks move them.
type Net struct {
	// ID is the net's id, which Compile sets from the
	// Specification's Nets key.
	ID string `json:"-" yaml:"-"`

	Doc string `json:"doc,omitempty" yaml:",omitempty"`

	// Tasks maps task ids to tasks.
	Tasks map[string]*Task `json:"tasks" yaml:"tasks"`

	// Conditions maps condition ids to conditions.  Exactly one
	// condition must be the net's input and exactly one its
	// output.  Conditions that merely sit between two tasks can
	// be omitted entirely; see Flow.
	Conditions map[string]*Condition `json:"conditions,omitempty" yaml:",omitempty"`

	// Flows are the arcs.  A flow connects a task to a condition
	// or a condition to a task.  As a convenience, a flow can
	// connect a task directly to a task, in which case Compile
	// inserts the implicit condition between them.
	Flows []*Flow `json:"flows" yaml:"flows"`

	// Everything below is built by Compile.

	arena     []*node
	index     map[string]int
	input     int // arena index of the input condition
	output    int // arena index of the output condition
	taskOrder []string
}

// Task is a transition in a net.
type Task struct {
	// ID is the task's id, which Compile sets from the Net's
	// Tasks key.
	ID string `json:"-" yaml:"-"`

	Doc string `json:"doc,omitempty" yaml:",omitempty"`

	// Join is how the task gathers input tokens.  Defaults to
	// And, which is also what you want for a task with a single
	// input.
	Join Gate `json:"join,omitempty" yaml:",omitempty"`

	// Split is how the task scatters output tokens.  Defaults to
	// And.
	Split Gate `json:"split,omitempty" yaml:",omitempty"`

	// Kind defaults to Atomic.
	Kind TaskKind `json:"kind,omitempty" yaml:",omitempty"`

	// Subnet names the net a Composite task runs.
	Subnet string `json:"subnet,omitempty" yaml:",omitempty"`

	// CancelSet names tasks and conditions (in this net) that are
	// forcibly cleared when this task completes: every token on a
	// named condition is removed, and every live work item of a
	// named task is hard-cancelled.
	CancelSet []string `json:"cancel,omitempty" yaml:"cancel,omitempty"`

	// MI makes this a multiple-instance task.
	MI *MultiInstance `json:"mi,omitempty" yaml:"mi,omitempty"`

	// Timer, if given, puts a deadline on this task's work items.
	Timer *TimerSpec `json:"timer,omitempty" yaml:"timer,omitempty"`

	// Everything below is built by Compile.

	index    int
	ins      []int   // arena indices of input conditions
	outs     []*Flow // output flows in ordinal order
	deflt    *Flow   // the default output flow, if any
	scope    map[int]bool
	cancels  []int // arena indices of cancel-set members
	countSrc *predicate
}

// MultiInstance configures a task that spawns several concurrent
// work item instances.
//
// With ModeStatic, Max instances are spawned.  With ModeDynamic, the
// Count source is evaluated once against the case data when the task
// is enabled, and the result is clamped to [Min, Max].  Either way,
// the task completes (once) when Threshold instances have completed;
// instances still alive at that point are cancelled.
type MultiInstance struct {
	Min       int    `json:"min" yaml:"min"`
	Max       int    `json:"max" yaml:"max"`
	Threshold int    `json:"threshold" yaml:"threshold"`
	Mode      string `json:"mode" yaml:"mode"`
	Count     string `json:"count,omitempty" yaml:"count,omitempty"`
}

// TimerSpec is a deadline for a task's work items: either a Go
// duration measured from when the item is created, or a cron
// expression whose next occurrence is the deadline.
type TimerSpec struct {
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`

	dur  time.Duration
	cron *cronexpr.Expression
}

// Deadline computes the deadline for a work item created now.
//
// Only valid after Compile.
func (tm *TimerSpec) Deadline(now time.Time) time.Time {
	if tm.cron != nil {
		return tm.cron.Next(now)
	}
	return now.Add(tm.dur)
}

// Condition is a place in a net.  Tokens live here.
type Condition struct {
	// ID is the condition's id, which Compile sets from the Net's
	// Conditions key.
	ID string `json:"-" yaml:"-"`

	Doc string `json:"doc,omitempty" yaml:",omitempty"`

	// Input marks the net's (unique) input condition, where a new
	// case's first token goes.
	Input bool `json:"input,omitempty" yaml:",omitempty"`

	// Output marks the net's (unique) output condition.  A token
	// here means the net is done.
	Output bool `json:"output,omitempty" yaml:",omitempty"`

	// Implicit conditions are the ones Compile inserts for
	// task-to-task flows.
	Implicit bool `json:"implicit,omitempty" yaml:",omitempty"`

	index int
}

// Flow is an arc between a task and a condition (either direction),
// or between two tasks (sugar for two arcs and an implicit condition
// in the middle).
type Flow struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	// Predicate is source code (for the Specification's
	// Interpreter) that gets a say when the flow leaves an Xor or
	// Or split: the flow carries a token only if the predicate
	// returns true.  Evaluated against the case data.
	Predicate string `json:"predicate,omitempty" yaml:",omitempty"`

	// Ordinal orders a split's outgoing flows for evaluation.
	// Matters for Xor splits, where the first true predicate
	// wins.
	Ordinal int `json:"ordinal,omitempty" yaml:",omitempty"`

	// Default marks the flow a split falls back to when no
	// predicate is true.  A split with any predicated flow must
	// have exactly one default flow; Compile insists.
	Default bool `json:"default,omitempty" yaml:",omitempty"`

	pred *predicate
	src  int
	tgt  int
}

// node is an arena entry: a task or a condition, with flow adjacency
// by arena index.  The or-join backward search walks these.
type node struct {
	id   string
	task *Task
	cond *Condition
	in   []int
	out  []int
}

// Compiled reports whether Compile has run (successfully).
func (s *Specification) Compiled() bool {
	return s.compiled
}

// RootNet returns the net a new case starts in.
func (s *Specification) RootNet() *Net {
	return s.Nets[s.Root]
}

// nodeAt is a convenience for the search code.
func (n *Net) nodeAt(i int) *node {
	return n.arena[i]
}

// InputCondition returns the id of the net's input condition.
//
// Only valid after Compile.
func (n *Net) InputCondition() string {
	return n.arena[n.input].id
}

// OutputCondition returns the id of the net's output condition.
//
// Only valid after Compile.
func (n *Net) OutputCondition() string {
	return n.arena[n.output].id
}

// TaskOrder returns the net's task ids in a stable order.  Iterating
// a Go map is deliberately random, and a Runner wants determinism.
//
// Only valid after Compile.
func (n *Net) TaskOrder() []string {
	return n.taskOrder
}

// IsMI reports whether the task spawns multiple instances.
func (t *Task) IsMI() bool {
	return t.MI != nil
}
