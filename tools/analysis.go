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

// Package tools works with specifications outside a running engine:
// structural analysis, Graphviz/Mermaid/HTML rendering, and an
// expect-style harness for testing services that speak the line
// protocol.
package tools

import (
	"fmt"
	"sort"

	"github.com/Comcast/loom/core"
)

// SpecAnalysis reports on the structure of a specification.
//
// Compile rejects nets that are structurally broken; this analysis
// points out nets that are structurally suspicious.  A task no token
// can reach isn't an error, but it's probably not what the author
// meant.
type SpecAnalysis struct {
	Nets       int `json:"nets" yaml:"nets"`
	Tasks      int `json:"tasks" yaml:"tasks"`
	Conditions int `json:"conditions" yaml:"conditions"`
	Implicit   int `json:"implicitConditions" yaml:"implicitConditions"`
	Flows      int `json:"flows" yaml:"flows"`
	Predicates int `json:"predicates" yaml:"predicates"`

	AutoTasks      int `json:"autoTasks" yaml:"autoTasks"`
	CompositeTasks int `json:"compositeTasks" yaml:"compositeTasks"`
	MultiInstance  int `json:"multiInstanceTasks" yaml:"multiInstanceTasks"`
	Timers         int `json:"timers" yaml:"timers"`
	CancelSets     int `json:"cancelSets" yaml:"cancelSets"`

	// Unreachable names nodes (as "net/node") that no path from the
	// net's input condition reaches.  Tokens will never get there.
	Unreachable []string `json:"unreachable,omitempty" yaml:"unreachable,omitempty"`

	// DeadEnds names nodes from which the net's output condition
	// cannot be reached.  A token there is stuck for good, and the
	// case will end Discarded at best.
	DeadEnds []string `json:"deadEnds,omitempty" yaml:"deadEnds,omitempty"`

	// UnusedNets names nets that are neither the root nor any
	// composite task's subnet.
	UnusedNets []string `json:"unusedNets,omitempty" yaml:"unusedNets,omitempty"`
}

// Analyze computes a SpecAnalysis.  The specification does not have
// to be compiled first.
func Analyze(s *core.Specification) (*SpecAnalysis, error) {
	a := &SpecAnalysis{
		Nets: len(s.Nets),
	}

	used := map[string]bool{s.Root: true}

	for _, netID := range sortedNets(s) {
		n := s.Nets[netID]
		a.Tasks += len(n.Tasks)
		a.Conditions += len(n.Conditions)
		a.Flows += len(n.Flows)

		for _, c := range n.Conditions {
			if c.Implicit {
				a.Implicit++
			}
		}
		for _, id := range sortedTasks(n) {
			t := n.Tasks[id]
			switch t.Kind {
			case core.Auto:
				a.AutoTasks++
			case core.Composite:
				a.CompositeTasks++
				used[t.Subnet] = true
			}
			if t.IsMI() {
				a.MultiInstance++
			}
			if t.Timer != nil {
				a.Timers++
			}
			if 0 < len(t.CancelSet) {
				a.CancelSets++
			}
		}
		for _, f := range n.Flows {
			if f.Predicate != "" {
				a.Predicates++
			}
		}

		a.analyzeNet(netID, n)
	}

	for _, netID := range sortedNets(s) {
		if !used[netID] {
			a.UnusedNets = append(a.UnusedNets, netID)
		}
	}

	sort.Strings(a.Unreachable)
	sort.Strings(a.DeadEnds)
	return a, nil
}

// analyzeNet runs the reachability checks for one net: forward from
// the input condition, backward from the output condition.  Cancel
// arcs don't move tokens, so they don't count.
func (a *SpecAnalysis) analyzeNet(netID string, n *core.Net) {
	var in, out string
	for id, c := range n.Conditions {
		if c.Input {
			in = id
		}
		if c.Output {
			out = id
		}
	}
	if in == "" || out == "" {
		// Not a runnable net; Compile will say so.
		return
	}

	fwd := make(map[string][]string)
	back := make(map[string][]string)
	for _, f := range n.Flows {
		fwd[f.Source] = append(fwd[f.Source], f.Target)
		back[f.Target] = append(back[f.Target], f.Source)
	}

	reachable := closure(in, fwd)
	coreachable := closure(out, back)

	for _, id := range allNodes(n) {
		if !reachable[id] {
			a.Unreachable = append(a.Unreachable, netID+"/"+id)
		}
		if !coreachable[id] {
			a.DeadEnds = append(a.DeadEnds, netID+"/"+id)
		}
	}
}

func closure(from string, adj map[string][]string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for 0 < len(queue) {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}

func allNodes(n *core.Net) []string {
	acc := make([]string, 0, len(n.Tasks)+len(n.Conditions))
	for id := range n.Tasks {
		acc = append(acc, id)
	}
	for id := range n.Conditions {
		acc = append(acc, id)
	}
	sort.Strings(acc)
	return acc
}

func sortedNets(s *core.Specification) []string {
	acc := make([]string, 0, len(s.Nets))
	for id := range s.Nets {
		acc = append(acc, id)
	}
	sort.Strings(acc)
	return acc
}

func sortedTasks(n *core.Net) []string {
	acc := make([]string, 0, len(n.Tasks))
	for id := range n.Tasks {
		acc = append(acc, id)
	}
	sort.Strings(acc)
	return acc
}

func sortedConditions(n *core.Net) []string {
	acc := make([]string, 0, len(n.Conditions))
	for id := range n.Conditions {
		acc = append(acc, id)
	}
	sort.Strings(acc)
	return acc
}

// Summary is a one-line rendition for log messages and such.
func (a *SpecAnalysis) Summary() string {
	return fmt.Sprintf("%d nets, %d tasks, %d conditions, %d flows (%d warnings)",
		a.Nets, a.Tasks, a.Conditions, a.Flows,
		len(a.Unreachable)+len(a.DeadEnds)+len(a.UnusedNets))
}
