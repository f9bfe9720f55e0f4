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

package tools

import (
	"fmt"
	"io"
	"strings"

	"github.com/Comcast/loom/core"
)

type MermaidOpts struct {
	// ShowPredicates puts each flow's predicate on its edge label.
	ShowPredicates bool `json:"showPredicates"`

	// AutoFill is the fill color for auto tasks.
	AutoFill string `json:"autoFill,omitempty"`

	// CompositeFill is the fill color for composite tasks.
	CompositeFill string `json:"compositeFill,omitempty"`
}

// Mermaid makes a Mermaid (https://mermaidjs.github.io/) input file
// for the given specification.  Conditions render as circles, tasks
// as boxes, and each net gets its own subgraph.
func Mermaid(spec *core.Specification, w io.WriteCloser, opts *MermaidOpts) error {

	if opts == nil {
		opts = &MermaidOpts{
			ShowPredicates: true,
			AutoFill:       "#bcf2db",
			CompositeFill:  "#b3dbe6",
		}
	}

	fmt.Fprintf(w, "graph TB\n")

	nids := make(map[string]string)
	num := 0
	nid := func(netID, id string) string {
		key := netID + "/" + id
		if n, already := nids[key]; already {
			return n
		}
		num++
		n := fmt.Sprintf("n%d", num)
		nids[key] = n
		return n
	}

	for _, netID := range sortedNets(spec) {
		n := spec.Nets[netID]

		fmt.Fprintf(w, "  subgraph %s\n", quoteMermaid(netID))

		for _, id := range sortedConditions(n) {
			c := n.Conditions[id]
			if c.Implicit {
				fmt.Fprintf(w, "    %s(( ))\n", nid(netID, id))
				continue
			}
			fmt.Fprintf(w, "    %s((%s))\n", nid(netID, id), quoteMermaid(id))
		}

		for _, id := range sortedTasks(n) {
			t := n.Tasks[id]
			label := id
			if t.Kind == core.Composite {
				label += " : " + t.Subnet
			}
			fmt.Fprintf(w, "    %s[%s]\n", nid(netID, id), quoteMermaid(label))
			switch t.Kind {
			case core.Auto:
				if opts.AutoFill != "" {
					fmt.Fprintf(w, "    style %s fill:%s\n", nid(netID, id), opts.AutoFill)
				}
			case core.Composite:
				if opts.CompositeFill != "" {
					fmt.Fprintf(w, "    style %s fill:%s\n", nid(netID, id), opts.CompositeFill)
				}
			}
		}

		for _, f := range n.Flows {
			label := ""
			if opts.ShowPredicates && f.Predicate != "" {
				label = fmt.Sprintf("-- %s ", quoteMermaid(predicateLabel(f)))
			} else if f.Default {
				label = "-- \"default\" "
			}
			fmt.Fprintf(w, "    %s %s--> %s\n",
				nid(netID, f.Source), label, nid(netID, f.Target))
		}

		for _, id := range sortedTasks(n) {
			for _, target := range n.Tasks[id].CancelSet {
				fmt.Fprintf(w, "    %s -. cancels .-> %s\n",
					nid(netID, id), nid(netID, target))
			}
		}

		fmt.Fprintf(w, "  end\n")
	}

	// Composite tasks point at the nets they run.
	for _, netID := range sortedNets(spec) {
		n := spec.Nets[netID]
		for _, id := range sortedTasks(n) {
			t := n.Tasks[id]
			if t.Kind != core.Composite {
				continue
			}
			sub, have := spec.Nets[t.Subnet]
			if !have {
				continue
			}
			in := inputConditionOf(sub)
			if in == "" {
				continue
			}
			fmt.Fprintf(w, "  %s -.-> %s\n", nid(netID, id), nid(t.Subnet, in))
		}
	}

	return w.Close()
}

// quoteMermaid quotes a label.  Mermaid has opinions about double
// quotes inside labels, so they become single quotes.
func quoteMermaid(s string) string {
	return `"` + strings.Replace(s, `"`, `'`, -1) + `"`
}
