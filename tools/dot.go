package tools

// dot -Tpng g.dot > g.png

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/Comcast/loom/core"

	"gopkg.in/yaml.v2"
)

// Dot writes a Graphviz rendition of the specification: one cluster
// per net, conditions as ellipses, tasks as boxes.
//
// The optional highlight names a task to draw in red, which is handy
// when staring at a case that's stuck somewhere.
func Dot(spec *core.Specification, w io.WriteCloser, highlight string) error {

	log.Printf("rendering %d nets", len(spec.Nets))

	fmt.Fprintf(w, "digraph G {\n")
	fmt.Fprintf(w, `  graph [rankdir=LR,fontsize=10,compound=true]
  node [fontsize=10]
  edge [fontsize=8]
`)

	for _, netID := range sortedNets(spec) {
		n := spec.Nets[netID]

		// Node names are qualified by net so that clusters can't
		// collide.
		name := func(id string) string {
			return escape(netID + "/" + id)
		}

		label := netID
		if netID == spec.Root {
			label += " (root)"
		}
		fmt.Fprintf(w, "  subgraph \"cluster_%s\" {\n", escape(netID))
		fmt.Fprintf(w, "    label=\"%s\"\n", escape(label))

		for _, id := range sortedConditions(n) {
			c := n.Conditions[id]
			switch {
			case c.Implicit:
				fmt.Fprintf(w, "    \"%s\" [shape=\"point\", color=\"gray\"]\n", name(id))
			case c.Input:
				fmt.Fprintf(w, "    \"%s\" [shape=\"ellipse\", style=\"bold\", label=\"%s\"]\n",
					name(id), escape(id))
			case c.Output:
				fmt.Fprintf(w, "    \"%s\" [shape=\"doublecircle\", label=\"%s\"]\n",
					name(id), escape(id))
			default:
				fmt.Fprintf(w, "    \"%s\" [shape=\"ellipse\", label=\"%s\"]\n",
					name(id), escape(id))
			}
		}

		for _, id := range sortedTasks(n) {
			t := n.Tasks[id]
			fillcolor := "#99ddc8"
			switch t.Kind {
			case core.Auto:
				fillcolor = "#52aa5e"
			case core.Composite:
				fillcolor = "#2d93ad"
			}
			color := "black"
			if id == highlight {
				color = "red"
				fillcolor = "#f98b8b"
			}
			fmt.Fprintf(w, "    \"%s\" [shape=\"record\", style=\"rounded,filled\", color=\"%s\", fillcolor=\"%s\", label=\"%s\"]\n",
				name(id), color, fillcolor, escbraces(taskLabel(t, id)))
		}

		for _, f := range n.Flows {
			fmt.Fprintf(w, "    \"%s\" -> \"%s\"%s\n",
				name(f.Source), name(f.Target), flowAttrs(f))
		}

		// Cancel arcs don't move tokens; draw them so they can't
		// be mistaken for flows.
		for _, id := range sortedTasks(n) {
			for _, target := range n.Tasks[id].CancelSet {
				fmt.Fprintf(w, "    \"%s\" -> \"%s\" [style=\"dashed\", color=\"red\", label=\"cancels\"]\n",
					name(id), name(target))
			}
		}

		fmt.Fprintf(w, "  }\n")
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
			fmt.Fprintf(w, "  \"%s\" -> \"%s\" [style=\"dotted\", lhead=\"cluster_%s\"]\n",
				escape(netID+"/"+id), escape(t.Subnet+"/"+in), escape(t.Subnet))
		}
	}

	fmt.Fprintf(w, "}\n")
	return w.Close()
}

// PNG generates a PNG image based on output from Dot.
//
// This function writes two files: basename.dot and basename.png,
// where the basename is the given string.
func PNG(spec *core.Specification, basename string, highlight string) (string, error) {
	dotname := basename + ".dot"
	pngname := basename + ".png"

	dotfile, err := os.Create(dotname)
	if err != nil {
		return pngname, err
	}
	if err := Dot(spec, dotfile, highlight); err != nil {
		return pngname, err
	}
	cmd := "dot -Tpng " + dotname + " > " + pngname
	if err := exec.Command("bash", "-c", cmd).Run(); err != nil {
		return pngname, err
	}
	return pngname, nil
}

func taskLabel(t *core.Task, id string) string {
	label := id
	var notes []string
	if t.Join == core.Xor || t.Join == core.Or {
		notes = append(notes, string(t.Join)+"-join")
	}
	if t.Split == core.Xor || t.Split == core.Or {
		notes = append(notes, string(t.Split)+"-split")
	}
	switch t.Kind {
	case core.Auto:
		notes = append(notes, "auto")
	case core.Composite:
		notes = append(notes, "runs "+t.Subnet)
	}
	if t.IsMI() {
		notes = append(notes, fmt.Sprintf("mi %d..%d/%d", t.MI.Min, t.MI.Max, t.MI.Threshold))
	}
	if tm := t.Timer; tm != nil {
		if tm.Duration != "" {
			notes = append(notes, "timer "+tm.Duration)
		} else {
			notes = append(notes, "cron "+tm.Cron)
		}
	}
	for _, note := range notes {
		label += "\\n" + note
	}
	return label
}

func flowAttrs(f *core.Flow) string {
	var parts []string
	if f.Predicate != "" {
		parts = append(parts, predicateLabel(f))
	}
	if f.Default {
		parts = append(parts, "default")
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf(" [ label=\"%s\" ]", escape(strings.Join(parts, " ")))
}

// predicateLabel renders a flow's predicate for an edge label,
// prefixed with the ordinal that orders the split's deliberations.
// YAML gives long sources a tolerable folded form.
func predicateLabel(f *core.Flow) string {
	bs, err := yaml.Marshal(f.Predicate)
	if err != nil {
		bs = []byte(err.Error())
	}
	label := strings.TrimSpace(string(bs))
	if f.Ordinal != 0 {
		label = fmt.Sprintf("%d. %s", f.Ordinal, label)
	}
	return label
}

func inputConditionOf(n *core.Net) string {
	for id, c := range n.Conditions {
		if c.Input {
			return id
		}
	}
	return ""
}

func escape(s string) string {
	s = strings.Replace(s, `"`, `\"`, -1)
	return strings.Replace(s, "\n", `\n`, -1)
}

func escbraces(s string) string {
	s = strings.Replace(s, "{", "\\{", -1)
	s = strings.Replace(s, "}", "\\}", -1)
	return s
}
