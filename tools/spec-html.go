package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/interpreters"
	"github.com/jsccast/yaml"

	md "github.com/russross/blackfriday/v2"
)

// RenderSpecHTML writes an HTML fragment documenting the
// specification: docs rendered from Markdown, then a table per net.
func RenderSpecHTML(s *core.Specification, out io.Writer) error {
	f := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	if s.Doc != "" {
		f(`<div class="specDoc doc">%s</div>`, md.Run([]byte(s.Doc)))
	}

	for _, netID := range sortedNets(s) {
		n := s.Nets[netID]

		heading := netID
		if netID == s.Root {
			heading += " (root)"
		}
		f(`<div class="net"><h2 id="net-%s">%s</h2>`, netID, heading)
		if n.Doc != "" {
			f(`<div class="netDoc doc">%s</div>`, md.Run([]byte(n.Doc)))
		}

		f(`<table class="tasks">`)
		for _, id := range sortedTasks(n) {
			t := n.Tasks[id]
			f(`<tr class="task"><td><span id="task-%s-%s" class="taskName">%s</span></td><td>`, netID, id, id)
			if t.Doc != "" {
				f(`<div class="taskDoc doc">%s</div>`, md.Run([]byte(t.Doc)))
			}
			f(`<table>`)
			if t.Join != "" && t.Join != core.And {
				f(`<tr><td>join</td><td><code>%s</code></td></tr>`, t.Join)
			}
			if t.Split != "" && t.Split != core.And {
				f(`<tr><td>split</td><td><code>%s</code></td></tr>`, t.Split)
			}
			if t.Kind != "" && t.Kind != core.Atomic {
				f(`<tr><td>kind</td><td><code>%s</code></td></tr>`, t.Kind)
			}
			if t.Subnet != "" {
				f(`<tr><td>subnet</td><td><a href="#net-%s"><code>%s</code></a></td></tr>`, t.Subnet, t.Subnet)
			}
			if t.IsMI() {
				f(`<tr><td>instances</td><td><code>%s</code> %d..%d, threshold %d</td></tr>`,
					t.MI.Mode, t.MI.Min, t.MI.Max, t.MI.Threshold)
				if t.MI.Count != "" {
					f(`<tr><td>count</td><td><div class="code"><pre>%s</pre></div></td></tr>`, t.MI.Count)
				}
			}
			if tm := t.Timer; tm != nil {
				if tm.Duration != "" {
					f(`<tr><td>timer</td><td><code>%s</code></td></tr>`, tm.Duration)
				} else {
					f(`<tr><td>cron</td><td><code>%s</code></td></tr>`, tm.Cron)
				}
			}
			if 0 < len(t.CancelSet) {
				f(`<tr><td>cancels</td><td>`)
				for _, target := range t.CancelSet {
					f(`<code>%s</code>`, target)
				}
				f(`</td></tr>`)
			}
			for i, fl := range n.Flows {
				if fl.Source != id {
					continue
				}
				f(`<tr><td>flow %d</td><td>&rarr; <code>%s</code>`, i, fl.Target)
				if fl.Predicate != "" {
					f(` when <div class="code"><pre>%s</pre></div>`, fl.Predicate)
				}
				if fl.Default {
					f(` <span class="default">(default)</span>`)
				}
				f(`</td></tr>`)
			}
			f(`</table>`)
			f(`</td></tr>`)
		}
		f(`</table>`)

		f(`<div class="conditions">`)
		for _, id := range sortedConditions(n) {
			c := n.Conditions[id]
			if c.Implicit {
				continue
			}
			mark := ""
			if c.Input {
				mark = " (input)"
			}
			if c.Output {
				mark = " (output)"
			}
			f(`<div class="condition"><code>%s</code>%s`, id, mark)
			if c.Doc != "" {
				f(`<div class="conditionDoc doc">%s</div>`, md.Run([]byte(c.Doc)))
			}
			f(`</div>`)
		}
		f(`</div>`)

		f(`</div>`)
	}

	return nil
}

// RenderSpecPage writes a complete HTML page for the specification.
func RenderSpecPage(s *core.Specification, out io.Writer, cssFiles []string, includeGraph bool) error {

	if cssFiles == nil {
		cssFiles = []string{"/static/spec-html.css"}
	}

	js, err := json.Marshal(s)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, `<!DOCTYPE html>
<meta charset="utf-8">
<html>
  <head>
  <title>%s</title>
`, s.ID)

	if includeGraph {
		fmt.Fprintf(out, `
  <script src="https://cdnjs.cloudflare.com/ajax/libs/d3/4.12.2/d3.min.js"></script>
  <script src="https://cdnjs.cloudflare.com/ajax/libs/cytoscape/3.2.8/cytoscape.min.js"></script>
  <script src="/static/spec-html.js"></script>
  <script>
  var thisSpec = %s;
  </script>
`, js)
	}

	for _, cssFile := range cssFiles {
		fmt.Fprintf(out, "  <link href=\"%s\" rel=\"stylesheet\">\n", cssFile)
	}

	fmt.Fprintf(out, `
  </head>
  <body>
    <h1>%s</h1>
`, s.ID)

	if includeGraph {
		fmt.Fprintf(out, `<div id="graph"></div>`)
	}

	if err = RenderSpecHTML(s, out); err != nil {
		return err
	}

	fmt.Fprintf(out, `
  </body>
</html>
`)

	return nil
}

// ReadAndRenderSpecPage reads a specification from a YAML file,
// compiles it (so structural garbage gets reported rather than
// rendered), and writes the HTML page.
func ReadAndRenderSpecPage(filename string, cssFiles []string, out io.Writer, includeGraph bool) error {
	specSrc, err := ReadFileWithInlines(filename)
	if err != nil {
		return err
	}
	var spec core.Specification
	if err = yaml.Unmarshal(specSrc, &spec); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = spec.Compile(ctx, interpreters.Standard()); err != nil {
		return err
	}

	return RenderSpecPage(&spec, out, cssFiles, includeGraph)
}
