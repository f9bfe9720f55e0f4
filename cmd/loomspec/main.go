package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/interpreters"
	"github.com/Comcast/loom/tools"

	"github.com/jsccast/yaml"
)

// loomspec works with specification files outside a running engine:
//
//   loomspec validate [FILENAME]    compile and report warnings
//   loomspec summary [FILENAME]     structural analysis as JSON
//   loomspec dot [-highlight TASK] [FILENAME]
//   loomspec mermaid [FILENAME]
//   loomspec html [-graph] [FILENAME]
//   loomspec yamltojson [-p]
//   loomspec jsontoyaml
//
// A subcommand with no FILENAME reads the specification from stdin.
// Files are read with tools.Inline()ing.

func main() {

	if len(os.Args) < 2 {
		Usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "validate":
		spec := readSpec(args)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := spec.Compile(ctx, interpreters.Standard()); err != nil {
			fail(err)
		}

		a, err := tools.Analyze(spec)
		if err != nil {
			fail(err)
		}

		fmt.Printf("%s: ok: %s\n", spec.ID, a.Summary())
		for _, id := range a.Unreachable {
			fmt.Printf("warning: unreachable: %s\n", id)
		}
		for _, id := range a.DeadEnds {
			fmt.Printf("warning: dead end: %s\n", id)
		}
		for _, id := range a.UnusedNets {
			fmt.Printf("warning: unused net: %s\n", id)
		}

	case "summary":
		a, err := tools.Analyze(readSpec(args))
		if err != nil {
			fail(err)
		}
		js, err := json.MarshalIndent(&a, "", "  ")
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s\n", js)

	case "dot":
		fs := flag.NewFlagSet("dot", flag.ExitOnError)
		highlight := fs.String("highlight", "", "task to highlight")
		if err := fs.Parse(args); err != nil {
			fail(err)
		}
		if err := tools.Dot(readSpec(fs.Args()), os.Stdout, *highlight); err != nil {
			fail(err)
		}

	case "mermaid":
		if err := tools.Mermaid(readSpec(args), os.Stdout, nil); err != nil {
			fail(err)
		}

	case "html":
		fs := flag.NewFlagSet("html", flag.ExitOnError)
		graph := fs.Bool("graph", true, "include the interactive graph")
		if err := fs.Parse(args); err != nil {
			fail(err)
		}
		spec := readSpec(fs.Args())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Compile so structural garbage gets reported rather than
		// rendered.
		if err := spec.Compile(ctx, interpreters.Standard()); err != nil {
			fail(err)
		}
		if err := tools.RenderSpecPage(spec, os.Stdout, nil, *graph); err != nil {
			fail(err)
		}

	case "yamltojson":
		pretty := false
		switch len(args) {
		case 0:
		case 1:
			if args[0] != "-p" {
				fail(fmt.Errorf("unsupported args: %v", args))
			}
			pretty = true
		default:
			fail(fmt.Errorf("unsupported args: %v", args))
		}

		spec := readSpec(nil)

		var js []byte
		var err error
		if pretty {
			js, err = json.MarshalIndent(spec, "", "  ")
		} else {
			js, err = json.Marshal(spec)
		}
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s\n", js)

	case "jsontoyaml":
		bs, err := tools.ReadAllWithInlines(os.Stdin, ".")
		if err != nil {
			fail(err)
		}

		var spec core.Specification
		if err = json.Unmarshal(bs, &spec); err != nil {
			fail(err)
		}

		if bs, err = yaml.Marshal(&spec); err != nil {
			fail(err)
		}
		fmt.Printf("%s", bs)

	default:
		fmt.Printf("unknown subcommand %q\n", cmd)
		Usage()
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// readSpec reads the specification from the first argument (a
// filename) or, with no arguments, from stdin.
func readSpec(args []string) *core.Specification {
	var bs []byte
	var err error
	if 0 < len(args) {
		bs, err = tools.ReadFileWithInlines(args[0])
	} else {
		bs, err = tools.ReadAllWithInlines(os.Stdin, ".")
	}
	if err != nil {
		fail(err)
	}

	var spec core.Specification
	if err = yaml.Unmarshal(bs, &spec); err != nil {
		fail(err)
	}
	return &spec
}

func Usage() {
	fmt.Printf("Subcommands:\n\n")
	fmt.Printf("  validate [FILENAME]               compile and report warnings\n")
	fmt.Printf("  summary [FILENAME]                structural analysis as JSON\n")
	fmt.Printf("  dot [-highlight TASK] [FILENAME]  Graphviz rendition\n")
	fmt.Printf("  mermaid [FILENAME]                Mermaid rendition\n")
	fmt.Printf("  html [-graph] [FILENAME]          HTML documentation page\n")
	fmt.Printf("  yamltojson [-p]                   convert a spec on stdin\n")
	fmt.Printf("  jsontoyaml                        convert a spec on stdin\n\n")
	fmt.Printf("With no FILENAME, the specification is read from stdin.\n")
}
