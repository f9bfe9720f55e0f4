/* Copyright 2018 Comcast Cable Communications Management, LLC
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

// Package main is a command-line case debugger in the spirit of gdb.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/engine"
	"github.com/Comcast/loom/interpreters"
	"github.com/Comcast/loom/persist"
	"github.com/Comcast/loom/persist/bolt"
	"github.com/Comcast/loom/persist/mem"
	"github.com/Comcast/loom/tools"
	. "github.com/Comcast/loom/util/testutil"

	"github.com/jsccast/yaml"
	"go.uber.org/zap"
)

type Opts struct {
	specDir string
	dbFile  string
	echo    bool
}

func main() {

	opts := &Opts{}
	flag.StringVar(&opts.specDir, "s", "specs", "spec directory")
	flag.StringVar(&opts.dbFile, "d", "", "bolt database file (empty for in-memory)")
	flag.BoolVar(&opts.echo, "e", false, "echo input")
	flag.Parse()

	if err := opts.run(); err != nil {
		panic(err)
	}
}

func (opts *Opts) run() error {

	in := os.Stdin
	w := os.Stdout

	ctx := context.Background()

	var storage persist.Adapter
	if opts.dbFile == "" {
		// Event-sourced so the events command has a log to read.
		storage = mem.NewMem(persist.EventSourced)
	} else {
		s := bolt.New(opts.dbFile, zap.NewNop())
		if err := s.Open(); err != nil {
			return err
		}
		storage = s
	}

	eng := engine.New(storage, interpreters.Standard(), zap.NewNop())
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := eng.Shutdown(sctx); err != nil {
			fmt.Fprintf(w, "# error: shutdown: %s\n", err)
		}
	}()

	var (
		loadSpec = regexp.MustCompile("^spec +(.+)")

		specs = regexp.MustCompile("^specs")

		launch = regexp.MustCompile("^launch +([-a-zA-Z0-9_]+)( +(.*))?$")

		cases = regexp.MustCompile("^cases")

		summary = regexp.MustCompile("^summary +([-a-zA-Z0-9_.]+)")

		items = regexp.MustCompile("^items( +([-a-zA-Z0-9_.]+))?")

		checkout = regexp.MustCompile("^checkout +([-a-zA-Z0-9_.:]+)")

		checkin = regexp.MustCompile("^checkin +([-a-zA-Z0-9_.:]+)( +(.*))?$")

		work = regexp.MustCompile("^work +([-a-zA-Z0-9_.:]+)( +(.*))?$")

		suspend = regexp.MustCompile("^suspend +([-a-zA-Z0-9_.:]+)")

		resume = regexp.MustCompile("^resume +([-a-zA-Z0-9_.:]+)")

		cancel = regexp.MustCompile("^cancel +([-a-zA-Z0-9_.:]+)")

		events = regexp.MustCompile("^events +([-a-zA-Z0-9_.]+)")

		recover = regexp.MustCompile("^recover")

		help = regexp.MustCompile("^(help|h|\\?)")

		debug = regexp.MustCompile("^debug(ging)? (on|off)")

		outputPrefix = "# "

		debugging = false

		say = func(format string, args ...interface{}) {

			fmt.Fprintf(w, outputPrefix+format+"\n", args...)
		}

		protest = func(format string, args ...interface{}) {
			say("error: "+format, args...)
		}

		render = func(evs []*core.Event) {
			for _, ev := range evs {
				switch {
				case 0 < len(ev.Items):
					ids := make([]string, len(ev.Items))
					for i, it := range ev.Items {
						ids[i] = it.ID
					}
					say("%04d %s %s", ev.Seq, ev.Kind, strings.Join(ids, " "))
				case ev.ItemID != "":
					say("%04d %s %s", ev.Seq, ev.Kind, ev.ItemID)
				case ev.TaskID != "":
					say("%04d %s %s", ev.Seq, ev.Kind, ev.TaskID)
				default:
					say("%04d %s %s", ev.Seq, ev.Kind, ev.CaseID)
				}
			}
			if debugging {
				js, _ := json.MarshalIndent(evs, "  ", "  ")
				fmt.Println(string(js))
			}
		}
	)

	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)

		if opts.echo {
			fmt.Println(line)
		}

		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue
		}

		var ss []string

		if ss = help.FindStringSubmatch(line); 0 < len(ss) {
			for _, s := range strings.Split(doc(), "\n") {
				say("%s", s)
			}
			continue
		}
		if ss = loadSpec.FindStringSubmatch(line); 0 < len(ss) {
			filename := ss[1]
			spec, err := readSpec(opts.specDir + "/" + filename)
			if err != nil {
				protest("couldn't load spec %s: %s", filename, err)
				continue
			}
			if err = eng.AddSpecification(ctx, spec); err != nil {
				protest("couldn't add spec %s: %s", filename, err)
				continue
			}
			say("added specification '%s'", spec.ID)
			continue
		}
		if ss = specs.FindStringSubmatch(line); 0 < len(ss) {
			for _, id := range eng.ListSpecifications() {
				say("%s", id)
			}
			continue
		}
		if ss = launch.FindStringSubmatch(line); 0 < len(ss) {
			specID := ss[1]
			data := core.Bindings{}
			if ss[3] != "" {
				if err = json.Unmarshal([]byte(ss[3]), &data); err != nil {
					protest("couldn't parse data %s", ss[3])
					continue
				}
			}
			cid, err := eng.LaunchCase(ctx, specID, data)
			if err != nil {
				protest("launch failed: %s", err)
				continue
			}
			say("launched case %s", cid)
			line = "items " + cid
			// Fall through!
		}
		if ss = items.FindStringSubmatch(line); 0 < len(ss) {
			listed := eng.ListWorkItems(engine.ItemFilter{
				CaseID: ss[2],
				Live:   true,
			})
			if len(listed) == 0 {
				say("no live work items")
				continue
			}
			for _, it := range listed {
				if it.Deadline != "" {
					say("%s %s (deadline %s)", it.ID, it.Status, it.Deadline)
					continue
				}
				say("%s %s", it.ID, it.Status)
			}
			continue
		}
		if ss = cases.FindStringSubmatch(line); 0 < len(ss) {
			for _, c := range eng.ListCases() {
				say("%s %s %s (%d live)", c.CaseID, c.SpecID, c.Status, c.Live)
			}
			continue
		}
		if ss = summary.FindStringSubmatch(line); 0 < len(ss) {
			c, err := eng.CaseSummary(ss[1])
			if err != nil {
				protest("%s", err)
				continue
			}
			say("  case:    %s", c.CaseID)
			say("  spec:    %s", c.SpecID)
			say("  status:  %s", c.Status)
			say("  seq:     %d", c.Seq)
			say("  live:    %d", c.Live)
			say("  tokens:  %s", JS(c.Tokens))
			say("  data:    %s", JS(c.Data))
			continue
		}
		if ss = checkout.FindStringSubmatch(line); 0 < len(ss) {
			evs, err := eng.CheckOut(ctx, ss[1])
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}
		if ss = work.FindStringSubmatch(line); 0 < len(ss) {
			if _, err = eng.CheckOut(ctx, ss[1]); err != nil {
				protest("checkout: %s", err)
				continue
			}
			line = "checkin " + ss[1]
			if ss[3] != "" {
				line += " " + ss[3]
			}
			// Fall through!
		}
		if ss = checkin.FindStringSubmatch(line); 0 < len(ss) {
			data := core.Bindings{}
			if ss[3] != "" {
				if err = json.Unmarshal([]byte(ss[3]), &data); err != nil {
					protest("couldn't parse data %s", ss[3])
					continue
				}
			}
			evs, err := eng.CheckIn(ctx, ss[1], data)
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}

		// Work item ids contain a colon; case ids never do.

		if ss = suspend.FindStringSubmatch(line); 0 < len(ss) {
			id := ss[1]
			var evs []*core.Event
			if strings.Contains(id, ":") {
				evs, err = eng.SuspendWorkItem(ctx, id)
			} else {
				evs, err = eng.SuspendCase(ctx, id)
			}
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}
		if ss = resume.FindStringSubmatch(line); 0 < len(ss) {
			id := ss[1]
			var evs []*core.Event
			if strings.Contains(id, ":") {
				evs, err = eng.ResumeWorkItem(ctx, id)
			} else {
				evs, err = eng.ResumeCase(ctx, id)
			}
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}
		if ss = cancel.FindStringSubmatch(line); 0 < len(ss) {
			id := ss[1]
			var evs []*core.Event
			if strings.Contains(id, ":") {
				evs, err = eng.CancelWorkItem(ctx, id)
			} else {
				evs, err = eng.CancelCase(ctx, id)
			}
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}
		if ss = events.FindStringSubmatch(line); 0 < len(ss) {
			evs, err := storage.LoadEvents(ctx, ss[1])
			if err != nil {
				protest("%s", err)
				continue
			}
			render(evs)
			continue
		}
		if ss = recover.FindStringSubmatch(line); 0 < len(ss) {
			n, err := eng.Recover(ctx)
			if err != nil {
				protest("%s", err)
				continue
			}
			say("recovered %d cases", n)
			continue
		}
		if ss = debug.FindStringSubmatch(line); 0 < len(ss) {
			switch ss[2] {
			case "on":
				debugging = true
				say("debugging")
			case "off":
				debugging = false
				say("not debugging")
			}
			continue
		}

		protest("unsupported command: %s", line)
	}
}

func readSpec(filename string) (*core.Specification, error) {
	specSrc, err := tools.ReadFileWithInlines(filename)
	if err != nil {
		return nil, err
	}
	if len(specSrc) == 0 {
		return nil, fmt.Errorf("empty spec")
	}
	var spec core.Specification
	if err = yaml.Unmarshal(specSrc, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func doc() string {
	return `
  spec FILENAME            Add the specification in specDir/FILENAME
  specs                    List the known specifications
  launch SPECID [DATA]     Launch a case, with optional JSON data
  cases                    List the known cases
  summary ID               Print a summary of the case with that ID
  items [ID]               List live work items, optionally for one case
  checkout ITEM            Check out the work item with that ID
  checkin ITEM [DATA]      Check the work item back in, with optional JSON data
  work ITEM [DATA]         Check out and immediately check back in
  suspend ID               Suspend the case or work item with that ID
  resume ID                Resume the case or work item with that ID
  cancel ID                Cancel the case or work item with that ID
  events ID                Print the event history of the case with that ID
  recover                  Reload active cases from storage
  debug on/off             When debugging, show full event JSON
  help                     Show this documentation
`
}
