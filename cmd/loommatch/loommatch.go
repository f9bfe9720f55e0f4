/* Copyright 2018-2019 Comcast Cable Communications Management, LLC
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

// Package main is a little command-line utility to invoke pattern matching.
//
//   loommatch -p '{"kind":"items-enabled","caseId":"?c"}' -m '{"kind":"items-enabled","caseId":"c1"}' -w '[{"?c":"c1"}]'
//
// Handy for working out event subscription patterns before giving
// them to loomd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"reflect"
	"runtime"
	"time"

	"github.com/Comcast/loom/match"
	. "github.com/Comcast/loom/util/testutil"
)

func main() {
	var (
		messageJS  = flag.String("m", "", "message in JSON")
		patternJS  = flag.String("p", "", "pattern in JSON")
		bindingsJS = flag.String("b", "{}", "bindings in JSON")
		wantJS     = flag.String("w", "", "wanted bindings in JSON")

		bench = flag.Int("bench", 0, "number of times to run (and report time)")

		verbose = flag.Bool("v", false, "verbosity")

		message  interface{}
		pattern  interface{}
		want     []match.Bindings
		wanted   bool
		bindings match.Bindings
	)

	flag.Parse()

	parse := func(js string, x interface{}) {
		if js == "" {
			return
		}
		if err := json.Unmarshal([]byte(js), x); err != nil {
			panic(err)
		}
	}

	parse(*messageJS, &message)
	parse(*patternJS, &pattern)
	parse(*bindingsJS, &bindings)

	if *wantJS != "" {
		parse(*wantJS, &want)
		wanted = true
	}

	if 0 < *bench {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		allocs := stats.TotalAlloc
		then := time.Now()
		for i := 0; i < *bench; i++ {
			if _, err := match.Match(pattern, message, bindings); err != nil {
				panic(err)
			}
		}
		elapsed := time.Since(then)
		meanNanos := elapsed.Nanoseconds() / int64(*bench)

		runtime.ReadMemStats(&stats)
		allocated := (stats.TotalAlloc - allocs) / uint64(*bench)

		log.Printf("%d iterations, %d mean ns/Match, %d mean bytes allocated per Match", *bench, meanNanos, allocated)
	}

	bss, err := match.Match(pattern, message, bindings)
	if err != nil {
		panic(err)
	}

	if wanted {
		// Every wanted Bindings has to appear in what we got.
	WANTED:
		for _, wantedBs := range want {
			for _, haveBs := range bss {
				if equal(wantedBs, haveBs, *verbose) {
					continue WANTED
				}
			}
			fmt.Printf("false\n")
			return
		}
		fmt.Printf("true\n")
		return
	}

	js, err := json.Marshal(&bss)
	if err != nil {
		panic(err)
	}

	fmt.Printf("%s\n", js)
}

func equal(x, y match.Bindings, verbose bool) bool {
	return subset(x, y, verbose) && subset(y, x, verbose)
}

// subset tries to check that Bindings x is a subset of Bindings y.
//
// Uses reflect.DeepEqual to do the hard work.
func subset(x, y match.Bindings, verbose bool) bool {
	for p, bx := range x {
		by, have := y[p]
		if !have {
			return false
		}
		if !reflect.DeepEqual(bx, by) {
			if verbose {
				fmt.Printf("disagreement at %s: %s != %s\n", p, JS(bx), JS(by))
			}
			return false
		}
	}
	return true
}
