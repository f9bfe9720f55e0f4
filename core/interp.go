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

package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// InterpreterNotFound occurs when a Specification that has
	// predicates is Compile()d and the required interpreter isn't
	// in the given map of interpreters.
	InterpreterNotFound = errors.New("interpreter not found")

	// DefaultInterpreters will be used by Specification.Compile
	// if given nil interpreters.
	DefaultInterpreters = make(map[string]Interpreter)
)

// Interpreter can compile and evaluate code for flow predicates and
// for dynamic instance counts.
//
// An evaluation gets the case data and returns a value.  It should
// not block, and it should not have side effects.  A predicate must
// return a boolean; a count source must return a number.
type Interpreter interface {
	// Compile can make something that helps when Eval()ing the
	// code later.
	Compile(ctx context.Context, src string) (interface{}, error)

	// Eval evaluates the code against the given Bindings.  The
	// result of a previous Compile() might be provided.
	Eval(ctx context.Context, bs Bindings, src string, compiled interface{}) (interface{}, error)
}

// predicate is a compiled flow predicate (or count source): the
// source, its compilation, and the Interpreter that will run it.
type predicate struct {
	src      string
	compiled interface{}
	interp   Interpreter
}

func compilePredicate(ctx context.Context, interpreters map[string]Interpreter, name, src string) (*predicate, error) {
	if interpreters == nil {
		interpreters = DefaultInterpreters
	}
	interp, have := interpreters[name]
	if !have {
		return nil, InterpreterNotFound
	}
	compiled, err := interp.Compile(ctx, src)
	if err != nil {
		return nil, err
	}
	return &predicate{
		src:      src,
		compiled: compiled,
		interp:   interp,
	}, nil
}

// bool evaluates the predicate and insists on a boolean result.
func (p *predicate) bool(ctx context.Context, bs Bindings) (bool, error) {
	x, err := p.interp.Eval(ctx, bs, p.src, p.compiled)
	if err != nil {
		return false, err
	}
	b, is := x.(bool)
	if !is {
		return false, fmt.Errorf("predicate returned %#v (%T), not a bool", x, x)
	}
	return b, nil
}

// count evaluates the source and insists on a number, which is
// returned as an int.
//
// Interpreters that canonicalize through JSON will hand us a
// float64, so we accept that (and a few other numeric types) here.
func (p *predicate) count(ctx context.Context, bs Bindings) (int, error) {
	x, err := p.interp.Eval(ctx, bs, p.src, p.compiled)
	if err != nil {
		return 0, err
	}
	switch n := x.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("count source returned %#v (%T), not a number", x, x)
	}
}
