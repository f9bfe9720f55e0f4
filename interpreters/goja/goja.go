// Package goja evaluates flow predicates and instance counts as
// ECMAScript, using github.com/dop251/goja.
//
// A source string can be a bare expression ("data.total < 1000") or a
// function body with an explicit return.  Compile tries the
// expression reading first and falls back to the body reading, so
// authors don't have to care.
package goja

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/Comcast/loom/core"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"
)

var (
	// InterruptedMessage is the string value of Interrupted.
	InterruptedMessage = "RuntimeError: timeout"

	// Interrupted is returned by Eval if the execution is
	// interrupted (when the given context is canceled).
	Interrupted = errors.New(InterruptedMessage)
)

// init adds an Interpreter to core.DefaultInterpreters, so a
// Specification that doesn't name an interpreter gets this one.
func init() {
	core.DefaultInterpreters["goja"] = NewInterpreter()
}

// Interpreter implements core.Interpreter using Goja, which is a Go
// implementation of ECMAScript 5.1+.
//
// See https://github.com/dop251/goja.
type Interpreter struct {
	// Testing exposes some runtime capabilities (sleep) that
	// nobody should use outside of tests.
	Testing bool
}

// NewInterpreter makes a new Interpreter.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

func wrapExpr(src string) string {
	return fmt.Sprintf("(function() {\nreturn (\n%s\n);\n}());\n", src)
}

func wrapBody(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

// Compile precompiles the source, preferring the bare-expression
// reading.  A multi-statement source won't parse as an expression, so
// we fall back to treating it as a function body; then the source is
// responsible for its own return.
func (i *Interpreter) Compile(ctx context.Context, src string) (interface{}, error) {
	obj, exprErr := goja.Compile("", wrapExpr(src), true)
	if exprErr == nil {
		return obj, nil
	}
	obj, bodyErr := goja.Compile("", wrapBody(src), true)
	if bodyErr == nil {
		return obj, nil
	}
	return nil, errors.New(exprErr.Error() + ": " + src)
}

// Eval runs the (maybe precompiled) source against the given case
// data and returns whatever the source returns.  The result is
// canonicalized through JSON, so numbers come back as float64s.
//
// The data is available two ways: as the top-level variable "data",
// and at "_.data".  The environment at _ also has some utilities:
//
//	gensym(): generate a random string.
//	esc(s): URL query-escape the given string.
//	cronNext(expr): the next occurrence of a cron expression
//	  (RFC3339Nano).
//	log(x): log x as JSON (to the process log, for debugging).
//
// With Testing set, sleep(ms) is also available.
func (i *Interpreter) Eval(ctx context.Context, bs core.Bindings, src string, compiled interface{}) (interface{}, error) {
	if compiled == nil {
		var err error
		if compiled, err = i.Compile(ctx, src); err != nil {
			return nil, err
		}
	}
	p, is := compiled.(*goja.Program)
	if !is {
		return nil, fmt.Errorf("Goja bad compilation: %T %#v", compiled, compiled)
	}

	var data map[string]interface{}
	if bs == nil {
		data = map[string]interface{}{}
	} else {
		data = map[string]interface{}(bs.Copy())
	}

	env := map[string]interface{}{
		"data": data,
	}

	o := goja.New()
	o.Set("_", env)
	o.Set("data", data)

	if i.Testing {
		o.Set("sleep", func(ms int) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		})
	}

	env["gensym"] = func() interface{} {
		return core.Gensym(32)
	}

	env["esc"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		s, is := x.(string)
		if !is {
			panic(o.ToValue("not a string"))
		}
		return url.QueryEscape(s)
	}

	env["cronNext"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		s, is := x.(string)
		if !is {
			panic(o.ToValue("not a string"))
		}
		c, err := cronexpr.Parse(s)
		if err != nil {
			panic(o.ToValue(err.Error()))
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	}

	env["log"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		js, err := json.Marshal(&x)
		if err != nil {
			log.Println("goja.log (can't marshal: " + err.Error() + ")")
		} else {
			log.Println(string(js))
		}
		return x
	}

	// We want to make sure that the following goroutine is
	// terminated as soon as possible.
	ictx, cancel := context.WithCancel(ctx)
	go func() {
		<-ictx.Done()
		// If Eval calls cancel() after RunProgram returns,
		// we'll never see this InterruptedMessage, which is
		// the behavior we want: we weren't actually
		// interrupted.
		o.Interrupt(InterruptedMessage)
	}()

	v, err := o.RunProgram(p)
	cancel()

	if err != nil {
		if _, is := err.(*goja.InterruptedError); is {
			return nil, Interrupted
		}
		return nil, err
	}

	x := v.Export()
	switch vv := x.(type) {
	case goja.Value:
		x = vv.Export()
	}

	// Canonicalize so that a predicate result looks the same as a
	// value that arrived as JSON.
	return core.Canonicalize(x)
}
