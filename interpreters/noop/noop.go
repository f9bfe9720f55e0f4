package noop

import (
	"context"
	"log"

	"github.com/Comcast/loom/core"
)

// Interpreter is a core.Interpreter that says yes to everything:
// every predicate is true.  Handy for exercising a net's structure
// without caring about its predicates.  Don't point a dynamic
// instance count at it; true isn't much of a count.
type Interpreter struct {
	// Silent, if false, will suppress warning log messages.
	Silent bool
}

func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

func (i *Interpreter) Compile(ctx context.Context, src string) (interface{}, error) {
	if !i.Silent {
		log.Printf("warning: Using noop Interpreter for compilation")
	}
	return nil, nil
}

func (i *Interpreter) Eval(ctx context.Context, bs core.Bindings, src string, compiled interface{}) (interface{}, error) {
	if !i.Silent {
		log.Printf("warning: Using noop Interpreter for evaluation")
	}
	return true, nil
}
