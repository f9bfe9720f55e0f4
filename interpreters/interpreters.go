package interpreters

import (
	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/interpreters/goja"
	"github.com/Comcast/loom/interpreters/noop"
)

// Standard returns the interpreters a well-equipped engine should
// have.
func Standard() map[string]core.Interpreter {
	is := make(map[string]core.Interpreter)

	js := goja.NewInterpreter()
	is["goja"] = js
	is["ecmascript"] = js
	is["ecmascript-5.1"] = js

	is["noop"] = noop.NewInterpreter()

	return is
}
