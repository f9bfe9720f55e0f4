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

// Package core provides the core gear for workflow net execution: a
// Specification describes tasks, conditions, and the flows between
// them, and a Runner advances one case of that specification by
// moving tokens around.
//
// The primary types are Spec(ification) and Runner.  A Specification
// is a set of Nets.  A Net is a Petri net with some conveniences:
// tasks declare join and split behavior (and, xor, or), a task can
// cancel a region of the net when it completes, a task can run as
// multiple concurrent instances with a completion threshold, and a
// task can be composite, which means that doing the task means
// running a whole subnet.
//
// A Specification should be Compile()d before use.  Compilation
// checks the structure (much better to hear about a bad net before
// launching cases against it), inserts the implicit conditions that
// sit between directly connected tasks, and precomputes what the
// or-join enabling rule needs at runtime.
//
// A Runner holds the Marking (where the tokens are), the live
// WorkItems (what an external actor could do right now), the case
// data (Bindings), and child Runners for composite tasks in flight.
// A Runner does not do any IO, and it does not lock anything.  Every
// mutation is expressed as Events, which the Runner builds and then
// applies to itself.  Replaying those Events against a fresh Runner
// reproduces the state exactly, which is what the event-sourced
// persistence mode does.  Callers (see the engine package) are
// responsible for serializing access to a Runner.
//
// Flow predicates and dynamic instance counts can be written in
// arbitrary code.  When a Specification is Compiled, the compiler
// looks for predicate sources, each of which is handed to an
// Interpreter.  An Interpreter should know how to Compile and Eval
// such source.  Predicates should not block or perform any IO; they
// get the case data and return a value, and that's all.
package core
