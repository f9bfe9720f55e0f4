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

package engine

import (
	"context"
	"fmt"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"

	"go.uber.org/zap"
)

// Recover makes every non-terminal case in storage resident again
// and re-arms its deadline timers.  Deadlines that passed while the
// engine was down fire immediately.
//
// A case that won't reload (usually because its specification hasn't
// been added yet) is logged and skipped, not fatal: add the
// specification and call Recover again.  Recover returns the number
// of cases it brought back.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if err := e.alive(); err != nil {
		return 0, err
	}
	ids, err := e.storage.ActiveCases(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, caseID := range ids {
		if _, have := e.cases.Load(caseID); have {
			continue
		}
		r, err := e.reload(ctx, caseID)
		if err != nil {
			e.logger.Error("case recovery failed",
				zap.String("caseId", caseID),
				zap.Error(err))
			continue
		}
		entry := &caseEntry{runner: r}
		entry.publish()
		e.cases.Store(caseID, entry)
		e.rearm(caseID)
		n++
		e.logger.Info("case recovered",
			zap.String("caseId", caseID),
			zap.String("status", string(r.Status)),
			zap.Int64("seq", r.Seq()))
	}
	return n, nil
}

// reload rebuilds one case's runner from storage.  A transactional
// adapter hands back the snapshot; an event-sourced adapter hands
// back the log, and the launch event (always first) names the
// specification to replay it against.
func (e *Engine) reload(ctx context.Context, caseID string) (*core.Runner, error) {
	switch e.storage.Mode() {
	case persist.EventSourced:
		evs, err := e.storage.LoadEvents(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if len(evs) == 0 {
			return nil, fmt.Errorf("case %q has an empty event log", caseID)
		}
		specID := evs[0].SpecID
		if specID == "" {
			return nil, fmt.Errorf("case %q log doesn't name a specification", caseID)
		}
		spec, err := e.Specification(specID)
		if err != nil {
			return nil, err
		}
		r, err := core.NewRunner(spec, caseID)
		if err != nil {
			return nil, err
		}
		if err := r.Replay(evs); err != nil {
			return nil, err
		}
		return r, nil
	default:
		st, err := e.storage.LoadCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		spec, err := e.Specification(st.SpecID)
		if err != nil {
			return nil, err
		}
		return core.RestoreRunner(spec, st)
	}
}
