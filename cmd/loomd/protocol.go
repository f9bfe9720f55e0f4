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

package main

import (
	"context"
	"fmt"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/engine"

	"github.com/jsccast/yaml"
)

// Op is one operation for the service.  In normal use, exactly one of
// the operation fields should be given.  The response is the same Op
// with Result, Events, and Err filled in.
type Op struct {
	// Oid is an optional client-chosen id, echoed back in the
	// response.  A "transaction" id.
	Oid string `json:"oid,omitempty" yaml:",omitempty"`

	Launch      *LaunchOp  `json:"launch,omitempty" yaml:",omitempty"`
	CheckOut    *ItemOp    `json:"checkout,omitempty" yaml:",omitempty"`
	CheckIn     *CheckInOp `json:"checkin,omitempty" yaml:",omitempty"`
	CancelItem  *ItemOp    `json:"cancelItem,omitempty" yaml:",omitempty"`
	SuspendItem *ItemOp    `json:"suspendItem,omitempty" yaml:",omitempty"`
	ResumeItem  *ItemOp    `json:"resumeItem,omitempty" yaml:",omitempty"`
	SuspendCase *CaseOp    `json:"suspendCase,omitempty" yaml:",omitempty"`
	ResumeCase  *CaseOp    `json:"resumeCase,omitempty" yaml:",omitempty"`
	CancelCase  *CaseOp    `json:"cancelCase,omitempty" yaml:",omitempty"`
	Summary     *CaseOp    `json:"summary,omitempty" yaml:",omitempty"`
	Cases       *CasesOp   `json:"cases,omitempty" yaml:",omitempty"`
	Items       *ItemsOp   `json:"items,omitempty" yaml:",omitempty"`
	Specs       *SpecsOp   `json:"specs,omitempty" yaml:",omitempty"`
	AddSpec     *AddSpecOp `json:"addSpec,omitempty" yaml:",omitempty"`

	// Subscribe and Unsubscribe only work on WebSocket
	// connections, which are the only connections that receive
	// announcements.
	Subscribe   *SubscribeOp   `json:"subscribe,omitempty" yaml:",omitempty"`
	Unsubscribe *UnsubscribeOp `json:"unsubscribe,omitempty" yaml:",omitempty"`

	// Result holds whatever the operation produced.
	Result interface{} `json:"result,omitempty" yaml:",omitempty"`

	// Events holds the engine events the operation caused.
	Events []*core.Event `json:"events,omitempty" yaml:",omitempty"`

	// Error will hold an error (if any) that results from
	// processing this operation.
	Error error `json:"-" yaml:"-"`

	// Err will hold a string representation of an error (if any)
	// that results from processing this operation.
	Err string `json:"err,omitempty" yaml:",omitempty"`
}

type LaunchOp struct {
	SpecID string        `json:"specId" yaml:"specId"`
	Data   core.Bindings `json:"data,omitempty" yaml:",omitempty"`
}

type CaseOp struct {
	CaseID string `json:"caseId" yaml:"caseId"`
}

type ItemOp struct {
	ItemID string `json:"itemId" yaml:"itemId"`
}

type CheckInOp struct {
	ItemID string        `json:"itemId" yaml:"itemId"`
	Data   core.Bindings `json:"data,omitempty" yaml:",omitempty"`
}

type CasesOp struct{}

type SpecsOp struct{}

type ItemsOp struct {
	CaseID string `json:"caseId,omitempty" yaml:",omitempty"`
	TaskID string `json:"taskId,omitempty" yaml:",omitempty"`
	Status string `json:"status,omitempty" yaml:",omitempty"`
	Live   bool   `json:"live,omitempty" yaml:",omitempty"`
}

type AddSpecOp struct {
	// Spec is the specification itself.
	Spec *core.Specification `json:"spec,omitempty" yaml:",omitempty"`

	// Source is YAML for the specification, an alternative to
	// giving the structure in Spec.
	Source string `json:"source,omitempty" yaml:",omitempty"`
}

type SubscribeOp struct {
	// Id names the subscription (for Unsubscribe).  Generated if
	// not given; see the response's Result.
	Id string `json:"id,omitempty" yaml:",omitempty"`

	// Pattern (see the match package) filters events.  Nil means
	// everything.  For example {"kind":"case-completed"} or
	// {"caseId":"?c","kind":"items-enabled"}.
	Pattern interface{} `json:"pattern,omitempty" yaml:",omitempty"`
}

type UnsubscribeOp struct {
	Id string `json:"id" yaml:"id"`
}

// erred is a utility function to return values to assign to operation
// Error and Err fields.
func erred(err error) (error, string) {
	if err == nil {
		return nil, ""
	}
	return err, err.Error()
}

func (o *Op) Do(ctx context.Context, s *Service) error {
	var err error

	switch {
	case o.Launch != nil:
		var caseID string
		if caseID, err = s.eng.LaunchCase(ctx, o.Launch.SpecID, o.Launch.Data); err == nil {
			o.Result = map[string]interface{}{"caseId": caseID}
		}
	case o.CheckOut != nil:
		o.Events, err = s.eng.CheckOut(ctx, o.CheckOut.ItemID)
	case o.CheckIn != nil:
		o.Events, err = s.eng.CheckIn(ctx, o.CheckIn.ItemID, o.CheckIn.Data)
	case o.CancelItem != nil:
		o.Events, err = s.eng.CancelWorkItem(ctx, o.CancelItem.ItemID)
	case o.SuspendItem != nil:
		o.Events, err = s.eng.SuspendWorkItem(ctx, o.SuspendItem.ItemID)
	case o.ResumeItem != nil:
		o.Events, err = s.eng.ResumeWorkItem(ctx, o.ResumeItem.ItemID)
	case o.SuspendCase != nil:
		o.Events, err = s.eng.SuspendCase(ctx, o.SuspendCase.CaseID)
	case o.ResumeCase != nil:
		o.Events, err = s.eng.ResumeCase(ctx, o.ResumeCase.CaseID)
	case o.CancelCase != nil:
		o.Events, err = s.eng.CancelCase(ctx, o.CancelCase.CaseID)
	case o.Summary != nil:
		o.Result, err = s.eng.CaseSummary(o.Summary.CaseID)
	case o.Cases != nil:
		o.Result = s.eng.ListCases()
	case o.Items != nil:
		o.Result = s.eng.ListWorkItems(engine.ItemFilter{
			CaseID: o.Items.CaseID,
			TaskID: o.Items.TaskID,
			Status: core.ItemStatus(o.Items.Status),
			Live:   o.Items.Live,
		})
	case o.Specs != nil:
		o.Result = s.eng.ListSpecifications()
	case o.AddSpec != nil:
		var spec *core.Specification
		if spec, err = o.AddSpec.spec(); err == nil {
			if err = s.eng.AddSpecification(ctx, spec); err == nil {
				o.Result = map[string]interface{}{"specId": spec.ID}
			}
		}
	case o.Subscribe != nil, o.Unsubscribe != nil:
		// The WebSocket reader handles these before Do.
		err = fmt.Errorf("subscriptions only work on a websocket connection")
	default:
		err = fmt.Errorf("empty operation")
	}

	o.Error, o.Err = erred(err)

	return o.Error
}

func (o *AddSpecOp) spec() (*core.Specification, error) {
	if o.Spec != nil {
		return o.Spec, nil
	}
	if o.Source == "" {
		return nil, fmt.Errorf("addSpec wants a spec or source")
	}
	var spec core.Specification
	if err := yaml.Unmarshal([]byte(o.Source), &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
