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

package core

import "fmt"

// CaseState is a Runner reduced to plain data for storage: the case,
// its items, and its subcases, with nothing that can be recomputed
// from the Specification.  Snapshot makes one; RestoreRunner brings
// it back to life.
type CaseState struct {
	CaseID string `json:"caseId"`
	SpecID string `json:"specId"`
	NetID  string `json:"netId"`

	Status CaseStatus `json:"status"`

	// Seq is the last applied event sequence number.  Only the
	// root's matters.
	Seq int64 `json:"seq"`

	NextInstance int    `json:"nextInstance"`
	ParentItem   string `json:"parentItem,omitempty"`

	Marking *Marking `json:"marking"`
	Data    Bindings `json:"data,omitempty"`

	// Items carries every work item, terminal ones included, in
	// id order.
	Items []*WorkItem `json:"items,omitempty"`

	// Children are the subcases in flight, in id order.
	Children []*CaseState `json:"children,omitempty"`
}

// Snapshot reduces the runner tree to a CaseState.
func (r *Runner) Snapshot() *CaseState {
	st := &CaseState{
		CaseID:       r.CaseID,
		SpecID:       r.Spec.ID,
		NetID:        r.Net.ID,
		Status:       r.Status,
		Seq:          r.seq,
		NextInstance: r.nextInstance,
		ParentItem:   r.parentItem,
		Marking:      r.Marking.Copy(),
		Data:         r.Data.Copy(),
	}
	for _, it := range r.Items {
		st.Items = append(st.Items, it.Copy())
	}
	sortItems(st.Items)
	for _, cid := range sortedChildIDs(r.Children) {
		st.Children = append(st.Children, r.Children[cid].Snapshot())
	}
	return st
}

// RestoreRunner reconstructs a runner tree from a stored CaseState.
// The Specification must be compiled and must be the one the case
// was running; RestoreRunner checks the id but can't check more than
// that.
func RestoreRunner(spec *Specification, st *CaseState) (*Runner, error) {
	if !spec.compiled {
		return nil, &SpecNotCompiled{Spec: spec}
	}
	if st.SpecID != "" && st.SpecID != spec.ID {
		return nil, fmt.Errorf("case %q ran specification %q, not %q",
			st.CaseID, st.SpecID, spec.ID)
	}
	return restoreRunner(spec, st, nil)
}

func restoreRunner(spec *Specification, st *CaseState, parent *Runner) (*Runner, error) {
	net, have := spec.Nets[st.NetID]
	if !have {
		return nil, fmt.Errorf("case %q: specification %q has no net %q",
			st.CaseID, spec.ID, st.NetID)
	}
	r := &Runner{
		Spec:         spec,
		Net:          net,
		CaseID:       st.CaseID,
		Status:       st.Status,
		Marking:      st.Marking.Copy(),
		Items:        make(map[string]*WorkItem, len(st.Items)),
		Data:         st.Data.Copy(),
		Children:     make(map[string]*Runner, len(st.Children)),
		parent:       parent,
		parentItem:   st.ParentItem,
		nextInstance: st.NextInstance,
		seq:          st.Seq,
	}
	if r.Marking == nil {
		r.Marking = NewMarking()
	}
	if r.Marking.Tokens == nil {
		r.Marking.Tokens = make(map[string]int)
	}
	if r.Marking.Active == nil {
		r.Marking.Active = make(map[string][]string)
	}
	if r.Data == nil {
		r.Data = NewBindings()
	}
	if r.nextInstance < 1 {
		r.nextInstance = 1
	}
	for _, it := range st.Items {
		r.Items[it.ID] = it.Copy()
	}
	for _, cs := range st.Children {
		c, err := restoreRunner(spec, cs, r)
		if err != nil {
			return nil, err
		}
		r.Children[cs.CaseID] = c
	}
	return r, nil
}
