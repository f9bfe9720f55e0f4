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

// Package mem is an in-memory persist.Adapter, in either mode.  For
// tests, demos, and engines that just don't care about surviving a
// restart.
//
// Everything goes through JSON on the way in and out, so callers get
// the same isolation (and the same serialization surprises) a real
// store would give them.
package mem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"
)

type caseRecord struct {
	version int64
	state   []byte

	seq    int64
	events [][]byte

	status core.CaseStatus
}

// Mem is the adapter.  Use NewMem.
type Mem struct {
	sync.Mutex

	mode  persist.Mode
	cases map[string]*caseRecord
}

func NewMem(mode persist.Mode) *Mem {
	return &Mem{
		mode:  mode,
		cases: make(map[string]*caseRecord),
	}
}

func (m *Mem) Mode() persist.Mode {
	return m.mode
}

func (m *Mem) Close() error {
	return nil
}

func (m *Mem) SaveCase(ctx context.Context, st *core.CaseState, prev int64) error {
	if m.mode != persist.Transactional {
		return persist.ErrWrongMode
	}
	js, err := json.Marshal(st)
	if err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	rec, have := m.cases[st.CaseID]
	if !have {
		if prev != 0 {
			return persist.ErrOptimisticConflict
		}
		m.cases[st.CaseID] = &caseRecord{
			version: st.Seq,
			state:   js,
			status:  st.Status,
		}
		return nil
	}
	if rec.version != prev {
		return persist.ErrOptimisticConflict
	}
	rec.version = st.Seq
	rec.state = js
	rec.status = st.Status
	return nil
}

func (m *Mem) LoadCase(ctx context.Context, caseID string) (*core.CaseState, error) {
	if m.mode != persist.Transactional {
		return nil, persist.ErrWrongMode
	}

	m.Lock()
	defer m.Unlock()

	rec, have := m.cases[caseID]
	if !have {
		return nil, persist.ErrNotFound
	}
	var st core.CaseState
	if err := json.Unmarshal(rec.state, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Mem) AppendEvents(ctx context.Context, caseID string, evs []*core.Event) error {
	if m.mode != persist.EventSourced {
		return persist.ErrWrongMode
	}
	if len(evs) == 0 {
		return nil
	}

	m.Lock()
	defer m.Unlock()

	rec, have := m.cases[caseID]
	if !have {
		rec = &caseRecord{}
		m.cases[caseID] = rec
	}

	want := rec.seq + 1
	for _, e := range evs {
		if e.Seq != want {
			return persist.ErrOutOfSequence
		}
		want++
	}

	for _, e := range evs {
		js, err := json.Marshal(e)
		if err != nil {
			return err
		}
		rec.events = append(rec.events, js)
		rec.seq = e.Seq
		if e.CaseID == caseID {
			if status, changes := persist.CaseStatusOf(e); changes {
				rec.status = status
			}
		}
	}
	return nil
}

func (m *Mem) LoadEvents(ctx context.Context, caseID string) ([]*core.Event, error) {
	if m.mode != persist.EventSourced {
		return nil, persist.ErrWrongMode
	}

	m.Lock()
	defer m.Unlock()

	rec, have := m.cases[caseID]
	if !have {
		return nil, persist.ErrNotFound
	}
	evs := make([]*core.Event, 0, len(rec.events))
	for _, js := range rec.events {
		var e core.Event
		if err := json.Unmarshal(js, &e); err != nil {
			return nil, err
		}
		evs = append(evs, &e)
	}
	return evs, nil
}

func (m *Mem) ActiveCases(ctx context.Context) ([]string, error) {
	m.Lock()
	defer m.Unlock()

	var ids []string
	for id, rec := range m.cases {
		if !rec.status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
