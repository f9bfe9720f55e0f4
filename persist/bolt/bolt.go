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

// Package bolt is the EventSourced persist.Adapter, on bbolt.
//
// Layout: one top-level bucket per case, holding that case's events
// keyed by big-endian seq (so a cursor walks them in order), plus one
// top-level "meta" bucket with a small record per case (spec id,
// status, last seq) so ActiveCases doesn't have to read any logs.
// Consequence: don't name a case "meta".  Case ids come from Gensym,
// so nobody will.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var metaBucket = []byte("meta")

type meta struct {
	SpecID string          `json:"specId"`
	Status core.CaseStatus `json:"status"`
	Seq    int64           `json:"seq"`
}

// Storage is the adapter.  Use New, then Open.
type Storage struct {
	filename string
	db       *bolt.DB
	logger   *zap.Logger
}

func New(filename string, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		filename: filename,
		logger:   logger,
	}
}

func (s *Storage) Open() error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	s.db = db

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Mode() persist.Mode {
	return persist.EventSourced
}

func (s *Storage) SaveCase(ctx context.Context, st *core.CaseState, prev int64) error {
	return persist.ErrWrongMode
}

func (s *Storage) LoadCase(ctx context.Context, caseID string) (*core.CaseState, error) {
	return nil, persist.ErrWrongMode
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (s *Storage) AppendEvents(ctx context.Context, caseID string, evs []*core.Event) error {
	if len(evs) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)

		var m meta
		if js := mb.Get([]byte(caseID)); js != nil {
			if err := json.Unmarshal(js, &m); err != nil {
				return err
			}
		}

		want := m.Seq + 1
		for _, e := range evs {
			if e.Seq != want {
				return persist.ErrOutOfSequence
			}
			want++
		}

		b, err := tx.CreateBucketIfNotExists([]byte(caseID))
		if err != nil {
			return err
		}
		for _, e := range evs {
			js, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err = b.Put(seqKey(e.Seq), js); err != nil {
				return err
			}
			m.Seq = e.Seq
			if e.CaseID == caseID {
				if e.Kind == core.EventCaseLaunched {
					m.SpecID = e.SpecID
				}
				if status, changes := persist.CaseStatusOf(e); changes {
					m.Status = status
				}
			}
		}

		js, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return mb.Put([]byte(caseID), js)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("appended events",
		zap.String("caseID", caseID),
		zap.Int("count", len(evs)),
		zap.Int64("seq", evs[len(evs)-1].Seq))
	return nil
}

func (s *Storage) LoadEvents(ctx context.Context, caseID string) ([]*core.Event, error) {
	var evs []*core.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(caseID))
		if b == nil {
			return persist.ErrNotFound
		}
		c := b.Cursor()
		for key, js := c.First(); key != nil; key, js = c.Next() {
			var e core.Event
			if err := json.Unmarshal(js, &e); err != nil {
				return err
			}
			evs = append(evs, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evs, nil
}

func (s *Storage) ActiveCases(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(metaBucket).Cursor()
		for key, js := c.First(); key != nil; key, js = c.Next() {
			var m meta
			if err := json.Unmarshal(js, &m); err != nil {
				return err
			}
			if !m.Status.Terminal() {
				ids = append(ids, string(key))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
