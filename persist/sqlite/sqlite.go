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

// Package sqlite is the Transactional persist.Adapter, on SQLite.
//
// One row per case holds the authoritative CaseState as JSON, with
// the version column (the case's event seq) doing the optimistic
// locking.  Live work items are also projected into their own table,
// one row each, so the resourcing layer can query offers with plain
// SQL; those rows are a view, not the truth.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	case_id TEXT PRIMARY KEY,
	spec_id TEXT NOT NULL,
	status  TEXT NOT NULL,
	version INTEGER NOT NULL,
	state   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS work_items (
	root_id  TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	case_id  TEXT NOT NULL,
	task_id  TEXT NOT NULL,
	status   TEXT NOT NULL,
	deadline TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (root_id, item_id)
);

CREATE INDEX IF NOT EXISTS work_items_task ON work_items (task_id, status);
`

// Storage is the adapter.  Use New, then Open.
type Storage struct {
	filename string
	db       *sql.DB
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
	// WAL mode for better concurrency.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", s.filename)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.db = db
	s.logger.Info("sqlite storage open", zap.String("path", s.filename))
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Mode() persist.Mode {
	return persist.Transactional
}

func (s *Storage) AppendEvents(ctx context.Context, caseID string, evs []*core.Event) error {
	return persist.ErrWrongMode
}

func (s *Storage) LoadEvents(ctx context.Context, caseID string) ([]*core.Event, error) {
	return nil, persist.ErrWrongMode
}

func (s *Storage) SaveCase(ctx context.Context, st *core.CaseState, prev int64) error {
	js, err := json.Marshal(st)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if prev == 0 {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM cases WHERE case_id = ?`, st.CaseID).Scan(&one)
		switch err {
		case sql.ErrNoRows:
		case nil:
			return persist.ErrOptimisticConflict
		default:
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cases (case_id, spec_id, status, version, state) VALUES (?, ?, ?, ?, ?)`,
			st.CaseID, st.SpecID, string(st.Status), st.Seq, string(js)); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE cases SET status = ?, version = ?, state = ? WHERE case_id = ? AND version = ?`,
			string(st.Status), st.Seq, string(js), st.CaseID, prev)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return persist.ErrOptimisticConflict
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_items WHERE root_id = ?`, st.CaseID); err != nil {
		return err
	}
	if err := insertItems(ctx, tx, st.CaseID, st); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("saved case",
		zap.String("caseID", st.CaseID),
		zap.String("status", string(st.Status)),
		zap.Int64("version", st.Seq))
	return nil
}

// insertItems projects the live work items of st and its subcases.
func insertItems(ctx context.Context, tx *sql.Tx, rootID string, st *core.CaseState) error {
	for _, it := range st.Items {
		if it.Status.Terminal() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO work_items (root_id, item_id, case_id, task_id, status, deadline) VALUES (?, ?, ?, ?, ?, ?)`,
			rootID, it.ID, it.CaseID, it.TaskID, string(it.Status), it.Deadline); err != nil {
			return err
		}
	}
	for _, c := range st.Children {
		if err := insertItems(ctx, tx, rootID, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) LoadCase(ctx context.Context, caseID string) (*core.CaseState, error) {
	var js string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM cases WHERE case_id = ?`, caseID).Scan(&js)
	switch err {
	case sql.ErrNoRows:
		return nil, persist.ErrNotFound
	case nil:
	default:
		return nil, err
	}
	var st core.CaseState
	if err := json.Unmarshal([]byte(js), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Storage) ActiveCases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id FROM cases WHERE status IN (?, ?) ORDER BY case_id`,
		string(core.CaseRunning), string(core.CaseSuspended))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
