package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) (*Storage, string) {
	filename := filepath.Join(t.TempDir(), "cases.db")
	s := New(filename, nil)
	require.NoError(t, s.Open())
	return s, filename
}

func state(caseID string, status core.CaseStatus, seq int64) *core.CaseState {
	return &core.CaseState{
		CaseID:  caseID,
		SpecID:  "orders",
		NetID:   "main",
		Status:  status,
		Seq:     seq,
		Marking: &core.Marking{Tokens: map[string]int{"start": 1}},
		Data:    core.Bindings{"seq": float64(seq)},
	}
}

func TestSqliteSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	require.Equal(t, persist.Transactional, s.Mode())

	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 3), 0))

	got, err := s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CaseID)
	assert.Equal(t, "orders", got.SpecID)
	assert.Equal(t, core.CaseRunning, got.Status)
	assert.Equal(t, int64(3), got.Seq)
	assert.Equal(t, 1, got.Marking.Tokens["start"])
	assert.Equal(t, float64(3), got.Data["seq"])

	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseCompleted, 5), 3))
	got, err = s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.CaseCompleted, got.Status)
	assert.Equal(t, int64(5), got.Seq)

	_, err = s.LoadCase(ctx, "nope")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestSqliteOptimisticConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 3), 0))

	// Wrong version.
	err := s.SaveCase(ctx, state("c1", core.CaseRunning, 4), 2)
	require.ErrorIs(t, err, persist.ErrOptimisticConflict)

	// New-case claim for a case that exists.
	err = s.SaveCase(ctx, state("c1", core.CaseRunning, 1), 0)
	require.ErrorIs(t, err, persist.ErrOptimisticConflict)

	// Neither write took.
	got, err := s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Seq)

	// The right version still works.
	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 4), 3))
}

func TestSqliteActiveCases(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	require.NoError(t, s.SaveCase(ctx, state("c4", core.CaseSuspended, 1), 0))
	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 1), 0))
	require.NoError(t, s.SaveCase(ctx, state("c2", core.CaseCompleted, 1), 0))
	require.NoError(t, s.SaveCase(ctx, state("c3", core.CaseDeadlocked, 1), 0))

	ids, err := s.ActiveCases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c4"}, ids)
}

func TestSqliteWorkItemProjection(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	st := state("c1", core.CaseRunning, 4)
	st.Items = []*core.WorkItem{
		{ID: "c1:approve", CaseID: "c1", TaskID: "approve",
			Status: core.ItemEnabled, Deadline: "2026-08-25T12:00:00Z"},
		{ID: "c1:review", CaseID: "c1", TaskID: "review",
			Status: core.ItemComplete},
	}
	st.Children = []*core.CaseState{
		{
			CaseID:  "c1.1",
			SpecID:  "orders",
			NetID:   "sub",
			Status:  core.CaseRunning,
			Marking: &core.Marking{Tokens: map[string]int{}},
			Items: []*core.WorkItem{
				{ID: "c1.1:pack", CaseID: "c1.1", TaskID: "pack",
					Status: core.ItemExecuting},
			},
		},
	}
	require.NoError(t, s.SaveCase(ctx, st, 0))

	// Only live items land in the projection, subcases included,
	// all keyed by the root.
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, case_id, task_id, status, deadline
		 FROM work_items WHERE root_id = ? ORDER BY item_id`, "c1")
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		item, caseID, task, status, deadline string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.item, &r.caseID, &r.task, &r.status, &r.deadline))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	assert.Equal(t, row{"c1.1:pack", "c1.1", "pack", "executing", ""}, got[0])
	assert.Equal(t, row{"c1:approve", "c1", "approve", "enabled", "2026-08-25T12:00:00Z"}, got[1])

	// A later save replaces the projection.
	st2 := state("c1", core.CaseCompleted, 6)
	require.NoError(t, s.SaveCase(ctx, st2, 4))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE root_id = ?`, "c1").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSqliteReopen(t *testing.T) {
	ctx := context.Background()
	s, filename := open(t)

	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 2), 0))
	require.NoError(t, s.Close())

	s = New(filename, nil)
	require.NoError(t, s.Open())
	defer s.Close()

	got, err := s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Seq)

	require.NoError(t, s.SaveCase(ctx, state("c1", core.CaseRunning, 3), 2))
}

func TestSqliteWrongMode(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	defer s.Close()

	ev := &core.Event{Seq: 1, Kind: core.EventCaseLaunched, CaseID: "c1"}
	require.ErrorIs(t, s.AppendEvents(ctx, "c1", []*core.Event{ev}), persist.ErrWrongMode)
	_, err := s.LoadEvents(ctx, "c1")
	require.ErrorIs(t, err, persist.ErrWrongMode)
}
