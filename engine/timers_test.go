package engine

import (
	"context"
	"testing"
	"time"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/persist"
	"github.com/Comcast/loom/persist/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTimers() (*Timers, chan string) {
	fired := make(chan string, 8)
	ts := NewTimers(func(ctx context.Context, itemID string) {
		fired <- itemID
	}, zap.NewNop())
	return ts, fired
}

func TestTimersFire(t *testing.T) {
	ts, fired := newTestTimers()

	ts.Add(context.Background(), "c:approve", time.Now().Add(20*time.Millisecond))
	assert.Equal(t, []string{"c:approve"}, ts.Pending())

	select {
	case id := <-fired:
		assert.Equal(t, "c:approve", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.Empty(t, ts.Pending())
}

func TestTimersCancel(t *testing.T) {
	ts, fired := newTestTimers()

	ts.Add(context.Background(), "c:approve", time.Now().Add(50*time.Millisecond))
	ts.Cancel("c:approve")
	assert.Empty(t, ts.Pending())

	select {
	case id := <-fired:
		t.Fatalf("cancelled timer fired: %s", id)
	case <-time.After(200 * time.Millisecond):
	}

	// Cancelling what isn't there is fine.
	ts.Cancel("c:approve")
	ts.Cancel("nope")
}

func TestTimersReplace(t *testing.T) {
	ts, fired := newTestTimers()

	// The second Add replaces the first, so only the near
	// deadline fires.
	ts.Add(context.Background(), "c:approve", time.Now().Add(300*time.Millisecond))
	ts.Add(context.Background(), "c:approve", time.Now().Add(20*time.Millisecond))
	assert.Equal(t, []string{"c:approve"}, ts.Pending())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement timer never fired")
	}

	select {
	case id := <-fired:
		t.Fatalf("replaced timer fired too: %s", id)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestTimersPastDeadline(t *testing.T) {
	ts, fired := newTestTimers()

	// A deadline that already went by fires right away.  That is
	// what recovery counts on.
	ts.Add(context.Background(), "c:approve", time.Now().Add(-time.Hour))

	select {
	case id := <-fired:
		assert.Equal(t, "c:approve", id)
	case <-time.After(2 * time.Second):
		t.Fatal("past deadline never fired")
	}
}

func TestTimersContext(t *testing.T) {
	ts, fired := newTestTimers()

	ctx, cancel := context.WithCancel(context.Background())
	ts.Add(ctx, "c:approve", time.Now().Add(40*time.Millisecond))
	cancel()

	select {
	case id := <-fired:
		t.Fatalf("timer fired after its context died: %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

// timedSpec: received -> approve -> closed, where approve may only
// wait so long for attention.
func timedSpec(d string) *core.Specification {
	return &core.Specification{
		ID:   "timed",
		Root: "main",
		Nets: map[string]*core.Net{
			"main": &core.Net{
				Conditions: map[string]*core.Condition{
					"received": &core.Condition{Input: true},
					"closed":   &core.Condition{Output: true},
				},
				Tasks: map[string]*core.Task{
					"approve": &core.Task{
						Timer: &core.TimerSpec{Duration: d},
					},
				},
				Flows: []*core.Flow{
					&core.Flow{Source: "received", Target: "approve"},
					&core.Flow{Source: "approve", Target: "closed"},
				},
			},
		},
	}
}

func TestEngineTimerExpires(t *testing.T) {
	ctx := context.Background()
	e := New(mem.NewMem(persist.EventSourced), testInterpreters, zap.NewNop())
	require.NoError(t, e.AddSpecification(ctx, timedSpec("30ms")))
	defer e.Shutdown(ctx)

	cid, err := e.LaunchCase(ctx, "timed", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{cid + ":approve"}, e.timers.Pending())

	require.Eventually(t, func() bool {
		sum, err := e.CaseSummary(cid)
		return err == nil && sum.Status == core.CaseDeadlocked
	}, 2*time.Second, 10*time.Millisecond, "expiration never landed")

	items := e.ListWorkItems(ItemFilter{CaseID: cid, TaskID: "approve"})
	require.Len(t, items, 1)
	assert.Equal(t, core.ItemCancelled, items[0].Status)
	assert.Equal(t, core.ReasonTimeout, items[0].Reason)
	assert.Empty(t, e.timers.Pending())
}

func TestEngineTimerDisarmedByCheckIn(t *testing.T) {
	ctx := context.Background()
	e := New(mem.NewMem(persist.Transactional), testInterpreters, zap.NewNop())
	require.NoError(t, e.AddSpecification(ctx, timedSpec("10s")))
	defer e.Shutdown(ctx)

	cid, err := e.LaunchCase(ctx, "timed", nil)
	require.NoError(t, err)
	require.Len(t, e.timers.Pending(), 1)

	work(t, e, cid, "approve", nil)

	sum, err := e.CaseSummary(cid)
	require.NoError(t, err)
	assert.Equal(t, core.CaseCompleted, sum.Status)
	assert.Empty(t, e.timers.Pending())
}

func TestEngineTimerSuspendedCase(t *testing.T) {
	ctx := context.Background()
	e := New(mem.NewMem(persist.EventSourced), testInterpreters, zap.NewNop())
	require.NoError(t, e.AddSpecification(ctx, timedSpec("60ms")))
	defer e.Shutdown(ctx)

	cid, err := e.LaunchCase(ctx, "timed", nil)
	require.NoError(t, err)
	_, err = e.SuspendCase(ctx, cid)
	require.NoError(t, err)

	// The deadline passes while the case is suspended.  The
	// expiration is dropped, not queued.
	time.Sleep(150 * time.Millisecond)
	sum, err := e.CaseSummary(cid)
	require.NoError(t, err)
	assert.Equal(t, core.CaseSuspended, sum.Status)
	items := e.ListWorkItems(ItemFilter{CaseID: cid, TaskID: "approve"})
	require.Len(t, items, 1)
	assert.Equal(t, core.ItemEnabled, items[0].Status)

	// Resuming re-arms the deadline, which is long past, so the
	// item expires now.
	_, err = e.ResumeCase(ctx, cid)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sum, err := e.CaseSummary(cid)
		return err == nil && sum.Status == core.CaseDeadlocked
	}, 2*time.Second, 10*time.Millisecond, "re-armed expiration never landed")

	items = e.ListWorkItems(ItemFilter{CaseID: cid, TaskID: "approve"})
	require.Len(t, items, 1)
	assert.Equal(t, core.ReasonTimeout, items[0].Reason)
}
