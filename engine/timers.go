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
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerEntry is one armed deadline.
type TimerEntry struct {
	ItemID string    `json:"itemId"`
	At     time.Time `json:"at"`

	ctl    chan bool
	timers *Timers
}

// Timers turns work item deadlines into expirations.
//
// Each armed deadline gets its own goroutine, which either fires,
// gets cancelled, or dies with the engine's context.  The firing
// itself goes back through the engine's per-case lock like any other
// transition, so a timer can lose the race to a checkin; that's
// expected and harmless.
type Timers struct {
	sync.Mutex
	entries map[string]*TimerEntry
	fire    func(ctx context.Context, itemID string)
	logger  *zap.Logger
}

// NewTimers makes a timer table that calls fire when a deadline
// arrives.
func NewTimers(fire func(ctx context.Context, itemID string), logger *zap.Logger) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timers{
		entries: make(map[string]*TimerEntry),
		fire:    fire,
		logger:  logger,
	}
}

// Add arms (or re-arms) the deadline for an item.  A deadline in the
// past fires immediately, which is exactly what recovery wants.
func (ts *Timers) Add(ctx context.Context, itemID string, at time.Time) {
	ts.Lock()
	if old, have := ts.entries[itemID]; have {
		close(old.ctl)
	}
	te := &TimerEntry{
		ItemID: itemID,
		At:     at,
		ctl:    make(chan bool),
		timers: ts,
	}
	ts.entries[itemID] = te
	ts.Unlock()
	ts.logger.Debug("timer armed", zap.String("itemId", itemID), zap.Time("at", at))
	go te.run(ctx)
}

// Cancel disarms an item's deadline.  Cancelling what isn't armed is
// fine; the caller usually can't know.
func (ts *Timers) Cancel(itemID string) {
	ts.Lock()
	if te, have := ts.entries[itemID]; have {
		delete(ts.entries, itemID)
		close(te.ctl)
	}
	ts.Unlock()
}

// Pending returns the armed item ids, sorted.  Mostly for tests and
// for the curious.
func (ts *Timers) Pending() []string {
	ts.Lock()
	acc := make([]string, 0, len(ts.entries))
	for id := range ts.entries {
		acc = append(acc, id)
	}
	ts.Unlock()
	sort.Strings(acc)
	return acc
}

func (te *TimerEntry) run(ctx context.Context) {
	timer := time.NewTimer(te.At.Sub(time.Now()))
	select {
	case <-timer.C:
		te.timers.remove(te)
		te.timers.fire(ctx, te.ItemID)
	case <-te.ctl:
		timer.Stop()
	case <-ctx.Done():
		timer.Stop()
	}
}

// remove deletes the entry, but only if it's still the current one;
// a re-Add may have replaced it while the old goroutine was waking
// up.
func (ts *Timers) remove(te *TimerEntry) {
	ts.Lock()
	if cur, have := ts.entries[te.ItemID]; have && cur == te {
		delete(ts.entries, te.ItemID)
	}
	ts.Unlock()
}
