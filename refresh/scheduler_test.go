// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/coord/lock"
	"github.com/patricklaux/xcache-sub001/internal/redistest"
	"github.com/patricklaux/xcache-sub001/refresh/queue"
)

var epoch = testclock.TestRecentTimeUTC.Truncate(time.Second)

// fakeCache records reloads and decides which keys are cached.
type fakeCache struct {
	m        sync.Mutex
	reloaded []string
	evicted  map[string]bool
	err      error
	gate     chan struct{} // if set, reloads block until it is closed
	onReload func(ctx context.Context, key string)
}

func (f *fakeCache) Reload(ctx context.Context, key string) error {
	if f.onReload != nil {
		f.onReload(ctx, key)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.m.Lock()
	defer f.m.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reloaded = append(f.reloaded, key)
	return nil
}

func (f *fakeCache) StillCached(ctx context.Context, key string) (bool, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return !f.evicted[key], nil
}

func (f *fakeCache) Reloaded() []string {
	f.m.Lock()
	defer f.m.Unlock()
	out := append([]string(nil), f.reloaded...)
	sort.Strings(out)
	return out
}

// brokenQueue fails or panics on reads.
type brokenQueue struct {
	queue.Queue
	panic bool
}

func (b brokenQueue) DueBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if b.panic {
		panic("queue is broken")
	}
	return nil, errors.New("queue is unavailable")
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	ftt.Run("Scheduler", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), epoch)
		ctx = gologger.StdConfig.Use(ctx)
		ctx = logging.SetLevel(ctx, logging.Debug)

		cfg := config.Refresh{
			Name:              "orders",
			SID:               "a",
			Provider:          config.ProviderLocal,
			RefreshAfterWrite: 500 * time.Millisecond,
			Period:            200 * time.Millisecond,
		}
		lk := &lock.Local{}
		q := queue.NewLocal(cfg.RefreshAfterWrite)
		fc := &fakeCache{evicted: map[string]bool{}}

		newScheduler := func(cfg config.Refresh, q queue.Queue) *Scheduler {
			s, err := New(cfg, Options{
				Reload:      fc.Reload,
				StillCached: fc.StillCached,
				Queue:       q,
				Lock:        lk,
				BatchSize:   4,
			})
			assert.NoErr(t, err)
			s.initTasks(ctx)
			return s
		}
		s := newScheduler(cfg, q)

		// tick runs a tick and waits for tasks it launched.
		tick := func(s *Scheduler) {
			s.tick(ctx)
			assert.NoErr(t, s.tracker.Wait(ctx))
		}

		t.Run("Nothing due", func(t *ftt.Test) {
			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tick(s)
			assert.That(t, s.Stats(), should.Match(Stats{Acquisitions: 1, Cycles: 1}))
			assert.That(t, s.State(), should.Equal(StateIdle))
			assert.Loosely(t, fc.Reloaded(), should.BeEmpty)
		})

		t.Run("Due keys are rescheduled before reload", func(t *ftt.Test) {
			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tc.Add(500 * time.Millisecond)

			var dueAtReload time.Time
			fc.onReload = func(ctx context.Context, key string) {
				dueAtReload, _, _ = q.DueTime(ctx, key)
			}
			tick(s)

			assert.That(t, fc.Reloaded(), should.Match([]string{"o1"}))
			assert.That(t, dueAtReload, should.Match(epoch.Add(time.Second)))
			assert.That(t, s.Stats(), should.Match(Stats{
				Acquisitions: 1,
				Cycles:       1,
				Dispatched:   1,
				Reloaded:     1,
			}))
		})

		t.Run("Next run marker skips early ticks", func(t *ftt.Test) {
			tick(s)
			assert.That(t, s.Stats().Acquisitions, should.Equal[int64](1))

			tick(s)
			assert.That(t, s.Stats().Acquisitions, should.Equal[int64](1))

			tc.Add(cfg.Period)
			tick(s)
			assert.That(t, s.Stats().Acquisitions, should.Equal[int64](2))
		})

		t.Run("Slow reloads are not dispatched twice", func(t *ftt.Test) {
			fc.gate = make(chan struct{})
			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tc.Add(500 * time.Millisecond)

			s.tick(ctx)
			assert.That(t, s.Stats().Dispatched, should.Equal[int64](1))

			// The key is due again, but the previous task is still running.
			for range 5 {
				tc.Add(cfg.Period + cfg.RefreshAfterWrite)
				s.tick(ctx)
			}
			assert.That(t, s.Stats().Dispatched, should.Equal[int64](1))
			assert.That(t, s.Stats().Acquisitions, should.Equal[int64](1))
			assert.Loosely(t, s.tracker.Retained(), should.Equal(1))

			// The lease was kept alive meanwhile.
			ok, err := lk.TryAcquire(ctx, lock.Lease{Key: cfg.LockKey(), Owner: "b", Duration: time.Second})
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeFalse)

			close(fc.gate)
			assert.NoErr(t, s.tracker.Wait(ctx))
			tc.Add(cfg.Period)
			tick(s)
			assert.That(t, s.Stats().Dispatched, should.Equal[int64](2))
			assert.That(t, fc.Reloaded(), should.Match([]string{"o1", "o1"}))
		})

		t.Run("Evicted keys are dropped", func(t *ftt.Test) {
			fc.evicted["o1"] = true
			assert.NoErr(t, q.UpsertAll(ctx, []string{"o1", "o2"}))
			tc.Add(500 * time.Millisecond)
			tick(s)

			assert.That(t, fc.Reloaded(), should.Match([]string{"o2"}))
			_, ok, err := q.DueTime(ctx, "o1")
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeFalse)
			assert.That(t, s.Stats().Dropped, should.Equal[int64](1))
		})

		t.Run("Failed reloads stay scheduled", func(t *ftt.Test) {
			fc.err = errors.New("system of record is down")
			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tc.Add(500 * time.Millisecond)
			tick(s)

			assert.That(t, s.Stats().Failed, should.Equal[int64](1))
			_, ok, err := q.DueTime(ctx, "o1")
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeTrue)

			fc.err = nil
			tc.Add(500 * time.Millisecond)
			tick(s)
			assert.That(t, fc.Reloaded(), should.Match([]string{"o1"}))
		})

		t.Run("Skips cycles while another instance holds the lease", func(t *ftt.Test) {
			ok, err := lk.TryAcquire(ctx, lock.Lease{Key: cfg.LockKey(), Owner: "b", Duration: time.Minute})
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeTrue)

			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tc.Add(500 * time.Millisecond)
			tick(s)
			assert.That(t, s.Stats(), should.Match(Stats{}))
			assert.Loosely(t, fc.Reloaded(), should.BeEmpty)

			// "b" is gone, its lease lapses.
			tc.Add(time.Minute)
			tick(s)
			assert.That(t, fc.Reloaded(), should.Match([]string{"o1"}))
		})

		t.Run("Max keys per cycle", func(t *ftt.Test) {
			cfg.MaxKeysPerCycle = 3
			s := newScheduler(cfg, q)
			for i := range 5 {
				assert.NoErr(t, q.Upsert(ctx, fmt.Sprintf("o%d", i)))
			}
			tc.Add(500 * time.Millisecond)
			tick(s)
			assert.That(t, fc.Reloaded(), should.Match([]string{"o0", "o1", "o2"}))

			tc.Add(cfg.Period)
			tick(s)
			assert.That(t, fc.Reloaded(), should.Match([]string{"o0", "o1", "o2", "o3", "o4"}))
		})

		t.Run("Queue errors abort the cycle", func(t *ftt.Test) {
			s := newScheduler(cfg, brokenQueue{Queue: q})
			tick(s)
			assert.That(t, s.Stats(), should.Match(Stats{Acquisitions: 1}))
			assert.That(t, s.State(), should.Equal(StateIdle))
		})

		t.Run("Panics are contained", func(t *ftt.Test) {
			s := newScheduler(cfg, brokenQueue{Queue: q, panic: true})
			assert.Loosely(t, func() { s.tick(ctx) }, should.NotPanic)
			assert.That(t, s.State(), should.Equal(StateIdle))

			// Ticks keep working afterwards.
			assert.Loosely(t, func() { s.tick(ctx) }, should.NotPanic)
		})

		t.Run("Panicking tasks are contained", func(t *ftt.Test) {
			fc.onReload = func(ctx context.Context, key string) { panic("reload exploded") }
			assert.NoErr(t, q.Upsert(ctx, "o1"))
			tc.Add(500 * time.Millisecond)
			tick(s)
			assert.Loosely(t, s.tracker.AllFinished(), should.BeTrue)
		})

		t.Run("Bad configs", func(t *ftt.Test) {
			_, err := New(cfg, Options{StillCached: fc.StillCached})
			assert.Loosely(t, err, should.ErrLike("reload callback is required"))

			_, err = New(cfg, Options{Reload: fc.Reload})
			assert.Loosely(t, err, should.ErrLike("still cached callback is required"))

			cfg.Provider = config.ProviderNone
			_, err = New(cfg, Options{Reload: fc.Reload, StillCached: fc.StillCached})
			assert.Loosely(t, err, should.ErrLike("refresh is disabled"))

			cfg.Provider = config.ProviderLocal
			cfg.Period = -time.Second
			_, err = New(cfg, Options{Reload: fc.Reload, StillCached: fc.StillCached})
			assert.Loosely(t, err, should.ErrLike(config.ErrBadConfig))
		})
	})
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ftt.Run("Lifecycle", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		fc := &fakeCache{evicted: map[string]bool{}}

		cfg := config.Refresh{
			Name:              "orders",
			Provider:          config.ProviderLocal,
			RefreshAfterWrite: time.Millisecond,
			Period:            time.Millisecond,
		}

		t.Run("Start fails loudly without Redis", func(t *ftt.Test) {
			cfg.Provider = config.ProviderRedis
			s, err := New(cfg, Options{Reload: fc.Reload, StillCached: fc.StillCached})
			assert.NoErr(t, err)
			assert.Loosely(t, s.Start(ctx), should.ErrLike(lock.ErrScriptLoad))
			assert.NoErr(t, s.Close(ctx))
		})

		t.Run("Close waits for tasks", func(t *ftt.Test) {
			fc.gate = make(chan struct{})
			s, err := New(cfg, Options{Reload: fc.Reload, StillCached: fc.StillCached})
			assert.NoErr(t, err)
			assert.NoErr(t, s.Start(ctx))
			assert.Loosely(t, s.Start(ctx), should.ErrLike("already started"))

			assert.NoErr(t, s.Reschedule(ctx, []string{"o1"}))
			waitFor(t, func() bool { return s.Stats().Dispatched > 0 })

			tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			assert.Loosely(t, s.Close(tctx), should.ErrLike(context.DeadlineExceeded))
			close(fc.gate)
			assert.NoErr(t, s.Close(ctx))
		})

		t.Run("Close cancels tasks", func(t *ftt.Test) {
			fc.gate = make(chan struct{})
			defer close(fc.gate)
			cfg.Shutdown = config.ShutdownCancel
			s, err := New(cfg, Options{Reload: fc.Reload, StillCached: fc.StillCached})
			assert.NoErr(t, err)
			assert.NoErr(t, s.Start(ctx))

			assert.NoErr(t, s.Reschedule(ctx, []string{"o1"}))
			waitFor(t, func() bool { return s.Stats().Dispatched > 0 })

			assert.NoErr(t, s.Close(ctx))
			assert.That(t, s.Stats().Failed, should.BeGreaterThan[int64](0))
			assert.Loosely(t, s.Start(ctx), should.ErrLike("closed"))
		})
	})
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	ftt.Run("Orders", t, func(t *ftt.Test) {
		srv := redistest.Start(t)
		ctx := srv.Use(context.Background())
		ctx = gologger.StdConfig.Use(ctx)

		cfg := func(sid string) config.Refresh {
			return config.Refresh{
				Name:              "orders",
				SID:               sid,
				RefreshAfterWrite: 500 * time.Millisecond,
				Period:            200 * time.Millisecond,
				Shards:            4,
			}
		}

		fcA := &fakeCache{evicted: map[string]bool{}}
		a, err := New(cfg("a"), Options{Reload: fcA.Reload, StillCached: fcA.StillCached})
		assert.NoErr(t, err)
		fcB := &fakeCache{evicted: map[string]bool{}}
		b, err := New(cfg("b"), Options{Reload: fcB.Reload, StillCached: fcB.StillCached})
		assert.NoErr(t, err)

		assert.NoErr(t, a.Start(ctx))
		defer a.Close(ctx)
		waitFor(t, func() bool { return a.Stats().Acquisitions > 0 })

		assert.NoErr(t, b.Start(ctx))
		defer b.Close(ctx)

		assert.NoErr(t, a.Reschedule(ctx, []string{"o1"}))
		firstDue, ok, err := a.Queue().DueTime(ctx, "o1")
		assert.NoErr(t, err)
		assert.Loosely(t, ok, should.BeTrue)

		waitFor(t, func() bool { return len(fcA.Reloaded()) > 0 })
		assert.That(t, fcA.Reloaded(), should.Match([]string{"o1"}))

		nextDue, ok, err := a.Queue().DueTime(ctx, "o1")
		assert.NoErr(t, err)
		assert.Loosely(t, ok, should.BeTrue)
		assert.Loosely(t, nextDue.After(firstDue), should.BeTrue)

		assert.That(t, b.Stats().Acquisitions, should.Equal[int64](0))
		assert.Loosely(t, fcB.Reloaded(), should.BeEmpty)
	})

	ftt.Run("Running intervals never overlap", t, func(t *ftt.Test) {
		srv := redistest.Start(t)
		ctx := srv.Use(context.Background())
		ctx = gologger.StdConfig.Use(ctx)

		rec := &runs{}
		var schedulers []*Scheduler
		for i := range 3 {
			cfg := config.Refresh{
				Name:              "orders",
				SID:               fmt.Sprintf("instance-%d", i),
				RefreshAfterWrite: 20 * time.Millisecond,
				Period:            20 * time.Millisecond,
				LeaseMargin:       20 * time.Millisecond,
			}
			assert.NoErr(t, cfg.Normalize())
			q, err := queue.New(&cfg)
			assert.NoErr(t, err)
			s, err := New(cfg, Options{
				Queue: recordingQueue{Queue: q, rec: rec, owner: i},
				Reload: func(ctx context.Context, key string) error {
					time.Sleep(2 * time.Millisecond)
					rec.extend(i)
					return nil
				},
				StillCached: func(context.Context, string) (bool, error) { return true, nil },
			})
			assert.NoErr(t, err)
			assert.NoErr(t, s.Start(ctx))
			defer s.Close(ctx)
			schedulers = append(schedulers, s)
		}

		var keys []string
		for i := range 10 {
			keys = append(keys, fmt.Sprintf("o%d", i))
		}
		assert.NoErr(t, schedulers[0].Reschedule(ctx, keys))

		// Stop the driver twice, the lease moves to another instance each time.
		closed := map[int]bool{}
		driver := func() int {
			for i, s := range schedulers {
				if !closed[i] && s.Stats().Reloaded > 0 {
					return i
				}
			}
			return -1
		}
		for range 2 {
			waitFor(t, func() bool { return driver() != -1 })
			i := driver()
			assert.NoErr(t, schedulers[i].Close(ctx))
			closed[i] = true
			srv.FastForward(time.Minute)
		}
		waitFor(t, func() bool { return driver() != -1 })
		for _, s := range schedulers {
			assert.NoErr(t, s.Close(ctx))
		}

		assert.That(t, rec.owners(), should.Equal(3))
		a, b, overlap := rec.overlap()
		assert.Loosely(t, overlap, should.BeFalse, truth.Explain("%v overlaps %v", a, b))
	})
}

// run is a time interval during which an instance held the refresh lease.
type run struct {
	owner      int
	start, end time.Time
}

// runs records running intervals of several schedulers.
type runs struct {
	m    sync.Mutex
	all  []run
	last map[int]int
}

// start opens a new interval of the owner.
func (r *runs) start(owner int) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.last == nil {
		r.last = map[int]int{}
	}
	now := time.Now()
	r.all = append(r.all, run{owner: owner, start: now, end: now})
	r.last[owner] = len(r.all) - 1
}

// extend moves the end of the owner's latest interval to now.
func (r *runs) extend(owner int) {
	r.m.Lock()
	defer r.m.Unlock()
	if idx, ok := r.last[owner]; ok {
		r.all[idx].end = time.Now()
	}
}

// owners is the number of distinct instances that ran a cycle.
func (r *runs) owners() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.last)
}

// overlap finds two intervals of different owners sharing a moment.
func (r *runs) overlap() (run, run, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	for i, a := range r.all {
		for _, b := range r.all[i+1:] {
			if a.owner != b.owner && !a.start.After(b.end) && !b.start.After(a.end) {
				return a, b, true
			}
		}
	}
	return run{}, run{}, false
}

// recordingQueue starts a running interval whenever a cycle pulls due keys.
type recordingQueue struct {
	queue.Queue
	rec   *runs
	owner int
}

func (q recordingQueue) DueBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q.rec.start(q.owner)
	return q.Queue.DueBefore(ctx, now, limit)
}

func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
