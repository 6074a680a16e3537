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

// Package refresh implements proactive refresh of cached keys.
//
// Every instance serving a cache runs a Scheduler. Each period, the scheduler
// tries to take the refresh lease of the cache. The instance holding it pulls
// keys that are due from the refresh queue, pushes them back in the queue, and
// launches one reload task per key. A new cycle does not start until all tasks
// of the previous one are done, the lease is renewed meanwhile.
//
// A "next run" marker shared by all instances makes sure cycles happen once
// per period fleet-wide, even though every instance ticks on its own timer.
package refresh

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/coord/lock"
	"github.com/patricklaux/xcache-sub001/refresh/queue"
	"github.com/patricklaux/xcache-sub001/refresh/tracker"
)

// ReloadFunc reloads a key from the system of record and stores the result.
type ReloadFunc func(ctx context.Context, key string) error

// StillCachedFunc is true if a key is still worth refreshing.
//
// Keys evicted from the cache, e.g. by a size bound, are dropped from the
// refresh queue instead of being reloaded.
type StillCachedFunc func(ctx context.Context, key string) (bool, error)

// State is the state of a scheduler.
type State int32

const (
	// StateIdle means no cycle is in progress.
	StateIdle State = iota
	// StateLocking means the scheduler is taking the lease.
	StateLocking
	// StateRunning means the scheduler holds the lease and dispatches keys.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocking:
		return "locking"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options are collaborators of a scheduler.
type Options struct {
	// Reload reloads a key. Required.
	Reload ReloadFunc
	// StillCached is consulted before reloading a key. Required.
	StillCached StillCachedFunc

	// Queue is the refresh queue. Default is picked by the config provider.
	Queue queue.Queue
	// Lock is the lease lock. Default is picked by the config provider.
	Lock lock.Lock

	// BatchSize is the task tracker batch size.
	//
	// Default is tracker.DefaultBatchSize.
	BatchSize int
}

// Stats are counters of a scheduler, since it was created.
type Stats struct {
	// Acquisitions is how many times this instance took the lease to run a
	// cycle.
	Acquisitions int64
	// Cycles is how many cycles ran to completion.
	Cycles int64
	// Dispatched is how many reload tasks were launched.
	Dispatched int64
	// Reloaded is how many keys were reloaded successfully.
	Reloaded int64
	// Dropped is how many keys were dropped from the queue as no longer cached.
	Dropped int64
	// Failed is how many reload tasks failed.
	Failed int64
}

type stats struct {
	acquisitions atomic.Int64
	cycles       atomic.Int64
	dispatched   atomic.Int64
	reloaded     atomic.Int64
	dropped      atomic.Int64
	failed       atomic.Int64
}

// Scheduler drives refresh of a single cache.
type Scheduler struct {
	cfg         config.Refresh
	lease       lock.Lease
	queue       queue.Queue
	lock        lock.Lock
	reload      ReloadFunc
	stillCached StillCachedFunc
	tracker     *tracker.Tracker

	state atomic.Int32
	stats stats

	m           sync.Mutex
	started     bool
	closed      bool
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// New creates a scheduler.
//
// The configuration is normalized and validated, a bad one is rejected here.
// The scheduler doesn't do anything until Start is called.
func New(cfg config.Refresh, opts Options) (*Scheduler, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	switch {
	case !cfg.Enabled():
		return nil, errors.Fmt("%w: %q: refresh is disabled", config.ErrBadConfig, cfg.Name)
	case opts.Reload == nil:
		return nil, errors.Fmt("%w: %q: reload callback is required", config.ErrBadConfig, cfg.Name)
	case opts.StillCached == nil:
		return nil, errors.Fmt("%w: %q: still cached callback is required", config.ErrBadConfig, cfg.Name)
	}

	if opts.Queue == nil {
		q, err := queue.New(&cfg)
		if err != nil {
			return nil, err
		}
		opts.Queue = q
	}
	if opts.Lock == nil {
		if cfg.Provider == config.ProviderRedis {
			opts.Lock = lock.Redis{}
		} else {
			opts.Lock = &lock.Local{}
		}
	}

	return &Scheduler{
		cfg: cfg,
		lease: lock.Lease{
			Key:        cfg.LockKey(),
			NextRunKey: cfg.NextRunKey(),
			Owner:      cfg.SID,
			Duration:   cfg.Lease(),
		},
		queue:       opts.Queue,
		lock:        opts.Lock,
		reload:      opts.Reload,
		stillCached: opts.StillCached,
		tracker:     tracker.New(opts.BatchSize),
	}, nil
}

// Config is the normalized configuration.
func (s *Scheduler) Config() config.Refresh { return s.cfg }

// Queue is the refresh queue used by the scheduler.
func (s *Scheduler) Queue() queue.Queue { return s.queue }

// State is the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Acquisitions: s.stats.acquisitions.Load(),
		Cycles:       s.stats.cycles.Load(),
		Dispatched:   s.stats.dispatched.Load(),
		Reloaded:     s.stats.reloaded.Load(),
		Dropped:      s.stats.dropped.Load(),
		Failed:       s.stats.failed.Load(),
	}
}

// Start registers the lock and launches the periodic loop.
//
// Lock registration failures are returned, the scheduler doesn't start then.
// The loop runs until Close is called or `ctx` is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx = logging.SetField(ctx, "cache", s.cfg.Name)

	s.m.Lock()
	defer s.m.Unlock()
	switch {
	case s.closed:
		return errors.New("the scheduler is closed")
	case s.started:
		return errors.New("the scheduler is already started")
	}

	if err := s.lock.Register(ctx); err != nil {
		logging.Errorf(ctx, "Refresh of %q is not started: %s", s.cfg.Name, err)
		return err
	}

	s.started = true
	s.initTasks(ctx)
	loopCtx, stop := context.WithCancel(ctx)
	s.stopLoop = stop
	s.loopDone = make(chan struct{})

	logging.Infof(ctx, "Refreshing %q every %s as %q", s.cfg.Name, s.cfg.Period, s.cfg.SID)
	go func() {
		defer close(s.loopDone)
		s.run(loopCtx)
	}()
	return nil
}

// Close stops the loop and deals with in-flight tasks.
//
// With ShutdownWait, waits for tasks until they are done or `ctx` expires.
// With ShutdownCancel, cancels task contexts first. Safe to call many times.
func (s *Scheduler) Close(ctx context.Context) error {
	s.m.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.m.Unlock()
		return nil
	}
	s.closed = true
	s.m.Unlock()

	s.stopLoop()
	<-s.loopDone

	if s.cfg.Shutdown == config.ShutdownCancel {
		s.cancelTasks()
	}
	err := s.tracker.Wait(ctx)
	s.cancelTasks()
	if err != nil {
		return errors.Fmt("waiting for refresh tasks of %q: %w", s.cfg.Name, err)
	}
	return nil
}

// initTasks sets up the context of reload tasks. Tasks outlive the loop
// context and are canceled only by Close.
func (s *Scheduler) initTasks(ctx context.Context) {
	s.taskCtx, s.cancelTasks = context.WithCancel(context.WithoutCancel(ctx))
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		if r := <-clock.After(ctx, s.cfg.Period); r.Err != nil {
			return // the context is canceled
		}
		s.tick(ctx)
	}
}

// tick runs one step of the state machine. It never panics.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf(ctx, "Refresh tick panicked: %s\n%s", p, debug.Stack())
			cycleCounter.Add(ctx, 1, s.cfg.Name, "panic")
			s.state.Store(int32(StateIdle))
		}
	}()

	// Keep the lease while tasks of the previous cycle are still running.
	if !s.tracker.AllFinished() {
		s.renew(ctx)
		return
	}

	s.state.Store(int32(StateLocking))
	defer s.state.Store(int32(StateIdle))

	switch res, err := s.lock.AcquireForRun(ctx, s.lease); {
	case err != nil:
		logging.Warningf(ctx, "Failed to take the refresh lease: %s", err)
		lockCounter.Add(ctx, 1, s.cfg.Name, "error")
		return
	case res == lock.NotAcquired:
		lockCounter.Add(ctx, 1, s.cfg.Name, "busy")
		return
	case res == lock.AcquiredNotDue:
		lockCounter.Add(ctx, 1, s.cfg.Name, "not_due")
		return
	}
	s.stats.acquisitions.Add(1)
	lockCounter.Add(ctx, 1, s.cfg.Name, "acquired")

	s.state.Store(int32(StateRunning))
	start := clock.Now(ctx)
	stopRenewal := s.startRenewal(ctx)
	defer stopRenewal()
	n, err := s.cycle(ctx)
	stopRenewal()
	cycleDurationMS.Add(ctx, float64(clock.Since(ctx, start).Milliseconds()), s.cfg.Name)

	switch {
	case err != nil:
		// The lease lapses by itself, any instance retries on its next tick.
		logging.WithError(err).Warningf(ctx, "Refresh cycle failed")
		cycleCounter.Add(ctx, 1, s.cfg.Name, "error")
		return
	case n == 0:
		cycleCounter.Add(ctx, 1, s.cfg.Name, "empty")
	default:
		logging.Debugf(ctx, "Dispatched %d key(s) for refresh", n)
		cycleCounter.Add(ctx, 1, s.cfg.Name, "OK")
	}
	s.stats.cycles.Add(1)

	// The next cycle is due one period after this one started.
	next := max(s.cfg.Period-clock.Since(ctx, start), 0)
	if _, err := s.lock.MarkNextRun(ctx, s.lease, next); err != nil {
		logging.Warningf(ctx, "Failed to set the next refresh run: %s", err)
	}
}

// cycle pulls due keys, reschedules and dispatches them.
//
// Returns the number of dispatched keys.
func (s *Scheduler) cycle(ctx context.Context) (int, error) {
	now, err := s.queue.Now(ctx)
	if err != nil {
		return 0, err
	}
	keys, err := s.queue.DueBefore(ctx, now, s.cfg.MaxKeysPerCycle)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	// Push keys forward before reloading them, so a slow reload doesn't get
	// them picked up again.
	if err := s.queue.UpsertAll(ctx, keys); err != nil {
		return 0, errors.Fmt("rescheduling %d key(s): %w", len(keys), err)
	}

	for _, key := range keys {
		s.tracker.Go(s.taskCtx, func(ctx context.Context) {
			s.refreshKey(ctx, key)
		})
	}
	s.stats.dispatched.Add(int64(len(keys)))
	return len(keys), nil
}

// refreshKey is the body of a reload task.
func (s *Scheduler) refreshKey(ctx context.Context, key string) {
	switch cached, err := s.stillCached(ctx, key); {
	case err != nil:
		logging.Warningf(ctx, "Failed to check if %q is cached: %s", key, err)
		s.stats.failed.Add(1)
		taskCounter.Add(ctx, 1, s.cfg.Name, "failed")
		return
	case !cached:
		if err := s.queue.Remove(ctx, key); err != nil {
			logging.Warningf(ctx, "Failed to unschedule %q: %s", key, err)
		}
		s.stats.dropped.Add(1)
		taskCounter.Add(ctx, 1, s.cfg.Name, "dropped")
		return
	}

	// On failure the key stays scheduled and is retried in a later cycle.
	if err := s.reload(ctx, key); err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to reload %q", key)
		s.stats.failed.Add(1)
		taskCounter.Add(ctx, 1, s.cfg.Name, "failed")
		return
	}
	s.stats.reloaded.Add(1)
	taskCounter.Add(ctx, 1, s.cfg.Name, "reloaded")
}

// renew extends the lease, if this instance still holds it.
func (s *Scheduler) renew(ctx context.Context) {
	switch ok, err := s.lock.Renew(ctx, s.lease); {
	case err != nil:
		logging.Warningf(ctx, "Failed to renew the refresh lease: %s", err)
		lockCounter.Add(ctx, 1, s.cfg.Name, "error")
	case ok:
		lockCounter.Add(ctx, 1, s.cfg.Name, "renewed")
	default:
		logging.Warningf(ctx, "The refresh lease was lost")
		lockCounter.Add(ctx, 1, s.cfg.Name, "lost")
	}
}

// startRenewal renews the lease in background until the returned function is
// called.
func (s *Scheduler) startRenewal(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := s.cfg.RenewInterval()
	go func() {
		defer close(done)
		for {
			if r := <-clock.After(ctx, interval); r.Err != nil {
				return
			}
			s.renew(ctx)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Reschedule pushes keys to the refresh queue.
//
// Called by the cache when keys are written.
func (s *Scheduler) Reschedule(ctx context.Context, keys []string) error {
	return s.queue.UpsertAll(ctx, keys)
}

// Unschedule removes keys from the refresh queue.
func (s *Scheduler) Unschedule(ctx context.Context, keys []string) error {
	return s.queue.RemoveAll(ctx, keys)
}

// Clear removes everything from the refresh queue.
func (s *Scheduler) Clear(ctx context.Context) error {
	return s.queue.Clear(ctx)
}
