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

// Package lock implements a lease lock used to elect a single driver of
// periodic work among instances sharing a remote store.
//
// A lease is held by an owner for a fixed duration. Acquiring a lease already
// held by the same owner extends it, so renewal is just re-acquisition. There
// is no unlock: a lease that is not renewed lapses, which also covers crashed
// owners.
//
// A lease may be paired with a "next run" marker: a timestamp, shared by all
// instances, before which the periodic work should not run again. The marker
// is read and written atomically with the lease.
package lock

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"
)

// ErrScriptLoad is returned by Register if the lock scripts can't be loaded
// into the remote store.
var ErrScriptLoad = errors.New("failed to load lock scripts")

// Lease identifies a lock and its owner.
type Lease struct {
	// Key is the lock key.
	Key string
	// NextRunKey is the "next run" marker key. Optional.
	NextRunKey string
	// Owner is the ID of the acquiring instance.
	Owner string
	// Duration is the lease duration. Must be at least 1ms.
	Duration time.Duration
}

func (l Lease) validate() error {
	switch {
	case l.Key == "":
		return errors.New("lock: empty lock key")
	case l.Owner == "":
		return errors.New("lock: empty owner")
	case l.Duration < time.Millisecond:
		return errors.Fmt("lock: lease duration must be >= 1ms, got %s", l.Duration)
	}
	return nil
}

// Acquisition is the outcome of AcquireForRun.
type Acquisition int

const (
	// NotAcquired means the lock is held by someone else.
	NotAcquired Acquisition = iota
	// Acquired means the lease is held and the run is due.
	Acquired
	// AcquiredNotDue means the lease is held, but the "next run" marker is in
	// the future.
	AcquiredNotDue
)

func (a Acquisition) String() string {
	switch a {
	case NotAcquired:
		return "not acquired"
	case Acquired:
		return "acquired"
	case AcquiredNotDue:
		return "acquired, not due"
	}
	return "unknown"
}

// Lock is a lease lock.
//
// All methods are atomic with respect to each other across all instances
// sharing the lock's backend, and safe for concurrent use.
type Lock interface {
	// Register prepares the backend, e.g. loads scripts.
	//
	// Called once at startup. Failures are loud: they return ErrScriptLoad.
	Register(ctx context.Context) error

	// TryAcquire takes or extends the lease.
	//
	// Succeeds if the lock is free or already held by the lease owner.
	TryAcquire(ctx context.Context, l Lease) (bool, error)

	// Renew extends the lease held by the owner.
	//
	// Same as TryAcquire: a lapsed lease is taken again if still free.
	Renew(ctx context.Context, l Lease) (bool, error)

	// AcquireForRun is TryAcquire that also consults the "next run" marker.
	//
	// If l.NextRunKey is empty, behaves as TryAcquire.
	AcquireForRun(ctx context.Context, l Lease) (Acquisition, error)

	// MarkNextRun sets the "next run" marker to `after` from now.
	//
	// Does nothing and returns false if the lease is not held by its owner.
	MarkNextRun(ctx context.Context, l Lease, after time.Duration) (bool, error)
}
