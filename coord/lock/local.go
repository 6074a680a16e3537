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

package lock

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
)

// Local is a Lock living in the process memory.
//
// Only instances sharing the same *Local are mutually exclusive. Time comes
// from the context clock. The zero value is ready to use.
type Local struct {
	m       sync.Mutex
	leases  map[string]localLease
	nextRun map[string]time.Time
}

type localLease struct {
	owner  string
	expiry time.Time
}

var _ Lock = (*Local)(nil)

// Register implements Lock.
func (*Local) Register(ctx context.Context) error { return nil }

// TryAcquire implements Lock.
func (l *Local) TryAcquire(ctx context.Context, lease Lease) (bool, error) {
	lease.NextRunKey = ""
	res, err := l.AcquireForRun(ctx, lease)
	return res != NotAcquired, err
}

// Renew implements Lock.
func (l *Local) Renew(ctx context.Context, lease Lease) (bool, error) {
	return l.TryAcquire(ctx, lease)
}

// AcquireForRun implements Lock.
func (l *Local) AcquireForRun(ctx context.Context, lease Lease) (Acquisition, error) {
	if err := lease.validate(); err != nil {
		return NotAcquired, err
	}
	now := clock.Now(ctx)

	l.m.Lock()
	defer l.m.Unlock()

	if cur, ok := l.leases[lease.Key]; ok && cur.owner != lease.Owner && now.Before(cur.expiry) {
		return NotAcquired, nil
	}
	if l.leases == nil {
		l.leases = make(map[string]localLease, 1)
	}
	l.leases[lease.Key] = localLease{owner: lease.Owner, expiry: now.Add(lease.Duration)}

	if lease.NextRunKey != "" {
		if next, ok := l.nextRun[lease.NextRunKey]; ok && next.After(now) {
			return AcquiredNotDue, nil
		}
	}
	return Acquired, nil
}

// MarkNextRun implements Lock.
func (l *Local) MarkNextRun(ctx context.Context, lease Lease, after time.Duration) (bool, error) {
	if err := lease.validate(); err != nil {
		return false, err
	}
	if lease.NextRunKey == "" {
		return false, errors.New("lock: empty next run key")
	}
	now := clock.Now(ctx)

	l.m.Lock()
	defer l.m.Unlock()

	if cur, ok := l.leases[lease.Key]; !ok || cur.owner != lease.Owner || !now.Before(cur.expiry) {
		return false, nil
	}
	if l.nextRun == nil {
		l.nextRun = make(map[string]time.Time, 1)
	}
	l.nextRun[lease.NextRunKey] = now.Add(after)
	return true, nil
}
