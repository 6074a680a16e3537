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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/patricklaux/xcache-sub001/internal/redistest"
)

// backend is a Lock plus a way to move its notion of time forward.
type backend struct {
	name  string
	setup func(t *ftt.Test) (context.Context, Lock, func(time.Duration))
}

var backends = []backend{
	{
		name: "Local",
		setup: func(t *ftt.Test) (context.Context, Lock, func(time.Duration)) {
			ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
			return ctx, &Local{}, func(d time.Duration) { tc.Add(d) }
		},
	},
	{
		name: "Redis",
		setup: func(t *ftt.Test) (context.Context, Lock, func(time.Duration)) {
			srv := redistest.Start(t)
			now := testclock.TestRecentTimeUTC
			srv.SetTime(now)
			return srv.Use(context.Background()), Redis{}, func(d time.Duration) {
				now = now.Add(d)
				srv.SetTime(now)
				srv.FastForward(d)
			}
		},
	},
}

func TestLock(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		ftt.Run(b.name, t, func(t *ftt.Test) {
			ctx, l, advance := b.setup(t)
			assert.NoErr(t, l.Register(ctx))

			a := Lease{Key: "lock:{orders}", NextRunKey: "next:{orders}", Owner: "a", Duration: 10 * time.Second}
			other := a
			other.Owner = "b"

			t.Run("Exclusive", func(t *ftt.Test) {
				ok, err := l.TryAcquire(ctx, a)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeTrue)

				ok, err = l.TryAcquire(ctx, other)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeFalse)
			})

			t.Run("Reentrant", func(t *ftt.Test) {
				ok, _ := l.TryAcquire(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
				ok, _ = l.TryAcquire(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
			})

			t.Run("Renew extends the lease", func(t *ftt.Test) {
				ok, _ := l.TryAcquire(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
				advance(8 * time.Second)
				ok, _ = l.Renew(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
				advance(8 * time.Second)

				// 16s after the first acquisition the lease is still alive.
				ok, _ = l.TryAcquire(ctx, other)
				assert.Loosely(t, ok, should.BeFalse)
			})

			t.Run("Lease lapses", func(t *ftt.Test) {
				ok, _ := l.TryAcquire(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
				advance(11 * time.Second)

				ok, _ = l.TryAcquire(ctx, other)
				assert.Loosely(t, ok, should.BeTrue)
				ok, _ = l.Renew(ctx, a)
				assert.Loosely(t, ok, should.BeFalse)
			})

			t.Run("Next run marker", func(t *ftt.Test) {
				res, err := l.AcquireForRun(ctx, a)
				assert.NoErr(t, err)
				assert.That(t, res, should.Equal(Acquired))

				ok, err := l.MarkNextRun(ctx, a, 5*time.Second)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeTrue)

				res, err = l.AcquireForRun(ctx, a)
				assert.NoErr(t, err)
				assert.That(t, res, should.Equal(AcquiredNotDue))

				// Other owners still can't get the lease.
				res, err = l.AcquireForRun(ctx, other)
				assert.NoErr(t, err)
				assert.That(t, res, should.Equal(NotAcquired))

				advance(6 * time.Second)
				res, err = l.AcquireForRun(ctx, a)
				assert.NoErr(t, err)
				assert.That(t, res, should.Equal(Acquired))
			})

			t.Run("Marker is shared by owners", func(t *ftt.Test) {
				res, _ := l.AcquireForRun(ctx, a)
				assert.That(t, res, should.Equal(Acquired))
				ok, _ := l.MarkNextRun(ctx, a, 30*time.Second)
				assert.Loosely(t, ok, should.BeTrue)

				// "a" dies, its lease lapses, "b" takes over but the run is not due.
				advance(11 * time.Second)
				res, _ = l.AcquireForRun(ctx, other)
				assert.That(t, res, should.Equal(AcquiredNotDue))
			})

			t.Run("Only the owner marks", func(t *ftt.Test) {
				ok, _ := l.TryAcquire(ctx, a)
				assert.Loosely(t, ok, should.BeTrue)
				ok, err := l.MarkNextRun(ctx, other, time.Minute)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeFalse)

				res, _ := l.AcquireForRun(ctx, a)
				assert.That(t, res, should.Equal(Acquired))
			})

			t.Run("Bad leases", func(t *ftt.Test) {
				_, err := l.TryAcquire(ctx, Lease{Key: "k", Duration: time.Second})
				assert.Loosely(t, err, should.ErrLike("empty owner"))
				_, err = l.TryAcquire(ctx, Lease{Key: "k", Owner: "a"})
				assert.Loosely(t, err, should.ErrLike("lease duration"))
				_, err = l.MarkNextRun(ctx, Lease{Key: "k", Owner: "a", Duration: time.Second}, time.Second)
				assert.Loosely(t, err, should.ErrLike("empty next run key"))
			})

			t.Run("At most one of competing owners", func(t *ftt.Test) {
				const instances = 16

				for round := range 5 {
					var winners atomic.Int32
					var wg sync.WaitGroup
					for i := range instances {
						wg.Add(1)
						go func() {
							defer wg.Done()
							lease := a
							lease.Owner = fmt.Sprintf("instance-%d-%d", round, i)
							if res, err := l.AcquireForRun(ctx, lease); err == nil && res != NotAcquired {
								winners.Add(1)
							}
						}()
					}
					wg.Wait()
					assert.That(t, winners.Load(), should.Equal[int32](1))
					advance(a.Duration + time.Second)
				}
			})
		})
	}

	ftt.Run("Redis without a pool", t, func(t *ftt.Test) {
		err := Redis{}.Register(context.Background())
		assert.Loosely(t, err, should.ErrLike(ErrScriptLoad))
	})
}
