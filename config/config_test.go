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

package config

import (
	"flag"
	"math"
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestRefresh(t *testing.T) {
	t.Parallel()

	ftt.Run("Refresh", t, func(t *ftt.Test) {
		t.Run("Defaults", func(t *ftt.Test) {
			r := Refresh{Name: "orders", RefreshAfterWrite: time.Minute}
			assert.NoErr(t, r.Normalize())
			assert.Loosely(t, r.SID, should.NotBeEmpty)
			assert.That(t, r.Provider, should.Equal(ProviderRedis))
			assert.That(t, r.Period, should.Equal(DefaultRefreshPeriod))
			assert.That(t, r.Shards, should.Equal(DefaultShards))
			assert.That(t, r.MaxKeysPerCycle, should.Equal(DefaultMaxKeysPerCycle))
			assert.That(t, r.Shutdown, should.Equal(ShutdownWait))
			assert.That(t, r.Lease(), should.Equal(DefaultRefreshPeriod+DefaultLeaseMargin))
			assert.Loosely(t, r.RenewInterval() < r.Lease(), should.BeTrue)
		})

		t.Run("Local provider defaults to one shard", func(t *ftt.Test) {
			r := Refresh{Name: "orders", RefreshAfterWrite: time.Minute, Provider: ProviderLocal}
			assert.NoErr(t, r.Normalize())
			assert.That(t, r.Shards, should.Equal(1))
		})

		t.Run("Key names", func(t *ftt.Test) {
			r := Refresh{Name: "orders", Group: "shop", RefreshAfterWrite: time.Minute}
			assert.That(t, r.ScheduleKey(), should.Equal("xcache:refresh:orders"))
			assert.That(t, r.LockKey(), should.Equal("xcache:refresh:lock:{orders}"))
			assert.That(t, r.NextRunKey(), should.Equal("xcache:refresh:next:{orders}"))

			r.EnableGroupPrefix = true
			assert.That(t, r.ScheduleKey(), should.Equal("xcache:shop:refresh:orders"))
			assert.That(t, r.LockKey(), should.Equal("xcache:shop:refresh:lock:{orders}"))
			assert.That(t, r.NextRunKey(), should.Equal("xcache:shop:refresh:next:{orders}"))
		})

		t.Run("Derived values of copies", func(t *ftt.Test) {
			get := func() Refresh {
				return Refresh{Name: "orders", Provider: ProviderRedis, Period: time.Second, LeaseMargin: 2 * time.Second}
			}
			assert.Loosely(t, get().Enabled(), should.BeTrue)
			assert.That(t, get().Lease(), should.Equal(3*time.Second))
			assert.That(t, get().RenewInterval(), should.Equal(time.Second))
			assert.That(t, get().ScheduleKey(), should.Equal("xcache:refresh:orders"))
			assert.That(t, get().LockKey(), should.Equal("xcache:refresh:lock:{orders}"))
			assert.That(t, get().NextRunKey(), should.Equal("xcache:refresh:next:{orders}"))
		})

		t.Run("Validation", func(t *ftt.Test) {
			good := func() Refresh {
				r := Refresh{Name: "orders", RefreshAfterWrite: time.Minute}
				assert.NoErr(t, r.Normalize())
				return r
			}
			cases := []struct {
				name   string
				mutate func(r *Refresh)
				err    string
			}{
				{"no name", func(r *Refresh) { r.Name = "" }, "cache name is required"},
				{"bad provider", func(r *Refresh) { r.Provider = "memcache" }, "unknown refresh provider"},
				{"zero refresh", func(r *Refresh) { r.RefreshAfterWrite = 0 }, "refresh-after-write"},
				{"negative refresh", func(r *Refresh) { r.RefreshAfterWrite = -time.Second }, "refresh-after-write"},
				{"zero period", func(r *Refresh) { r.Period = 0 }, "refresh period"},
				{"overflowing lease", func(r *Refresh) { r.Period = math.MaxInt64 }, "lease duration overflows"},
				{"zero max keys", func(r *Refresh) { r.MaxKeysPerCycle = 0 }, "max keys"},
				{"zero shards", func(r *Refresh) { r.Shards = 0 }, "shard count"},
				{"too many shards", func(r *Refresh) { r.Shards = MaxShards + 1 }, "shard count"},
				{"bad shutdown", func(r *Refresh) { r.Shutdown = "kill" }, "shutdown behavior"},
			}
			for _, c := range cases {
				t.Run(c.name, func(t *ftt.Test) {
					r := good()
					c.mutate(&r)
					err := r.Validate()
					assert.Loosely(t, err, should.ErrLike(c.err))
					assert.Loosely(t, errors.Is(err, ErrBadConfig), should.BeTrue)
				})
			}
		})
	})
}

func TestSync(t *testing.T) {
	t.Parallel()

	ftt.Run("Sync", t, func(t *ftt.Test) {
		t.Run("Channel", func(t *ftt.Test) {
			s := Sync{Name: "orders", Group: "shop"}
			assert.NoErr(t, s.Normalize())
			assert.That(t, s.Channel(), should.Equal("sync:orders"))
			s.EnableGroupPrefix = true
			assert.That(t, s.Channel(), should.Equal("sync:shop:orders"))
		})

		t.Run("Derived values of copies", func(t *ftt.Test) {
			get := func() Sync { return Sync{Name: "orders", Provider: ProviderLocal} }
			assert.That(t, get().Channel(), should.Equal("sync:orders"))
			assert.Loosely(t, get().Enabled(), should.BeTrue)
		})

		t.Run("Validation", func(t *ftt.Test) {
			s := Sync{Name: "orders", Provider: "kafka"}
			assert.Loosely(t, s.Normalize(), should.ErrLike("unknown sync provider"))
			s = Sync{Name: "orders", MaxPending: -1}
			assert.Loosely(t, s.Normalize(), should.ErrLike("max pending"))
		})
	})
}

func TestOptions(t *testing.T) {
	t.Parallel()

	ftt.Run("Options", t, func(t *ftt.Test) {
		opts := &Options{}
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		opts.Register(fs)
		assert.NoErr(t, fs.Parse([]string{
			"-xcache-group", "shop",
			"-xcache-sid", "instance-1",
			"-xcache-refresh-after-write", "500ms",
			"-xcache-refresh-period", "200ms",
			"-xcache-shards", "4",
			"-xcache-sync-on-put=false",
		}))

		t.Run("Refresh", func(t *ftt.Test) {
			r := opts.Refresh("orders")
			assert.NoErr(t, r.Normalize())
			assert.That(t, r.Group, should.Equal("shop"))
			assert.That(t, r.SID, should.Equal("instance-1"))
			assert.That(t, r.RefreshAfterWrite, should.Equal(500*time.Millisecond))
			assert.That(t, r.Period, should.Equal(200*time.Millisecond))
			assert.That(t, r.Shards, should.Equal(4))
			assert.That(t, r.Provider, should.Equal(ProviderRedis))
		})

		t.Run("Refresh disabled without refresh-after-write", func(t *ftt.Test) {
			opts.RefreshAfterWrite = 0
			r := opts.Refresh("orders")
			assert.NoErr(t, r.Normalize())
			assert.Loosely(t, r.Enabled(), should.BeFalse)
		})

		t.Run("Sync", func(t *ftt.Test) {
			s := opts.Sync("orders")
			assert.NoErr(t, s.Normalize())
			assert.Loosely(t, s.OnPut, should.BeFalse)
			assert.Loosely(t, s.OnRemove, should.BeTrue)
			assert.Loosely(t, s.OnClear, should.BeTrue)
			assert.That(t, s.SID, should.Equal("instance-1"))
		})
	})
}
