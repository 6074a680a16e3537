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

package redisclock

import (
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/patricklaux/xcache-sub001/internal/redistest"
)

func TestNow(t *testing.T) {
	t.Parallel()

	ftt.Run("Now", t, func(t *ftt.Test) {
		srv := redistest.Start(t)
		now := testclock.TestRecentTimeUTC.Truncate(time.Second).Add(1234 * time.Microsecond)
		srv.SetTime(now)

		conn := srv.Pool.Get()
		defer conn.Close()

		got, err := Now(conn)
		assert.NoErr(t, err)
		assert.That(t, got, should.Match(now))
	})
}
