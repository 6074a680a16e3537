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

package lrustore

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/patricklaux/xcache-sub001/store"
)

func TestStore(t *testing.T) {
	t.Parallel()

	ftt.Run("Store", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := New[string]("orders", 2, time.Minute)

		t.Run("Get and put", func(t *ftt.Test) {
			v, err := s.Get(ctx, "o1")
			assert.NoErr(t, err)
			assert.Loosely(t, v.Present(), should.BeFalse)

			assert.NoErr(t, s.Put(ctx, "o1", store.Of("one"), 0))
			v, err = s.Get(ctx, "o1")
			assert.NoErr(t, err)
			assert.Loosely(t, v.Equal(store.Of("one")), should.BeTrue)
		})

		t.Run("Null marker survives", func(t *ftt.Test) {
			assert.NoErr(t, s.Put(ctx, "o1", store.Null[string](), 0))
			v, err := s.Get(ctx, "o1")
			assert.NoErr(t, err)
			assert.Loosely(t, v.Present(), should.BeTrue)
			assert.Loosely(t, v.IsNull(), should.BeTrue)
		})

		t.Run("Putting a miss removes", func(t *ftt.Test) {
			assert.NoErr(t, s.Put(ctx, "o1", store.Of("one"), 0))
			assert.NoErr(t, s.Put(ctx, "o1", store.Miss[string](), 0))
			v, _ := s.Get(ctx, "o1")
			assert.Loosely(t, v.Present(), should.BeFalse)
		})

		t.Run("Size bound", func(t *ftt.Test) {
			assert.NoErr(t, s.PutAll(ctx, map[string]store.CacheValue[string]{
				"o1": store.Of("one"),
				"o2": store.Of("two"),
			}, 0))
			assert.NoErr(t, s.Put(ctx, "o3", store.Of("three"), 0))
			assert.That(t, s.Len(), should.Equal(2))
		})

		t.Run("Expiry", func(t *ftt.Test) {
			assert.NoErr(t, s.Put(ctx, "o1", store.Of("one"), 0))
			tc.Add(2 * time.Minute)
			v, _ := s.Get(ctx, "o1")
			assert.Loosely(t, v.Present(), should.BeFalse)
		})

		t.Run("Remove and clear", func(t *ftt.Test) {
			assert.NoErr(t, s.Put(ctx, "o1", store.Of("one"), 0))
			assert.NoErr(t, s.Put(ctx, "o2", store.Of("two"), 0))

			assert.NoErr(t, s.RemoveAll(ctx, []string{"o1"}))
			all, err := s.GetAll(ctx, []string{"o1", "o2"})
			assert.NoErr(t, err)
			assert.Loosely(t, all, should.HaveLength(1))
			assert.Loosely(t, all["o2"].Equal(store.Of("two")), should.BeTrue)

			assert.NoErr(t, s.Clear(ctx))
			assert.That(t, s.Len(), should.Equal(0))
		})
	})
}
