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

package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
)

// Local is a Queue in the process memory, for caches served by a single
// instance.
//
// Entries form a list ordered by the time they were last scheduled. All
// entries share the refresh-after-write delay, so this is also the due time
// order, and DueBefore just walks the list from the front.
type Local struct {
	after time.Duration

	m     sync.Mutex
	order list.List                // of *localEntry, oldest first
	index map[string]*list.Element // key => its element in `order`
}

type localEntry struct {
	key string
	due int64 // unix ms
}

var _ Queue = (*Local)(nil)

// NewLocal returns an in-process queue.
func NewLocal(after time.Duration) *Local {
	return &Local{after: after, index: map[string]*list.Element{}}
}

// Len is the number of scheduled keys.
func (q *Local) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return q.order.Len()
}

// Upsert implements Queue.
func (q *Local) Upsert(ctx context.Context, key string) error {
	return q.UpsertAll(ctx, []string{key})
}

// UpsertAll implements Queue.
//
// Rescheduled keys move to the tail.
func (q *Local) UpsertAll(ctx context.Context, keys []string) error {
	due, err := dueTime(clock.Now(ctx), q.after)
	if err != nil {
		return err
	}

	q.m.Lock()
	defer q.m.Unlock()
	for _, k := range keys {
		if el, ok := q.index[k]; ok {
			el.Value.(*localEntry).due = due
			q.order.MoveToBack(el)
		} else {
			q.index[k] = q.order.PushBack(&localEntry{key: k, due: due})
		}
	}
	return nil
}

// Remove implements Queue.
func (q *Local) Remove(ctx context.Context, key string) error {
	return q.RemoveAll(ctx, []string{key})
}

// RemoveAll implements Queue.
func (q *Local) RemoveAll(ctx context.Context, keys []string) error {
	q.m.Lock()
	defer q.m.Unlock()
	for _, k := range keys {
		if el, ok := q.index[k]; ok {
			q.order.Remove(el)
			delete(q.index, k)
		}
	}
	return nil
}

// DueBefore implements Queue.
func (q *Local) DueBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()

	q.m.Lock()
	defer q.m.Unlock()
	var out []string
	for el := q.order.Front(); el != nil && len(out) < limit; el = el.Next() {
		e := el.Value.(*localEntry)
		if e.due > nowMs {
			break
		}
		out = append(out, e.key)
	}
	return out, nil
}

// DueTime implements Queue.
func (q *Local) DueTime(ctx context.Context, key string) (time.Time, bool, error) {
	q.m.Lock()
	defer q.m.Unlock()
	if el, ok := q.index[key]; ok {
		return time.UnixMilli(el.Value.(*localEntry).due).UTC(), true, nil
	}
	return time.Time{}, false, nil
}

// Now implements Queue.
func (q *Local) Now(ctx context.Context) (time.Time, error) {
	return clock.Now(ctx), nil
}

// Clear implements Queue.
func (q *Local) Clear(ctx context.Context) error {
	q.m.Lock()
	defer q.m.Unlock()
	q.order.Init()
	clear(q.index)
	return nil
}
