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

// Package tracker keeps track of asynchronous tasks launched by a refresh
// cycle.
//
// Tasks are recorded in fixed-size batches. Once every task of a batch is
// done, the whole batch is dropped, so memory is proportional to the number of
// outstanding tasks, not to the number of tasks ever launched.
package tracker

import (
	"context"
	"runtime/debug"
	"sync"

	"go.chromium.org/luci/common/logging"
)

// DefaultBatchSize is the default number of tasks per batch.
const DefaultBatchSize = 256

// Handle is a running task.
type Handle interface {
	// Done is closed when the task completes.
	Done() <-chan struct{}
}

// batch is a fixed capacity array of handles. Its length is the cursor.
type batch struct {
	handles []Handle
}

func (b *batch) full() bool {
	return len(b.handles) == cap(b.handles)
}

// finished is true if every handle in the batch is done.
//
// Stops at the first pending handle. Handles are checked from the start, and
// tasks started earlier tend to finish earlier, so a still busy batch usually
// costs a single check.
func (b *batch) finished() bool {
	for _, h := range b.handles {
		select {
		case <-h.Done():
		default:
			return false
		}
	}
	return true
}

// Tracker tracks tasks.
//
// It is safe for concurrent use, though it is meant to be driven by a single
// scheduler goroutine.
type Tracker struct {
	batchSize int

	m       sync.Mutex
	batches []*batch
}

// New returns a tracker with the given batch size.
//
// Non-positive batch size means DefaultBatchSize.
func New(batchSize int) *Tracker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Tracker{batchSize: batchSize}
}

// Submit records a task handle.
//
// It goes into the last batch, a new batch is opened if that one is full.
func (t *Tracker) Submit(h Handle) {
	t.m.Lock()
	defer t.m.Unlock()
	var cur *batch
	if n := len(t.batches); n > 0 && !t.batches[n-1].full() {
		cur = t.batches[n-1]
	} else {
		cur = &batch{handles: make([]Handle, 0, t.batchSize)}
		t.batches = append(t.batches, cur)
	}
	cur.handles = append(cur.handles, h)
}

// Go launches `task` in a goroutine and records it.
//
// A panicking task is logged and counts as done.
func (t *Tracker) Go(ctx context.Context, task func(ctx context.Context)) {
	h := &handle{done: make(chan struct{})}
	t.Submit(h)
	go func() {
		defer close(h.done)
		defer func() {
			if p := recover(); p != nil {
				logging.Errorf(ctx, "Task panicked: %s\n%s", p, debug.Stack())
			}
		}()
		task(ctx)
	}()
}

// AllFinished drops finished batches and returns true if none remain.
func (t *Tracker) AllFinished() bool {
	t.m.Lock()
	defer t.m.Unlock()
	kept := t.batches[:0]
	for _, b := range t.batches {
		if !b.finished() {
			kept = append(kept, b)
		}
	}
	clear(t.batches[len(kept):])
	t.batches = kept
	return len(t.batches) == 0
}

// Retained is the number of batches kept since the last AllFinished.
func (t *Tracker) Retained() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.batches)
}

// Wait blocks until all tracked tasks are done or the context expires.
func (t *Tracker) Wait(ctx context.Context) error {
	t.m.Lock()
	var pending []Handle
	for _, b := range t.batches {
		pending = append(pending, b.handles...)
	}
	t.m.Unlock()

	for _, h := range pending {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.AllFinished()
	return nil
}

type handle struct {
	done chan struct{}
}

func (h *handle) Done() <-chan struct{} { return h.done }
