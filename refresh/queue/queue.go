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

// Package queue holds the refresh schedule of a cache: which keys should be
// reloaded and when.
//
// Every write of a key (re)schedules it at "now + refresh-after-write". The
// refresh scheduler periodically pulls keys that are due.
package queue

import (
	"context"
	"math"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/patricklaux/xcache-sub001/config"
)

// ErrBadDueTime is returned when a due time can't be computed, because it
// overflows or is not positive. It indicates a misconfiguration.
var ErrBadDueTime = errors.New("bad refresh due time")

// Queue is a refresh schedule.
//
// Implementations are safe for concurrent use.
type Queue interface {
	// Upsert schedules the key at now + refresh-after-write, replacing any
	// existing schedule.
	Upsert(ctx context.Context, key string) error
	// UpsertAll schedules keys at now + refresh-after-write.
	UpsertAll(ctx context.Context, keys []string) error

	// Remove unschedules a key. Removing an unscheduled key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveAll unschedules keys.
	RemoveAll(ctx context.Context, keys []string) error

	// DueBefore returns up to `limit` keys due at or before `now`, most
	// overdue first.
	DueBefore(ctx context.Context, now time.Time, limit int) ([]string, error)

	// DueTime returns the time the key is scheduled at, or false if it is not
	// scheduled.
	DueTime(ctx context.Context, key string) (time.Time, bool, error)

	// Now is the current time according to the queue's clock.
	Now(ctx context.Context) (time.Time, error)

	// Clear unschedules everything.
	Clear(ctx context.Context) error
}

// New returns a queue for the refresh configuration.
//
// The configuration must be normalized. Returns nil if refresh is disabled.
func New(cfg *config.Refresh) (Queue, error) {
	switch cfg.Provider {
	case config.ProviderRedis:
		q, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.ProviderLocal:
		return NewLocal(cfg.RefreshAfterWrite), nil
	case config.ProviderNone:
		return nil, nil
	}
	return nil, errors.Fmt("%w: unknown refresh provider %q", config.ErrBadConfig, cfg.Provider)
}

// dueTime computes now + after in unix milliseconds.
func dueTime(now time.Time, after time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	afterMs := after.Milliseconds()
	if afterMs > 0 && nowMs > math.MaxInt64-afterMs {
		return 0, errors.Fmt("%w: %d + %d overflows", ErrBadDueTime, nowMs, afterMs)
	}
	due := nowMs + afterMs
	if due <= 0 {
		return 0, errors.Fmt("%w: %d is not positive", ErrBadDueTime, due)
	}
	return due, nil
}
