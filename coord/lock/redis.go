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
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"

	"github.com/patricklaux/xcache-sub001/internal/redisclock"
)

// acquireScript takes or extends a lease.
//
// KEYS[1] is the lock key, optional KEYS[2] is the "next run" marker.
// ARGV is [owner, lease ms, server now ms].
//
// Returns 0 if the lock is held by someone else, 1 if the lease is held and
// the run is due, 2 if the lease is held but the marker is in the future.
var acquireScript = redis.NewScript(-1, `
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
if #KEYS < 2 then
  return 1
end
local nextRun = tonumber(redis.call('GET', KEYS[2]))
if nextRun and nextRun > tonumber(ARGV[3]) then
  return 2
end
return 1
`)

// markScript sets the "next run" marker if the lease is held by the owner.
//
// KEYS[1] is the lock key, KEYS[2] is the marker. ARGV is [owner, next run ms,
// marker ttl ms].
var markScript = redis.NewScript(2, `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Redis is a Lock backed by Redis scripts.
//
// Connections come from redisconn. Times are read from the Redis server, so
// instances with skewed clocks agree on them.
type Redis struct{}

var _ Lock = Redis{}

// Register loads the scripts into the server script cache.
//
// Scripts are also sent in full if they get evicted from the cache later.
func (Redis) Register(ctx context.Context) error {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return errors.Fmt("%w: %w", ErrScriptLoad, err)
	}
	defer conn.Close()
	for _, s := range []*redis.Script{acquireScript, markScript} {
		if err := s.Load(conn); err != nil {
			return errors.Fmt("%w: %w", ErrScriptLoad, err)
		}
	}
	logging.Debugf(ctx, "Lock scripts are loaded")
	return nil
}

// TryAcquire implements Lock.
func (r Redis) TryAcquire(ctx context.Context, l Lease) (bool, error) {
	l.NextRunKey = ""
	res, err := r.AcquireForRun(ctx, l)
	return res != NotAcquired, err
}

// Renew implements Lock.
func (r Redis) Renew(ctx context.Context, l Lease) (bool, error) {
	return r.TryAcquire(ctx, l)
}

// AcquireForRun implements Lock.
func (Redis) AcquireForRun(ctx context.Context, l Lease) (Acquisition, error) {
	if err := l.validate(); err != nil {
		return NotAcquired, err
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return NotAcquired, err
	}
	defer conn.Close()

	now, err := redisclock.Now(conn)
	if err != nil {
		return NotAcquired, err
	}

	args := []any{1, l.Key}
	if l.NextRunKey != "" {
		args = []any{2, l.Key, l.NextRunKey}
	}
	args = append(args, l.Owner, l.Duration.Milliseconds(), now.UnixMilli())

	res, err := redis.Int(acquireScript.Do(conn, args...))
	if err != nil {
		return NotAcquired, transient.Tag.Apply(errors.Fmt("lock %q: %w", l.Key, err))
	}
	switch Acquisition(res) {
	case NotAcquired, Acquired, AcquiredNotDue:
		return Acquisition(res), nil
	}
	return NotAcquired, errors.Fmt("lock %q: unexpected script result %d", l.Key, res)
}

// MarkNextRun implements Lock.
//
// The marker expires a lease duration after the marked time, so a marker left
// by a long gone fleet does not linger.
func (Redis) MarkNextRun(ctx context.Context, l Lease, after time.Duration) (bool, error) {
	if err := l.validate(); err != nil {
		return false, err
	}
	if l.NextRunKey == "" {
		return false, errors.New("lock: empty next run key")
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	now, err := redisclock.Now(conn)
	if err != nil {
		return false, err
	}
	next := now.Add(after)
	ttl := max(after, 0) + l.Duration

	res, err := redis.Int(markScript.Do(conn, l.Key, l.NextRunKey, l.Owner, next.UnixMilli(), ttl.Milliseconds()))
	if err != nil {
		return false, transient.Tag.Apply(errors.Fmt("lock %q: marking next run: %w", l.Key, err))
	}
	return res == 1, nil
}
