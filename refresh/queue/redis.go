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
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"

	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/coord/router"
	"github.com/patricklaux/xcache-sub001/internal/redisclock"
)

// maxShardQueries limits concurrent per-shard queries of DueBefore.
const maxShardQueries = 8

// Redis is a Queue in Redis sorted sets, shared by all instances.
//
// Members are cache keys, scores are due times in unix ms taken from the
// Redis server clock. Keys are spread over several sorted sets by a router.
type Redis struct {
	router *router.Router
	after  time.Duration
}

var _ Queue = (*Redis)(nil)

// NewRedis returns a Redis queue.
//
// The configuration must be normalized.
func NewRedis(cfg *config.Refresh) (*Redis, error) {
	r, err := router.New(cfg.ScheduleKey(), cfg.Shards)
	if err != nil {
		return nil, err
	}
	return &Redis{router: r, after: cfg.RefreshAfterWrite}, nil
}

// Router is the router used to pick sorted sets.
func (q *Redis) Router() *router.Router { return q.router }

// Upsert implements Queue.
func (q *Redis) Upsert(ctx context.Context, key string) error {
	return q.UpsertAll(ctx, []string{key})
}

// UpsertAll implements Queue.
func (q *Redis) UpsertAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	now, err := redisclock.Now(conn)
	if err != nil {
		return err
	}
	due, err := dueTime(now, q.after)
	if err != nil {
		return err
	}

	for shard, members := range q.router.Partition(keys) {
		args := make([]any, 0, 1+2*len(members))
		args = append(args, shard)
		for _, m := range members {
			args = append(args, due, m)
		}
		conn.Send("ZADD", args...)
	}
	if _, err := conn.Do(""); err != nil {
		return transient.Tag.Apply(errors.Fmt("ZADD: %w", err))
	}
	return nil
}

// Remove implements Queue.
func (q *Redis) Remove(ctx context.Context, key string) error {
	return q.RemoveAll(ctx, []string{key})
}

// RemoveAll implements Queue.
func (q *Redis) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for shard, members := range q.router.Partition(keys) {
		args := make([]any, 0, 1+len(members))
		args = append(args, shard)
		for _, m := range members {
			args = append(args, m)
		}
		conn.Send("ZREM", args...)
	}
	if _, err := conn.Do(""); err != nil {
		return transient.Tag.Apply(errors.Fmt("ZREM: %w", err))
	}
	return nil
}

type scored struct {
	key string
	due int64
}

// DueBefore implements Queue.
//
// Queries all shards concurrently and merges results by due time.
func (q *Redis) DueBefore(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()

	var m sync.Mutex
	var all []scored

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(maxShardQueries)
	for _, shard := range q.router.AllKeys() {
		eg.Go(func() error {
			found, err := rangeByScore(ectx, shard, nowMs, limit)
			if err != nil {
				return err
			}
			m.Lock()
			all = append(all, found...)
			m.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b scored) int {
		if c := cmp.Compare(a.due, b.due); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.key
	}
	return out, nil
}

func rangeByScore(ctx context.Context, shard string, nowMs int64, limit int) ([]scored, error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	vals, err := redis.Values(conn.Do("ZRANGEBYSCORE", shard, 0, nowMs, "WITHSCORES", "LIMIT", 0, limit))
	if err != nil {
		return nil, transient.Tag.Apply(errors.Fmt("ZRANGEBYSCORE %q: %w", shard, err))
	}
	out := make([]scored, 0, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		key, err := redis.String(vals[i], nil)
		if err != nil {
			return nil, errors.Fmt("ZRANGEBYSCORE %q: member: %w", shard, err)
		}
		due, err := redis.Int64(vals[i+1], nil)
		if err != nil {
			return nil, errors.Fmt("ZRANGEBYSCORE %q: score: %w", shard, err)
		}
		out = append(out, scored{key: key, due: due})
	}
	return out, nil
}

// DueTime implements Queue.
func (q *Redis) DueTime(ctx context.Context, key string) (time.Time, bool, error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	defer conn.Close()

	due, err := redis.Int64(conn.Do("ZSCORE", q.router.SelectKey([]byte(key)), key))
	switch {
	case err == redis.ErrNil:
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, transient.Tag.Apply(errors.Fmt("ZSCORE: %w", err))
	}
	return time.UnixMilli(due).UTC(), true, nil
}

// Now implements Queue.
func (q *Redis) Now(ctx context.Context) (time.Time, error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()
	return redisclock.Now(conn)
}

// Clear implements Queue.
func (q *Redis) Clear(ctx context.Context) error {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// One DEL per shard, shards may live on different cluster nodes.
	for _, k := range q.router.AllKeys() {
		conn.Send("DEL", k)
	}
	if _, err := conn.Do(""); err != nil {
		return transient.Tag.Apply(errors.Fmt("DEL: %w", err))
	}
	return nil
}
