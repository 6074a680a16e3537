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

// Package redisstore implements a remote cache tier in Redis.
//
// Connections are taken from the pool installed in the context by
// go.chromium.org/luci/server/redisconn.
package redisstore

import (
	"context"
	"slices"
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"

	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/store"
)

// Stored blob flag, the first byte of every value.
const (
	nullBlob  byte = 0
	valueBlob byte = 1
)

// scanCount is a COUNT hint for SCAN used by Clear.
const scanCount = 512

// Options configure a Store.
type Options[V any] struct {
	// Group is the namespace shared by caches of one application.
	Group string
	// EnableGroupPrefix prefixes keys with Group.
	EnableGroupPrefix bool

	// Codec serializes values. Required.
	Codec store.Codec[V]
	// Compressor compresses serialized values. Optional.
	Compressor store.Compressor

	// TTL is used by Put calls with zero ttl. Zero means no expiration.
	TTL time.Duration
	// TTLJitter is the upper bound of a random extra added to every ttl.
	//
	// Spreads expiration of keys written together.
	TTLJitter time.Duration
}

// Store is a store.Store in Redis.
type Store[V any] struct {
	name   string
	prefix string
	opts   Options[V]
}

var _ store.Store[int] = (*Store[int])(nil)

// New returns a Redis store of a cache with the given name.
func New[V any](name string, opts Options[V]) (*Store[V], error) {
	switch {
	case name == "":
		return nil, errors.Fmt("%w: store name is required", config.ErrBadConfig)
	case opts.Codec == nil:
		return nil, errors.Fmt("%w: %q: codec is required", config.ErrBadConfig, name)
	case opts.TTL < 0 || opts.TTLJitter < 0:
		return nil, errors.Fmt("%w: %q: negative ttl", config.ErrBadConfig, name)
	}
	prefix := config.KeyPrefix + ":"
	if opts.EnableGroupPrefix && opts.Group != "" {
		prefix += opts.Group + ":"
	}
	return &Store[V]{
		name:   name,
		prefix: prefix + "store:" + name + ":",
		opts:   opts,
	}, nil
}

// Name implements store.Store.
func (s *Store[V]) Name() string { return "redis:" + s.name }

// Key is the Redis key holding the given cache key.
func (s *Store[V]) Key(key string) string { return s.prefix + key }

// Get implements store.Store.
func (s *Store[V]) Get(ctx context.Context, key string) (store.CacheValue[V], error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return store.Miss[V](), err
	}
	defer conn.Close()

	blob, err := redis.Bytes(conn.Do("GET", s.Key(key)))
	switch {
	case err == redis.ErrNil:
		return store.Miss[V](), nil
	case err != nil:
		return store.Miss[V](), transient.Tag.Apply(errors.Fmt("%s: GET %q: %w", s.Name(), key, err))
	}
	return s.decode(key, blob)
}

// GetAll implements store.Store.
func (s *Store[V]) GetAll(ctx context.Context, keys []string) (map[string]store.CacheValue[V], error) {
	if len(keys) == 0 {
		return map[string]store.CacheValue[V]{}, nil
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = s.Key(k)
	}
	blobs, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, transient.Tag.Apply(errors.Fmt("%s: MGET: %w", s.Name(), err))
	}

	out := make(map[string]store.CacheValue[V], len(keys))
	for i, blob := range blobs {
		if blob == nil {
			continue
		}
		v, err := s.decode(keys[i], blob)
		if err != nil {
			return nil, err
		}
		out[keys[i]] = v
	}
	return out, nil
}

// Put implements store.Store.
func (s *Store[V]) Put(ctx context.Context, key string, value store.CacheValue[V], ttl time.Duration) error {
	return s.PutAll(ctx, map[string]store.CacheValue[V]{key: value}, ttl)
}

// PutAll implements store.Store.
//
// Misses in `values` delete corresponding keys.
func (s *Store[V]) PutAll(ctx context.Context, values map[string]store.CacheValue[V], ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	if ttl == 0 {
		ttl = s.opts.TTL
	}

	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for key, value := range values {
		if !value.Present() {
			conn.Send("DEL", s.Key(key))
			continue
		}
		blob, err := s.encode(value)
		if err != nil {
			return errors.Fmt("%s: encoding %q: %w", s.Name(), key, err)
		}
		if exp := s.expiry(ctx, ttl); exp > 0 {
			conn.Send("SET", s.Key(key), blob, "PX", exp.Milliseconds())
		} else {
			conn.Send("SET", s.Key(key), blob)
		}
	}
	if _, err := conn.Do(""); err != nil {
		return transient.Tag.Apply(errors.Fmt("%s: SET: %w", s.Name(), err))
	}
	return nil
}

// Remove implements store.Store.
func (s *Store[V]) Remove(ctx context.Context, key string) error {
	return s.RemoveAll(ctx, []string{key})
}

// RemoveAll implements store.Store.
func (s *Store[V]) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, k := range keys {
		conn.Send("DEL", s.Key(k))
	}
	if _, err := conn.Do(""); err != nil {
		return transient.Tag.Apply(errors.Fmt("%s: DEL: %w", s.Name(), err))
	}
	return nil
}

// Clear implements store.Store.
//
// Collects all keys with the store's prefix with SCAN first, then deletes
// them in batches. Deleting while scanning may skip keys.
func (s *Store[V]) Clear(ctx context.Context) error {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var matched []any
	cursor := 0
	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", s.prefix+"*", "COUNT", scanCount))
		if err != nil {
			return transient.Tag.Apply(errors.Fmt("%s: SCAN: %w", s.Name(), err))
		}
		if len(reply) != 2 {
			return errors.Fmt("%s: SCAN: unexpected reply of length %d", s.Name(), len(reply))
		}
		if cursor, err = redis.Int(reply[0], nil); err != nil {
			return errors.Fmt("%s: SCAN cursor: %w", s.Name(), err)
		}
		keys, err := redis.Values(reply[1], nil)
		if err != nil {
			return errors.Fmt("%s: SCAN keys: %w", s.Name(), err)
		}
		matched = append(matched, keys...)
		if cursor == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	for batch := range slices.Chunk(matched, scanCount) {
		if _, err := conn.Do("DEL", batch...); err != nil {
			return transient.Tag.Apply(errors.Fmt("%s: DEL: %w", s.Name(), err))
		}
	}
	return nil
}

func (s *Store[V]) expiry(ctx context.Context, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if s.opts.TTLJitter > 0 {
		ttl += time.Duration(mathrand.Int63n(ctx, int64(s.opts.TTLJitter)))
	}
	return ttl
}

func (s *Store[V]) encode(value store.CacheValue[V]) ([]byte, error) {
	v, ok := value.Value()
	if !ok {
		return []byte{nullBlob}, nil
	}
	blob, err := s.opts.Codec.Encode(v)
	if err != nil {
		return nil, err
	}
	if s.opts.Compressor != nil {
		if blob, err = s.opts.Compressor.Compress(blob); err != nil {
			return nil, err
		}
	}
	return append([]byte{valueBlob}, blob...), nil
}

func (s *Store[V]) decode(key string, blob []byte) (store.CacheValue[V], error) {
	if len(blob) == 0 {
		return store.Miss[V](), errors.Fmt("%s: %q: empty blob", s.Name(), key)
	}
	switch blob[0] {
	case nullBlob:
		return store.Null[V](), nil
	case valueBlob:
	default:
		return store.Miss[V](), errors.Fmt("%s: %q: unknown blob flag %d", s.Name(), key, blob[0])
	}
	blob = blob[1:]
	var err error
	if s.opts.Compressor != nil {
		if blob, err = s.opts.Compressor.Decompress(blob); err != nil {
			return store.Miss[V](), errors.Fmt("%s: %q: %w", s.Name(), key, err)
		}
	}
	v, err := s.opts.Codec.Decode(blob)
	if err != nil {
		return store.Miss[V](), errors.Fmt("%s: %q: %w", s.Name(), key, err)
	}
	return store.Of(v), nil
}
