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

// Package lrustore implements an in-process cache tier on top of an LRU.
package lrustore

import (
	"context"
	"time"

	"go.chromium.org/luci/common/data/caching/lru"

	"github.com/patricklaux/xcache-sub001/store"
)

// Store is an in-process store.Store.
//
// Entries are evicted in LRU order once Size entries are stored, or when their
// TTL expires.
type Store[V any] struct {
	name string
	ttl  time.Duration
	lru  *lru.Cache[string, store.CacheValue[V]]
}

var _ store.Store[int] = (*Store[int])(nil)

// New returns a store holding at most `size` entries.
//
// A non-positive size means unbounded. `ttl` is used by Put calls with zero
// ttl, zero means entries never expire.
func New[V any](name string, size int, ttl time.Duration) *Store[V] {
	return &Store[V]{
		name: name,
		ttl:  ttl,
		lru:  lru.New[string, store.CacheValue[V]](size),
	}
}

// Name implements store.Store.
func (s *Store[V]) Name() string { return "lru:" + s.name }

// Len is the number of entries, including expired ones not yet pruned.
func (s *Store[V]) Len() int { return s.lru.Len() }

// Get implements store.Store.
func (s *Store[V]) Get(ctx context.Context, key string) (store.CacheValue[V], error) {
	if v, ok := s.lru.Get(ctx, key); ok {
		return v, nil
	}
	return store.Miss[V](), nil
}

// GetAll implements store.Store.
func (s *Store[V]) GetAll(ctx context.Context, keys []string) (map[string]store.CacheValue[V], error) {
	out := make(map[string]store.CacheValue[V], len(keys))
	for _, k := range keys {
		if v, ok := s.lru.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put implements store.Store.
func (s *Store[V]) Put(ctx context.Context, key string, value store.CacheValue[V], ttl time.Duration) error {
	if !value.Present() {
		s.lru.Remove(key)
		return nil
	}
	if ttl == 0 {
		ttl = s.ttl
	}
	s.lru.Put(ctx, key, value, ttl)
	return nil
}

// PutAll implements store.Store.
func (s *Store[V]) PutAll(ctx context.Context, values map[string]store.CacheValue[V], ttl time.Duration) error {
	for k, v := range values {
		if err := s.Put(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Remove implements store.Store.
func (s *Store[V]) Remove(ctx context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// RemoveAll implements store.Store.
func (s *Store[V]) RemoveAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

// Clear implements store.Store.
func (s *Store[V]) Clear(ctx context.Context) error {
	s.lru.Reset()
	return nil
}
