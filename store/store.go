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

// Package store defines the key/value capability cache tiers are built from.
package store

import (
	"context"
	"time"
)

// Store is a single cache tier.
//
// Keys are strings. Implementations must be safe for concurrent use.
type Store[V any] interface {
	// Name is a human readable name of the store, for logs.
	Name() string

	// Get returns the cached value of a key.
	Get(ctx context.Context, key string) (CacheValue[V], error)
	// GetAll returns cached values of keys. Misses are omitted.
	GetAll(ctx context.Context, keys []string) (map[string]CacheValue[V], error)

	// Put stores a value. A zero ttl means the store's default.
	Put(ctx context.Context, key string, value CacheValue[V], ttl time.Duration) error
	// PutAll stores several values with a single ttl.
	PutAll(ctx context.Context, values map[string]CacheValue[V], ttl time.Duration) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveAll deletes several keys.
	RemoveAll(ctx context.Context, keys []string) error

	// Clear deletes everything this store holds.
	Clear(ctx context.Context) error
}

// Invalidator is the part of a Store invalidation sync needs.
type Invalidator interface {
	RemoveAll(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// Codec converts values to bytes and back.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// Compressor compresses encoded values.
type Compressor interface {
	Compress(b []byte) ([]byte, error)
	Decompress(b []byte) ([]byte, error)
}
