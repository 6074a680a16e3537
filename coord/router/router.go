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

// Package router splits a logical remote collection into several physical
// keys.
//
// When the remote store is a cluster, a single large collection lives on one
// node and becomes a hot spot. Router spreads members across N independently
// hashed keys. The routing is a pure function of the member bytes and N, so N
// must not change while members routed by the previous value exist.
package router

import (
	"math/bits"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"go.chromium.org/luci/common/errors"

	"github.com/patricklaux/xcache-sub001/config"
)

// Router maps members to shard keys.
//
// Router is immutable and safe for concurrent use.
type Router struct {
	base string
	keys []string
}

// New returns a router over `shards` keys derived from `base`.
//
// A single-shard router uses `base` itself as the only key. Otherwise the
// shard keys are "<base>:<index>".
func New(base string, shards int) (*Router, error) {
	switch {
	case base == "":
		return nil, errors.Fmt("%w: empty base key", config.ErrBadConfig)
	case shards <= 0 || shards > config.MaxShards:
		return nil, errors.Fmt("%w: shard count must be in [1, %d], got %d", config.ErrBadConfig, config.MaxShards, shards)
	}
	r := &Router{base: base, keys: make([]string, shards)}
	if shards == 1 {
		r.keys[0] = base
		return r, nil
	}
	for i := range r.keys {
		r.keys[i] = base + ":" + strconv.Itoa(i)
	}
	return r, nil
}

// Base is the logical collection name.
func (r *Router) Base() string { return r.base }

// Shards is the number of shard keys.
func (r *Router) Shards() int { return len(r.keys) }

// SelectIndex returns the index of the shard the member belongs to.
func (r *Router) SelectIndex(member []byte) int {
	return shardIndex(xxhash.Sum64(member), len(r.keys))
}

// SelectKey returns the shard key the member belongs to.
func (r *Router) SelectKey(member []byte) string {
	return r.keys[r.SelectIndex(member)]
}

// AllKeys returns all shard keys, ordered by index.
//
// The returned slice is a copy.
func (r *Router) AllKeys() []string {
	return append([]string(nil), r.keys...)
}

// EstimateBucketCapacity estimates how many of `n` members land in one shard.
//
// Used to preallocate per-shard slices. Leaves ~25% headroom over the even
// split and never exceeds n.
func (r *Router) EstimateBucketCapacity(n int) int {
	if n <= 0 {
		return 0
	}
	shards := len(r.keys)
	per := (n + shards - 1) / shards
	per += per/4 + 1
	return min(per, n)
}

// Partition groups members by their shard key.
//
// Shards with no members are omitted. Relative order of members within a
// shard is preserved.
func (r *Router) Partition(members []string) map[string][]string {
	out := make(map[string][]string, min(len(members), len(r.keys)))
	if len(r.keys) == 1 {
		if len(members) > 0 {
			out[r.keys[0]] = members
		}
		return out
	}
	capacity := r.EstimateBucketCapacity(len(members))
	for _, m := range members {
		key := r.keys[r.SelectIndex([]byte(m))]
		bucket, ok := out[key]
		if !ok {
			bucket = make([]string, 0, capacity)
		}
		out[key] = append(bucket, m)
	}
	return out
}

// shardIndex maps a 64-bit hash to a shard index, masking when the shard
// count is a power of two.
func shardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if bits.OnesCount(uint(shards)) == 1 {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
