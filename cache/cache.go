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

// Package cache implements a tiered cache coordinated across instances.
//
// A Cache reads through an in-process tier, a remote tier and finally a
// loader querying the system of record. Written keys are scheduled for
// proactive refresh, see package refresh, and their modification is announced
// to other instances, see package cachesync.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/patricklaux/xcache-sub001/cachesync"
	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/coord/lock"
	"github.com/patricklaux/xcache-sub001/refresh"
	"github.com/patricklaux/xcache-sub001/refresh/queue"
	"github.com/patricklaux/xcache-sub001/store"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("the cache is closed")

// LoadFunc loads a value from the system of record.
//
// Returns false if the system of record doesn't have the key.
type LoadFunc[V any] func(ctx context.Context, key string) (V, bool, error)

// loadParallelism caps concurrent loads of one GetAll call.
const loadParallelism = 16

// Options configure a Cache.
type Options[V any] struct {
	// Name is the cache name. Required.
	Name string

	// Local is the in-process tier. Optional.
	Local store.Store[V]
	// Remote is the shared remote tier. Optional.
	//
	// At least one of Local and Remote is required.
	Remote store.Store[V]

	// Loader loads missing keys. Required if refresh is enabled.
	Loader LoadFunc[V]
	// AllowNull caches keys absent in the system of record as null markers.
	AllowNull bool

	// Refresh configures proactive refresh. An empty or "none" provider
	// disables it.
	Refresh config.Refresh
	// RefreshQueue overrides the queue picked by Refresh.Provider.
	RefreshQueue queue.Queue
	// RefreshLock overrides the lock picked by Refresh.Provider.
	RefreshLock lock.Lock

	// Sync configures invalidation sync. An empty or "none" provider disables
	// it.
	//
	// Requires the Local tier, there is nothing to invalidate otherwise.
	Sync config.Sync
	// SyncTransport overrides the transport picked by Sync.Provider.
	SyncTransport cachesync.Transport
}

// Stats are counters of a cache.
type Stats struct {
	// LocalHits is how many keys were found in the local tier.
	LocalHits int64
	// RemoteHits is how many keys were found in the remote tier.
	RemoteHits int64
	// Loads is how many keys were fetched by the loader.
	Loads int64
	// Misses is how many keys were not found anywhere.
	Misses int64
}

type stats struct {
	localHits  atomic.Int64
	remoteHits atomic.Int64
	loads      atomic.Int64
	misses     atomic.Int64
}

// refresher is the part of refresh.Scheduler a Cache uses.
type refresher interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Reschedule(ctx context.Context, keys []string) error
	Unschedule(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// noRefresh is used when refresh is disabled.
type noRefresh struct{}

func (noRefresh) Start(context.Context) error                { return nil }
func (noRefresh) Close(context.Context) error                { return nil }
func (noRefresh) Reschedule(context.Context, []string) error { return nil }
func (noRefresh) Unschedule(context.Context, []string) error { return nil }
func (noRefresh) Clear(context.Context) error                { return nil }

// announcer is the part of cachesync.Broadcaster a Cache uses.
type announcer interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
	OnPut(ctx context.Context, keys []string)
	OnRemove(ctx context.Context, keys []string)
	OnClear(ctx context.Context)
}

// noSync is used when sync is disabled.
type noSync struct{}

func (noSync) Start(context.Context) error        { return nil }
func (noSync) Close(context.Context)              {}
func (noSync) OnPut(context.Context, []string)    {}
func (noSync) OnRemove(context.Context, []string) {}
func (noSync) OnClear(context.Context)            {}

// Cache is a tiered cache of values of type V.
type Cache[V any] struct {
	name      string
	local     store.Store[V]
	remote    store.Store[V]
	loader    LoadFunc[V]
	allowNull bool

	refresher refresher
	announcer announcer
	scheduler *refresh.Scheduler     // nil if refresh is disabled
	sync      *cachesync.Broadcaster // nil if sync is disabled

	flight singleflight.Group
	stats  stats
	closed atomic.Bool

	m       sync.Mutex
	started bool
}

// New creates a cache.
//
// Configurations are validated here. Background activity starts with Start.
func New[V any](opts Options[V]) (*Cache[V], error) {
	switch {
	case opts.Name == "":
		return nil, errors.Fmt("%w: cache name is required", config.ErrBadConfig)
	case opts.Local == nil && opts.Remote == nil:
		return nil, errors.Fmt("%w: %q: at least one store is required", config.ErrBadConfig, opts.Name)
	}

	c := &Cache[V]{
		name:      opts.Name,
		local:     opts.Local,
		remote:    opts.Remote,
		loader:    opts.Loader,
		allowNull: opts.AllowNull,
		refresher: noRefresh{},
		announcer: noSync{},
	}

	opts.Refresh.Name = opts.Name
	if enabled(opts.Refresh.Provider) {
		if opts.Loader == nil {
			return nil, errors.Fmt("%w: %q: refresh requires a loader", config.ErrBadConfig, opts.Name)
		}
		s, err := refresh.New(opts.Refresh, refresh.Options{
			Reload:      c.reload,
			StillCached: c.stillCached,
			Queue:       opts.RefreshQueue,
			Lock:        opts.RefreshLock,
		})
		if err != nil {
			return nil, err
		}
		c.scheduler, c.refresher = s, s
	}

	opts.Sync.Name = opts.Name
	if enabled(opts.Sync.Provider) {
		if opts.Local == nil {
			return nil, errors.Fmt("%w: %q: sync requires a local store", config.ErrBadConfig, opts.Name)
		}
		b, err := cachesync.New(opts.Sync, opts.Local, opts.SyncTransport)
		if err != nil {
			return nil, err
		}
		c.sync, c.announcer = b, b
	}

	return c, nil
}

func enabled(p config.Provider) bool {
	return p != "" && p != config.ProviderNone
}

// Name is the cache name.
func (c *Cache[V]) Name() string { return c.name }

// Scheduler is the refresh scheduler or nil if refresh is disabled.
func (c *Cache[V]) Scheduler() *refresh.Scheduler { return c.scheduler }

// Broadcaster is the sync broadcaster or nil if sync is disabled.
func (c *Cache[V]) Broadcaster() *cachesync.Broadcaster { return c.sync }

// Stats returns a snapshot of counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		LocalHits:  c.stats.localHits.Load(),
		RemoteHits: c.stats.remoteHits.Load(),
		Loads:      c.stats.loads.Load(),
		Misses:     c.stats.misses.Load(),
	}
}

// Start launches refresh and sync.
//
// On error nothing is left running.
func (c *Cache[V]) Start(ctx context.Context) error {
	ctx = logging.SetField(ctx, "cache", c.name)

	c.m.Lock()
	defer c.m.Unlock()
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.started:
		return errors.Fmt("cache %q is already started", c.name)
	}

	if err := c.announcer.Start(ctx); err != nil {
		return err
	}
	if err := c.refresher.Start(ctx); err != nil {
		c.announcer.Close(ctx)
		return err
	}
	c.started = true
	return nil
}

// Close stops refresh and sync.
//
// Waits for in-flight reloads as configured by the refresh shutdown behavior,
// up to `ctx` deadline. Further operations return ErrClosed. Safe to call
// many times.
func (c *Cache[V]) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.m.Lock()
	defer c.m.Unlock()
	if !c.started {
		return nil
	}
	c.announcer.Close(ctx)
	return c.refresher.Close(ctx)
}

// Get returns the cached value of a key, loading it if necessary.
//
// Returns a miss if the key is nowhere to be found, or a null marker if the
// system of record doesn't have it and null values are cached.
func (c *Cache[V]) Get(ctx context.Context, key string) (store.CacheValue[V], error) {
	if c.closed.Load() {
		return store.Miss[V](), ErrClosed
	}

	if c.local != nil {
		switch v, err := c.local.Get(ctx, key); {
		case err != nil:
			return store.Miss[V](), err
		case v.Present():
			c.stats.localHits.Add(1)
			requestCounter.Add(ctx, 1, c.name, "local_hit")
			return v, nil
		}
	}

	if c.remote != nil {
		switch v, err := c.remote.Get(ctx, key); {
		case err != nil:
			requestCounter.Add(ctx, 1, c.name, "error")
			return store.Miss[V](), err
		case v.Present():
			c.stats.remoteHits.Add(1)
			requestCounter.Add(ctx, 1, c.name, "remote_hit")
			c.fillLocal(ctx, map[string]store.CacheValue[V]{key: v})
			return v, nil
		}
	}

	return c.load(ctx, key)
}

// GetAll returns cached values of keys, loading missing ones.
//
// Keys nowhere to be found are omitted.
func (c *Cache[V]) GetAll(ctx context.Context, keys []string) (map[string]store.CacheValue[V], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	out := make(map[string]store.CacheValue[V], len(keys))
	missing := stringset.NewFromSlice(keys...)

	if c.local != nil && missing.Len() > 0 {
		found, err := c.local.GetAll(ctx, missing.ToSortedSlice())
		if err != nil {
			return nil, err
		}
		for k, v := range found {
			out[k] = v
			missing.Del(k)
		}
		c.stats.localHits.Add(int64(len(found)))
		requestCounter.Add(ctx, int64(len(found)), c.name, "local_hit")
	}

	if c.remote != nil && missing.Len() > 0 {
		found, err := c.remote.GetAll(ctx, missing.ToSortedSlice())
		if err != nil {
			requestCounter.Add(ctx, int64(missing.Len()), c.name, "error")
			return nil, err
		}
		for k, v := range found {
			out[k] = v
			missing.Del(k)
		}
		c.stats.remoteHits.Add(int64(len(found)))
		requestCounter.Add(ctx, int64(len(found)), c.name, "remote_hit")
		c.fillLocal(ctx, found)
	}

	if missing.Len() == 0 {
		return out, nil
	}

	var m sync.Mutex
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(loadParallelism)
	for _, key := range missing.ToSortedSlice() {
		eg.Go(func() error {
			v, err := c.load(ectx, key)
			if err != nil || !v.Present() {
				return err
			}
			m.Lock()
			out[key] = v
			m.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// load fetches a key from the system of record and stores it in all tiers.
//
// Concurrent loads of the same key are collapsed into one.
func (c *Cache[V]) load(ctx context.Context, key string) (store.CacheValue[V], error) {
	if c.loader == nil {
		c.stats.misses.Add(1)
		requestCounter.Add(ctx, 1, c.name, "miss")
		return store.Miss[V](), nil
	}

	res, err, _ := c.flight.Do(key, func() (any, error) {
		v, err := c.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if !v.Present() {
			return v, nil
		}
		values := map[string]store.CacheValue[V]{key: v}
		if err := c.putTiers(ctx, values); err != nil {
			return nil, err
		}
		c.schedule(ctx, []string{key})
		return v, nil
	})
	if err != nil {
		requestCounter.Add(ctx, 1, c.name, "error")
		return store.Miss[V](), err
	}

	v := res.(store.CacheValue[V])
	if v.Present() {
		c.stats.loads.Add(1)
		requestCounter.Add(ctx, 1, c.name, "loaded")
	} else {
		c.stats.misses.Add(1)
		requestCounter.Add(ctx, 1, c.name, "miss")
	}
	return v, nil
}

// fetch calls the loader and wraps its result.
func (c *Cache[V]) fetch(ctx context.Context, key string) (store.CacheValue[V], error) {
	v, ok, err := c.loader(ctx, key)
	switch {
	case err != nil:
		return store.Miss[V](), errors.Fmt("loading %q: %w", key, err)
	case ok:
		return store.Of(v), nil
	case c.allowNull:
		return store.Null[V](), nil
	default:
		return store.Miss[V](), nil
	}
}

// Put stores a value.
//
// The key is scheduled for refresh and other instances are told to drop their
// local copies.
func (c *Cache[V]) Put(ctx context.Context, key string, value V) error {
	return c.PutAll(ctx, map[string]V{key: value})
}

// PutAll stores several values.
func (c *Cache[V]) PutAll(ctx context.Context, values map[string]V) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}
	wrapped := make(map[string]store.CacheValue[V], len(values))
	keys := make([]string, 0, len(values))
	for k, v := range values {
		wrapped[k] = store.Of(v)
		keys = append(keys, k)
	}
	if err := c.putTiers(ctx, wrapped); err != nil {
		return err
	}
	c.schedule(ctx, keys)
	c.announcer.OnPut(ctx, keys)
	return nil
}

// Remove deletes a key from all tiers.
func (c *Cache[V]) Remove(ctx context.Context, key string) error {
	return c.RemoveAll(ctx, []string{key})
}

// RemoveAll deletes keys from all tiers.
func (c *Cache[V]) RemoveAll(ctx context.Context, keys []string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.removeTiers(ctx, keys); err != nil {
		return err
	}
	if err := c.refresher.Unschedule(ctx, keys); err != nil {
		logging.Warningf(ctx, "Failed to unschedule %d key(s) of %q: %s", len(keys), c.name, err)
	}
	c.announcer.OnRemove(ctx, keys)
	return nil
}

// Clear deletes everything from all tiers and the refresh queue.
func (c *Cache[V]) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.remote != nil {
		if err := c.remote.Clear(ctx); err != nil {
			return err
		}
	}
	if c.local != nil {
		if err := c.local.Clear(ctx); err != nil {
			return err
		}
	}
	if err := c.refresher.Clear(ctx); err != nil {
		logging.Warningf(ctx, "Failed to clear the refresh queue of %q: %s", c.name, err)
	}
	c.announcer.OnClear(ctx)
	return nil
}

// reload is the refresh callback.
//
// Other instances are told to drop their local copies only if the value has
// changed.
func (c *Cache[V]) reload(ctx context.Context, key string) error {
	v, err := c.fetch(ctx, key)
	if err != nil {
		return err
	}

	old, err := c.peek(ctx, key)
	if err != nil {
		return err
	}

	if !v.Present() {
		// Gone from the system of record and nulls are not cached.
		if err := c.removeTiers(ctx, []string{key}); err != nil {
			return err
		}
		if err := c.refresher.Unschedule(ctx, []string{key}); err != nil {
			logging.Warningf(ctx, "Failed to unschedule %q: %s", key, err)
		}
		c.announcer.OnRemove(ctx, []string{key})
		return nil
	}

	if err := c.putTiers(ctx, map[string]store.CacheValue[V]{key: v}); err != nil {
		return err
	}
	if !old.Equal(v) {
		c.announcer.OnPut(ctx, []string{key})
	}
	return nil
}

// stillCached is the refresh callback deciding if a key is worth reloading.
//
// The refresh queue is shared by all instances, so a key written through a
// peer is worth reloading as long as the shared remote tier holds it, even if
// the local tier of the driving instance never saw it.
func (c *Cache[V]) stillCached(ctx context.Context, key string) (bool, error) {
	if c.local != nil {
		v, err := c.local.Get(ctx, key)
		if err != nil || v.Present() || c.remote == nil {
			return v.Present(), err
		}
	}
	v, err := c.remote.Get(ctx, key)
	return v.Present(), err
}

// peek reads a key from the innermost tier, without loading it.
func (c *Cache[V]) peek(ctx context.Context, key string) (store.CacheValue[V], error) {
	if c.local != nil {
		return c.local.Get(ctx, key)
	}
	return c.remote.Get(ctx, key)
}

// putTiers stores values in the remote tier, then in the local one.
func (c *Cache[V]) putTiers(ctx context.Context, values map[string]store.CacheValue[V]) error {
	if c.remote != nil {
		if err := c.remote.PutAll(ctx, values, 0); err != nil {
			return err
		}
	}
	if c.local != nil {
		if err := c.local.PutAll(ctx, values, 0); err != nil {
			return err
		}
	}
	return nil
}

// removeTiers deletes keys from the remote tier, then from the local one.
func (c *Cache[V]) removeTiers(ctx context.Context, keys []string) error {
	if c.remote != nil {
		if err := c.remote.RemoveAll(ctx, keys); err != nil {
			return err
		}
	}
	if c.local != nil {
		if err := c.local.RemoveAll(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// fillLocal copies values read from the remote tier into the local one.
func (c *Cache[V]) fillLocal(ctx context.Context, values map[string]store.CacheValue[V]) {
	if c.local == nil || len(values) == 0 {
		return
	}
	if err := c.local.PutAll(ctx, values, 0); err != nil {
		logging.Warningf(ctx, "Failed to fill the local tier of %q: %s", c.name, err)
	}
}

// schedule pushes keys to the refresh queue.
//
// Failures are logged: the keys are served, just not proactively refreshed.
func (c *Cache[V]) schedule(ctx context.Context, keys []string) {
	if err := c.refresher.Reschedule(ctx, keys); err != nil {
		logging.Warningf(ctx, "Failed to schedule refresh of %d key(s) of %q: %s", len(keys), c.name, err)
	}
}
