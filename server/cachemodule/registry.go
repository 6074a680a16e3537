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

package cachemodule

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/patricklaux/xcache-sub001/cache"
	"github.com/patricklaux/xcache-sub001/cachesync"
	"github.com/patricklaux/xcache-sub001/config"
)

var registryCtxKey = "github.com/patricklaux/xcache-sub001/server/cachemodule.Registry"

// Use installs a registry into the context.
func Use(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, &registryCtxKey, r)
}

// Get returns the registry installed in the context or nil.
func Get(ctx context.Context) *Registry {
	r, _ := ctx.Value(&registryCtxKey).(*Registry)
	return r
}

// Managed is a cache whose lifecycle is managed by a Registry.
type Managed interface {
	Name() string
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Managed = (*cache.Cache[int])(nil)

// Registry holds caches of a process.
type Registry struct {
	opts config.Options
	bus  *cachesync.LocalBus

	m       sync.Mutex
	caches  map[string]Managed
	order   []string
	running context.Context // set by Start
	closed  bool
}

// NewRegistry creates a registry applying process-wide defaults to its caches.
func NewRegistry(opts config.Options) (*Registry, error) {
	if opts.SID == "" {
		opts.SID = uuid.NewString()
	}
	if opts.RefreshProvider == "" {
		opts.RefreshProvider = config.ProviderRedis
	}
	if opts.SyncProvider == "" {
		opts.SyncProvider = config.ProviderRedis
	}
	for _, p := range []config.Provider{opts.RefreshProvider, opts.SyncProvider} {
		if !p.Valid() {
			return nil, errors.Fmt("%w: unknown provider %q", config.ErrBadConfig, p)
		}
	}
	if opts.Shutdown != "" && opts.Shutdown != config.ShutdownWait && opts.Shutdown != config.ShutdownCancel {
		return nil, errors.Fmt("%w: unknown shutdown behavior %q", config.ErrBadConfig, opts.Shutdown)
	}
	return &Registry{
		opts:   opts,
		bus:    &cachesync.LocalBus{},
		caches: map[string]Managed{},
	}, nil
}

// Options are the process-wide defaults.
func (r *Registry) Options() config.Options { return r.opts }

// Names are names of registered caches, in registration order.
func (r *Registry) Names() []string {
	r.m.Lock()
	defer r.m.Unlock()
	return slices.Clone(r.order)
}

// Lookup returns a registered cache or nil.
func (r *Registry) Lookup(name string) Managed {
	r.m.Lock()
	defer r.m.Unlock()
	return r.caches[name]
}

// Register adds a cache.
//
// If the registry is already started, the cache is started right away.
func (r *Registry) Register(c Managed) error {
	r.m.Lock()
	defer r.m.Unlock()
	switch {
	case r.closed:
		return errors.New("the cache registry is closed")
	case r.caches[c.Name()] != nil:
		return errors.Fmt("cache %q is already registered", c.Name())
	}
	if r.running != nil {
		if err := c.Start(r.running); err != nil {
			return errors.Fmt("starting cache %q: %w", c.Name(), err)
		}
	}
	r.caches[c.Name()] = c
	r.order = append(r.order, c.Name())
	return nil
}

// Start starts registered caches.
//
// Caches failing to start are logged and skipped, the rest keep working.
// Returns the number of started caches.
func (r *Registry) Start(ctx context.Context) int {
	r.m.Lock()
	defer r.m.Unlock()
	if r.closed || r.running != nil {
		return 0
	}
	r.running = ctx

	started := 0
	for _, name := range r.order {
		if err := r.caches[name].Start(ctx); err != nil {
			logging.WithError(err).Errorf(ctx, "Cache %q failed to start", name)
			continue
		}
		started++
	}
	logging.Infof(ctx, "Started %d of %d cache(s)", started, len(r.order))
	return started
}

// Close closes all caches, in reverse registration order.
func (r *Registry) Close(ctx context.Context) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, name := range slices.Backward(r.order) {
		if err := r.caches[name].Close(ctx); err != nil {
			logging.WithError(err).Warningf(ctx, "Cache %q didn't close cleanly", name)
		}
	}
}

// NewCache creates a cache with the registry defaults and registers it.
//
// Refresh and sync configs are taken from the registry options unless `opts`
// sets their providers. Caches syncing through the "local" provider share one
// in-process bus.
func NewCache[V any](r *Registry, name string, opts cache.Options[V]) (*cache.Cache[V], error) {
	if r == nil {
		return nil, errors.New("no cache registry, is the cache module installed?")
	}
	opts.Name = name
	if opts.Refresh.Provider == "" {
		opts.Refresh = r.opts.Refresh(name)
	}
	if opts.Sync.Provider == "" {
		opts.Sync = r.opts.Sync(name)
		if opts.Local == nil {
			// Nothing to invalidate.
			opts.Sync.Provider = config.ProviderNone
		}
	}
	if opts.SyncTransport == nil && opts.Sync.Provider == config.ProviderLocal {
		opts.SyncTransport = r.bus
	}

	c, err := cache.New(opts)
	if err != nil {
		return nil, err
	}
	if err := r.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
