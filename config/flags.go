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

package config

import (
	"flag"
	"time"

	"github.com/google/uuid"
)

// Options are process-wide defaults applied to every cache of a process.
type Options struct {
	// Group is the namespace of all caches of this process.
	Group string

	// SID identifies this process. Default is a random UUID picked in
	// Register.
	SID string

	// EnableGroupPrefix prefixes remote keys and channels with Group.
	EnableGroupPrefix bool

	// RefreshProvider is the refresh provider: "redis", "local" or "none".
	//
	// Default is "redis".
	RefreshProvider Provider

	// RefreshAfterWrite is the default refresh-after-write duration.
	//
	// Default is 0, which disables refresh unless a cache sets its own.
	RefreshAfterWrite time.Duration

	// RefreshPeriod is the scheduler period. Default is 10s.
	RefreshPeriod time.Duration

	// RefreshMaxKeys caps keys reloaded per cycle. Default is 16384.
	RefreshMaxKeys int

	// Shards is the number of remote schedule collections. Default is 32.
	Shards int

	// Shutdown is what happens to in-flight reloads on close.
	//
	// Default is "wait".
	Shutdown ShutdownBehavior

	// SyncProvider is the sync transport: "redis", "local" or "none".
	//
	// Default is "redis".
	SyncProvider Provider

	// SyncOnPut, SyncOnRemove and SyncOnClear select operations that publish
	// invalidation messages. All default to true.
	SyncOnPut    bool
	SyncOnRemove bool
	SyncOnClear  bool
}

// Register registers the command line flags.
//
// Mutates `o` by populating defaults.
func (o *Options) Register(f *flag.FlagSet) {
	f.StringVar(&o.Group, "xcache-group", o.Group,
		`Namespace shared by all caches of this process.`)

	if o.SID == "" {
		o.SID = uuid.NewString()
	}
	f.StringVar(&o.SID, "xcache-sid", o.SID,
		`Identifier of this process. Must be unique among processes sharing a remote store. Default is random.`)

	f.BoolVar(&o.EnableGroupPrefix, "xcache-group-prefix", o.EnableGroupPrefix,
		`Prefix remote keys and sync channels with -xcache-group.`)

	if o.RefreshProvider == "" {
		o.RefreshProvider = ProviderRedis
	}
	f.StringVar((*string)(&o.RefreshProvider), "xcache-refresh-provider", string(o.RefreshProvider),
		`Where refresh schedules and locks live: "redis", "local" or "none".`)

	f.DurationVar(&o.RefreshAfterWrite, "xcache-refresh-after-write", o.RefreshAfterWrite,
		`How long after a write a key becomes eligible for proactive reload. 0 disables refresh.`)

	if o.RefreshPeriod == 0 {
		o.RefreshPeriod = DefaultRefreshPeriod
	}
	f.DurationVar(&o.RefreshPeriod, "xcache-refresh-period", o.RefreshPeriod,
		`How often the refresh scheduler ticks.`)

	if o.RefreshMaxKeys == 0 {
		o.RefreshMaxKeys = DefaultMaxKeysPerCycle
	}
	f.IntVar(&o.RefreshMaxKeys, "xcache-refresh-max-keys", o.RefreshMaxKeys,
		`Maximum number of keys reloaded in one refresh cycle.`)

	if o.Shards == 0 {
		o.Shards = DefaultShards
	}
	f.IntVar(&o.Shards, "xcache-shards", o.Shards,
		`Number of remote schedule collections per cache. Changing it requires a migration.`)

	if o.Shutdown == "" {
		o.Shutdown = ShutdownWait
	}
	f.StringVar((*string)(&o.Shutdown), "xcache-shutdown", string(o.Shutdown),
		`What to do with in-flight reloads on shutdown: "wait" or "cancel".`)

	if o.SyncProvider == "" {
		o.SyncProvider = ProviderRedis
	}
	f.StringVar((*string)(&o.SyncProvider), "xcache-sync-provider", string(o.SyncProvider),
		`Transport of invalidation messages: "redis", "local" or "none".`)

	o.SyncOnPut, o.SyncOnRemove, o.SyncOnClear = true, true, true
	f.BoolVar(&o.SyncOnPut, "xcache-sync-on-put", o.SyncOnPut,
		`Publish invalidation messages on put.`)
	f.BoolVar(&o.SyncOnRemove, "xcache-sync-on-remove", o.SyncOnRemove,
		`Publish invalidation messages on remove.`)
	f.BoolVar(&o.SyncOnClear, "xcache-sync-on-clear", o.SyncOnClear,
		`Publish invalidation messages on clear.`)
}

// Refresh returns refresh configuration of the named cache.
//
// The result is not normalized. A zero RefreshAfterWrite means the cache is
// not refreshed and Provider is set to ProviderNone.
func (o *Options) Refresh(name string) Refresh {
	r := Refresh{
		Name:              name,
		Group:             o.Group,
		SID:               o.SID,
		EnableGroupPrefix: o.EnableGroupPrefix,
		RefreshAfterWrite: o.RefreshAfterWrite,
		Period:            o.RefreshPeriod,
		MaxKeysPerCycle:   o.RefreshMaxKeys,
		Shards:            o.Shards,
		Provider:          o.RefreshProvider,
		Shutdown:          o.Shutdown,
	}
	if r.RefreshAfterWrite == 0 {
		r.Provider = ProviderNone
		r.RefreshAfterWrite = time.Millisecond
	}
	if r.Provider != ProviderRedis {
		r.Shards = 1
	}
	return r
}

// Sync returns sync configuration of the named cache.
//
// The result is not normalized.
func (o *Options) Sync(name string) Sync {
	return Sync{
		Name:              name,
		Group:             o.Group,
		SID:               o.SID,
		EnableGroupPrefix: o.EnableGroupPrefix,
		Provider:          o.SyncProvider,
		OnPut:             o.SyncOnPut,
		OnRemove:          o.SyncOnRemove,
		OnClear:           o.SyncOnClear,
	}
}
