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

// Package config holds per-cache coordination settings.
//
// Settings are plain values. They are normalized and validated once, when
// a component is constructed, and never change afterwards. All remote key
// and channel names used by the coordination layer are derived here so that
// every instance sharing a remote store agrees on them.
package config

import (
	"math"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"
)

// ErrBadConfig is returned (wrapped) when a configuration fails validation.
var ErrBadConfig = errors.New("bad xcache config")

// Provider selects the implementation of a coordination component.
type Provider string

const (
	// ProviderRedis coordinates through a shared Redis-shaped remote store.
	ProviderRedis Provider = "redis"
	// ProviderLocal keeps all coordination state in the current process.
	//
	// Only valid when a single instance serves the cache.
	ProviderLocal Provider = "local"
	// ProviderNone disables the component.
	ProviderNone Provider = "none"
)

// Valid is true for known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderRedis, ProviderLocal, ProviderNone:
		return true
	}
	return false
}

// ShutdownBehavior defines what happens to in-flight reload tasks when a
// cache is closed.
type ShutdownBehavior string

const (
	// ShutdownWait lets in-flight reload tasks finish.
	ShutdownWait ShutdownBehavior = "wait"
	// ShutdownCancel cancels contexts of in-flight reload tasks.
	ShutdownCancel ShutdownBehavior = "cancel"
)

const (
	// KeyPrefix is the prefix of every remote key and channel.
	KeyPrefix = "xcache"

	// DefaultShards is the default number of schedule shards.
	DefaultShards = 32
	// MaxShards caps the number of schedule shards.
	MaxShards = 16384

	// DefaultRefreshPeriod is the default scheduler period.
	DefaultRefreshPeriod = 10 * time.Second
	// DefaultMaxKeysPerCycle is the default number of keys reloaded per cycle.
	DefaultMaxKeysPerCycle = 16384
	// DefaultLeaseMargin is added to the scheduler period to get the lease
	// duration of the refresh lock.
	DefaultLeaseMargin = 5 * time.Second

	// DefaultMaxPending is the default capacity of the sync publish buffer.
	DefaultMaxPending = 4096
)

// Refresh is configuration of proactive refresh of a single cache.
type Refresh struct {
	// Name is the cache name. Required.
	Name string
	// Group is the namespace shared by caches of one application.
	Group string
	// SID identifies the running process. Defaults to a random UUID.
	SID string
	// EnableGroupPrefix prefixes remote keys with Group.
	EnableGroupPrefix bool

	// RefreshAfterWrite is how long after a write a key becomes due. Required.
	RefreshAfterWrite time.Duration
	// Period is the scheduler period. Default is DefaultRefreshPeriod.
	Period time.Duration
	// MaxKeysPerCycle caps keys dispatched per cycle.
	//
	// Default is DefaultMaxKeysPerCycle.
	MaxKeysPerCycle int
	// Shards is the number of remote schedule collections.
	//
	// Must not change while entries scheduled by the previous value exist.
	// Default is DefaultShards for the redis provider and 1 otherwise.
	Shards int
	// LeaseMargin is added to Period to get the lock lease.
	//
	// Default is DefaultLeaseMargin.
	LeaseMargin time.Duration

	// Provider is where the schedule and the lock live. Default is "redis".
	Provider Provider
	// Shutdown is the shutdown behavior. Default is "wait".
	Shutdown ShutdownBehavior
}

// Normalize fills in defaults and validates the configuration.
func (r *Refresh) Normalize() error {
	if r.SID == "" {
		r.SID = uuid.NewString()
	}
	if r.Provider == "" {
		r.Provider = ProviderRedis
	}
	if r.Period == 0 {
		r.Period = DefaultRefreshPeriod
	}
	if r.MaxKeysPerCycle == 0 {
		r.MaxKeysPerCycle = DefaultMaxKeysPerCycle
	}
	if r.Shards == 0 {
		if r.Provider == ProviderRedis {
			r.Shards = DefaultShards
		} else {
			r.Shards = 1
		}
	}
	if r.LeaseMargin == 0 {
		r.LeaseMargin = DefaultLeaseMargin
	}
	if r.Shutdown == "" {
		r.Shutdown = ShutdownWait
	}
	return r.Validate()
}

// Validate checks the configuration without modifying it.
func (r *Refresh) Validate() error {
	switch {
	case r.Name == "":
		return errors.Fmt("%w: cache name is required", ErrBadConfig)
	case r.SID == "":
		return errors.Fmt("%w: %q: sid is required", ErrBadConfig, r.Name)
	case !r.Provider.Valid():
		return errors.Fmt("%w: %q: unknown refresh provider %q", ErrBadConfig, r.Name, r.Provider)
	case r.RefreshAfterWrite < time.Millisecond:
		return errors.Fmt("%w: %q: refresh-after-write must be >= 1ms, got %s", ErrBadConfig, r.Name, r.RefreshAfterWrite)
	case r.Period < time.Millisecond:
		return errors.Fmt("%w: %q: refresh period must be >= 1ms, got %s", ErrBadConfig, r.Name, r.Period)
	case r.LeaseMargin <= 0:
		return errors.Fmt("%w: %q: lease margin must be positive, got %s", ErrBadConfig, r.Name, r.LeaseMargin)
	case r.Period > math.MaxInt64-r.LeaseMargin:
		return errors.Fmt("%w: %q: lease duration overflows", ErrBadConfig, r.Name)
	case r.MaxKeysPerCycle <= 0:
		return errors.Fmt("%w: %q: max keys per cycle must be positive, got %d", ErrBadConfig, r.Name, r.MaxKeysPerCycle)
	case r.Shards <= 0 || r.Shards > MaxShards:
		return errors.Fmt("%w: %q: shard count must be in [1, %d], got %d", ErrBadConfig, r.Name, MaxShards, r.Shards)
	case r.Shutdown != ShutdownWait && r.Shutdown != ShutdownCancel:
		return errors.Fmt("%w: %q: unknown shutdown behavior %q", ErrBadConfig, r.Name, r.Shutdown)
	}
	return nil
}

// Enabled is true if refresh is configured to run at all.
func (r Refresh) Enabled() bool {
	return r.Provider != ProviderNone
}

// Lease is the duration of the refresh lock lease.
//
// It exceeds the period by LeaseMargin, so a lease taken at the start of a
// cycle survives until the next tick even with scheduling jitter.
func (r Refresh) Lease() time.Duration {
	return r.Period + r.LeaseMargin
}

// RenewInterval is how often a lease is renewed while a cycle runs.
func (r Refresh) RenewInterval() time.Duration {
	return r.Lease() / 3
}

// ScheduleKey is the name of the remote sorted collection holding due times.
//
// With several shards, it is the base name of the shard collections.
func (r Refresh) ScheduleKey() string {
	return prefix(r.Group, r.EnableGroupPrefix) + "refresh:" + r.Name
}

// LockKey is the name of the remote lock.
//
// Shares a hash tag with NextRunKey so both live on one cluster node and can
// be touched by one script.
func (r Refresh) LockKey() string {
	return prefix(r.Group, r.EnableGroupPrefix) + "refresh:lock:{" + r.Name + "}"
}

// NextRunKey is the name of the remote "next scheduled run" marker.
func (r Refresh) NextRunKey() string {
	return prefix(r.Group, r.EnableGroupPrefix) + "refresh:next:{" + r.Name + "}"
}

// Sync is configuration of invalidation sync of a single cache.
type Sync struct {
	// Name is the cache name. Required.
	Name string
	// Group is the namespace shared by caches of one application.
	Group string
	// SID identifies the running process. Defaults to a random UUID.
	SID string
	// EnableGroupPrefix includes Group into the channel name.
	EnableGroupPrefix bool

	// Provider is the transport. Default is "redis".
	Provider Provider

	// OnPut publishes REMOVE messages for written keys.
	OnPut bool
	// OnRemove publishes REMOVE messages for removed keys.
	OnRemove bool
	// OnClear publishes CLEAR messages.
	OnClear bool

	// MaxPending caps messages buffered for publishing. Older messages are
	// dropped when the buffer is full. Default is DefaultMaxPending.
	MaxPending int
}

// Normalize fills in defaults and validates the configuration.
func (s *Sync) Normalize() error {
	if s.SID == "" {
		s.SID = uuid.NewString()
	}
	if s.Provider == "" {
		s.Provider = ProviderRedis
	}
	if s.MaxPending == 0 {
		s.MaxPending = DefaultMaxPending
	}
	return s.Validate()
}

// Validate checks the configuration without modifying it.
func (s *Sync) Validate() error {
	switch {
	case s.Name == "":
		return errors.Fmt("%w: cache name is required", ErrBadConfig)
	case s.SID == "":
		return errors.Fmt("%w: %q: sid is required", ErrBadConfig, s.Name)
	case !s.Provider.Valid():
		return errors.Fmt("%w: %q: unknown sync provider %q", ErrBadConfig, s.Name, s.Provider)
	case s.MaxPending <= 0:
		return errors.Fmt("%w: %q: max pending must be positive, got %d", ErrBadConfig, s.Name, s.MaxPending)
	}
	return nil
}

// Enabled is true if the sync is configured to publish or consume anything.
func (s Sync) Enabled() bool {
	return s.Provider != ProviderNone
}

// Channel is the pub/sub channel name of the cache.
func (s Sync) Channel() string {
	if s.EnableGroupPrefix && s.Group != "" {
		return "sync:" + s.Group + ":" + s.Name
	}
	return "sync:" + s.Name
}

func prefix(group string, enabled bool) string {
	if enabled && group != "" {
		return KeyPrefix + ":" + group + ":"
	}
	return KeyPrefix + ":"
}
