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

// Package cachemodule provides a server module hosting xcache caches.
//
// Usage:
//
//	func main() {
//	  modules := []module.Module{
//	    redisconn.NewModuleFromFlags(),
//	    cachemodule.NewModuleFromFlags(),
//	  }
//	  server.Main(nil, modules, func(srv *server.Server) error {
//	    orders, err := cachemodule.NewCache(cachemodule.Get(srv.Context), "orders", cache.Options[*Order]{...})
//	    ...
//	  })
//	}
//
// Caches created through the registry are started when the server starts
// serving and closed when it shuts down.
package cachemodule

import (
	"context"
	"flag"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/redisconn"

	"github.com/patricklaux/xcache-sub001/config"
)

// ModuleName can be used to refer to this module when declaring dependencies.
var ModuleName = module.RegisterName("github.com/patricklaux/xcache-sub001/server/cachemodule")

// closeTimeout bounds waiting for in-flight reloads on shutdown.
const closeTimeout = 30 * time.Second

// ModuleOptions contain configuration of the cache server module.
type ModuleOptions struct {
	config.Options
}

// NewModule returns a server module that installs a cache Registry into the
// context.
func NewModule(opts *ModuleOptions) module.Module {
	if opts == nil {
		opts = &ModuleOptions{}
	}
	return &cacheModule{opts: opts}
}

// NewModuleFromFlags is a variant of NewModule that initializes options through
// command line flags.
//
// Calling this function registers flags in flag.CommandLine. They are usually
// parsed in server.Main(...).
func NewModuleFromFlags() module.Module {
	opts := &ModuleOptions{}
	opts.Register(flag.CommandLine)
	return NewModule(opts)
}

// cacheModule implements module.Module.
type cacheModule struct {
	opts *ModuleOptions
}

// Name is part of module.Module interface.
func (*cacheModule) Name() module.Name {
	return ModuleName
}

// Dependencies is part of module.Module interface.
func (*cacheModule) Dependencies() []module.Dependency {
	return []module.Dependency{
		module.OptionalDependency(redisconn.ModuleName), // for "redis" providers
	}
}

// Initialize is part of module.Module interface.
func (m *cacheModule) Initialize(ctx context.Context, host module.Host, opts module.HostOptions) (context.Context, error) {
	reg, err := NewRegistry(m.opts.Options)
	if err != nil {
		return nil, err
	}

	if usesRedis(reg.Options()) && redisconn.GetPool(ctx) == nil {
		logging.Warningf(ctx, "Redis is not configured, caches coordinating through it will fail to start")
	}

	host.RunInBackground("xcache", func(ctx context.Context) {
		reg.Start(ctx)
	})
	host.RegisterCleanup(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, closeTimeout)
		defer cancel()
		reg.Close(ctx)
	})

	logging.Infof(ctx, "xcache instance id is %q", reg.Options().SID)
	return Use(ctx, reg), nil
}

func usesRedis(opts config.Options) bool {
	return opts.RefreshProvider == config.ProviderRedis || opts.SyncProvider == config.ProviderRedis
}
