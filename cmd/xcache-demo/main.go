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

// Command xcache-demo serves orders from a slow fake database through a
// coordinated cache.
//
// Run several copies against one Redis to see refresh and invalidation at
// work:
//
//	xcache-demo -redis-addr localhost:6379 -xcache-refresh-after-write 10s -http-addr :8800
//	xcache-demo -redis-addr localhost:6379 -xcache-refresh-after-write 10s -http-addr :8801
//
// GET /orders/:id reads an order, POST /orders/:id?item=... updates it and
// DELETE /orders/:id removes it from the cache.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/redisconn"
	"go.chromium.org/luci/server/router"

	"github.com/patricklaux/xcache-sub001/server/cachemodule"
)

func main() {
	latency := flag.Duration("db-latency", 200*time.Millisecond, "Latency of the fake orders database.")
	localSize := flag.Int("local-size", 1000, "Capacity of the in-process cache tier.")

	modules := []module.Module{
		redisconn.NewModuleFromFlags(),
		cachemodule.NewModuleFromFlags(),
	}

	server.Main(nil, modules, func(srv *server.Server) error {
		svc, err := newOrderService(cachemodule.Get(srv.Context), &database{latency: *latency}, *localSize)
		if err != nil {
			return err
		}

		srv.Routes.GET("/orders/:id", router.MiddlewareChain{}, func(c *router.Context) {
			ctx := c.Request.Context()
			o, ok, err := svc.get(ctx, c.Params.ByName("id"))
			switch {
			case err != nil:
				logging.WithError(err).Errorf(ctx, "Failed to get the order")
				http.Error(c.Writer, "internal error", http.StatusInternalServerError)
			case !ok:
				http.Error(c.Writer, "no such order", http.StatusNotFound)
			default:
				writeJSON(c, o)
			}
		})

		srv.Routes.POST("/orders/:id", router.MiddlewareChain{}, func(c *router.Context) {
			ctx := c.Request.Context()
			o, err := svc.update(ctx, c.Params.ByName("id"), c.Request.FormValue("item"))
			if err != nil {
				logging.WithError(err).Errorf(ctx, "Failed to update the order")
				http.Error(c.Writer, "internal error", http.StatusInternalServerError)
				return
			}
			writeJSON(c, o)
		})

		srv.Routes.DELETE("/orders/:id", router.MiddlewareChain{}, func(c *router.Context) {
			ctx := c.Request.Context()
			if err := svc.forget(ctx, c.Params.ByName("id")); err != nil {
				logging.WithError(err).Errorf(ctx, "Failed to forget the order")
				http.Error(c.Writer, "internal error", http.StatusInternalServerError)
				return
			}
			c.Writer.WriteHeader(http.StatusNoContent)
		})

		return nil
	})
}

func writeJSON(c *router.Context, v any) {
	c.Writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(c.Writer).Encode(v); err != nil {
		logging.Warningf(c.Request.Context(), "Failed to write the response: %s", err)
	}
}
