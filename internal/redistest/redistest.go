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

// Package redistest runs an in-memory Redis server for tests.
package redistest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/server/redisconn"
)

// Server is a running in-memory Redis.
type Server struct {
	*miniredis.Miniredis

	// Pool is a connection pool to the server.
	Pool *redis.Pool
}

// Start launches a server and registers its shutdown as a test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %s", err)
	}
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() {
		pool.Close()
		s.Close()
	})
	return &Server{Miniredis: s, Pool: pool}
}

// Use installs the server's pool into the context, as redisconn module does.
func (s *Server) Use(ctx context.Context) context.Context {
	return redisconn.UsePool(ctx, s.Pool)
}
