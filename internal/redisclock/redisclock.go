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

// Package redisclock reads the clock of a Redis server.
//
// Instances sharing a Redis server compare times read here instead of their
// own clocks, so clock skew between them does not matter.
package redisclock

import (
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Now returns the current time of the server.
func Now(conn redis.Conn) (time.Time, error) {
	vals, err := redis.Int64s(conn.Do("TIME"))
	switch {
	case err != nil:
		return time.Time{}, transient.Tag.Apply(errors.Fmt("TIME: %w", err))
	case len(vals) != 2:
		return time.Time{}, errors.Fmt("TIME: unexpected reply of length %d", len(vals))
	}
	return time.Unix(vals[0], vals[1]*1000).UTC(), nil
}
