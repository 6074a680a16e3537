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

package refresh

import (
	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

var (
	lockCounter = metric.NewCounter(
		"xcache/refresh/lock",
		"Outcomes of attempts to take or renew the refresh lease",
		nil,
		field.String("cache"),  // cache name
		field.String("result"), // acquired | not_due | busy | renewed | lost | error
	)

	cycleCounter = metric.NewCounter(
		"xcache/refresh/cycles",
		"Refresh cycles run by this process",
		nil,
		field.String("cache"),  // cache name
		field.String("result"), // OK | empty | error | panic
	)

	cycleDurationMS = metric.NewCumulativeDistribution(
		"xcache/refresh/cycle_duration",
		"Time to fetch and dispatch due keys of a refresh cycle",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
		field.String("cache"), // cache name
	)

	taskCounter = metric.NewCounter(
		"xcache/refresh/tasks",
		"Outcomes of refresh tasks",
		nil,
		field.String("cache"),  // cache name
		field.String("result"), // reloaded | dropped | failed
	)
)
