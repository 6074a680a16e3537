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

package store

import (
	"fmt"
	"reflect"
)

// CacheValue wraps a possibly absent cached value.
//
// There are three states:
//   - a miss: the store has no entry for the key (Present() is false);
//   - a null: the store holds an explicit empty marker (Present() and
//     IsNull() are true), used when null values are cacheable;
//   - a value: the store holds a value (Present() is true, IsNull() is false).
//
// CacheValue is immutable. The zero value is a miss.
type CacheValue[V any] struct {
	value   V
	present bool
	null    bool
}

// Miss returns the "not cached" value.
//
// CacheValue is a value type, so the miss of every V is the zero struct and
// costs nothing to return.
func Miss[V any]() CacheValue[V] {
	return CacheValue[V]{}
}

// Null returns the "cached empty" marker.
func Null[V any]() CacheValue[V] {
	return CacheValue[V]{present: true, null: true}
}

// Of wraps a cached value.
func Of[V any](v V) CacheValue[V] {
	return CacheValue[V]{value: v, present: true}
}

// Present is true if the store has an entry, possibly a null one.
func (c CacheValue[V]) Present() bool {
	return c.present
}

// IsNull is true if the store holds an explicit empty marker.
func (c CacheValue[V]) IsNull() bool {
	return c.null
}

// Value returns the wrapped value and true if there is a non-null value.
func (c CacheValue[V]) Value() (V, bool) {
	return c.value, c.present && !c.null
}

// Equal compares two values by their state and the wrapped value.
func (c CacheValue[V]) Equal(o CacheValue[V]) bool {
	if c.present != o.present || c.null != o.null {
		return false
	}
	return reflect.DeepEqual(c.value, o.value)
}

// String implements fmt.Stringer.
func (c CacheValue[V]) String() string {
	switch {
	case !c.present:
		return "CacheValue(miss)"
	case c.null:
		return "CacheValue(null)"
	default:
		return fmt.Sprintf("CacheValue(%v)", c.value)
	}
}
