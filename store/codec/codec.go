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

// Package codec contains default value codecs and compressors for remote
// cache tiers.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
)

// Msgpack is a store.Codec that serializes values with msgpack.
type Msgpack[V any] struct{}

// Encode implements store.Codec.
func (Msgpack[V]) Encode(v V) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Fmt("msgpack encode %T: %w", v, err)
	}
	return b, nil
}

// Decode implements store.Codec.
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return v, errors.Fmt("msgpack decode %T: %w", v, err)
	}
	return v, nil
}

// Bytes is a store.Codec for values that are already bytes.
type Bytes struct{}

// Encode implements store.Codec.
func (Bytes) Encode(v []byte) ([]byte, error) { return v, nil }

// Decode implements store.Codec.
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
