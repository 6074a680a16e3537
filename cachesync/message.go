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

// Package cachesync keeps in-process cache tiers of several instances
// consistent.
//
// Instances of a cache publish a Message to a shared channel when they modify
// it. Other instances evict the mentioned keys from their local tier, so their
// next read goes to the remote tier. Delivery is best effort: a lost message
// means a stale local read until the local entry expires.
package cachesync

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
)

// Type is a kind of Message.
type Type int8

const (
	// Remove asks to evict Keys from local tiers.
	Remove Type = 1
	// Clear asks to clear local tiers.
	Clear Type = 2
)

func (t Type) String() string {
	switch t {
	case Remove:
		return "REMOVE"
	case Clear:
		return "CLEAR"
	}
	return fmt.Sprintf("Type(%d)", int8(t))
}

// Message is an invalidation message.
type Message struct {
	// SenderID is the SID of the publishing instance.
	SenderID string `msgpack:"s"`
	// Type is what receivers should do.
	Type Type `msgpack:"t"`
	// Keys are keys to evict, for Remove messages.
	Keys []string `msgpack:"k,omitempty"`
}

// Validate checks the message is well formed.
func (m *Message) Validate() error {
	switch {
	case m.SenderID == "":
		return errors.New("no sender id")
	case m.Type == Remove && len(m.Keys) == 0:
		return errors.New("REMOVE without keys")
	case m.Type == Clear && len(m.Keys) != 0:
		return errors.New("CLEAR with keys")
	case m.Type != Remove && m.Type != Clear:
		return errors.Fmt("unknown message type %s", m.Type)
	}
	return nil
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.Fmt("bad sync message: %w", err)
	}
	return msgpack.Marshal(m)
}

// Decode parses and validates a serialized message.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := msgpack.Unmarshal(b, m); err != nil {
		return nil, errors.Fmt("decoding sync message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Fmt("bad sync message: %w", err)
	}
	return m, nil
}
