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

package cachesync

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"
)

// Handler receives payloads published to a channel.
//
// Handlers of one subscription are called sequentially.
type Handler func(ctx context.Context, payload []byte)

// Transport is a publish/subscribe channel between instances.
type Transport interface {
	// Publish sends a payload to all current subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe starts delivering payloads of a channel to `h`.
	//
	// Returns once the subscription is active. Delivery stops when the
	// returned function is called or `ctx` is canceled. The function waits for
	// an in-flight handler call to finish.
	Subscribe(ctx context.Context, channel string, h Handler) (unsubscribe func(), err error)
}

// LocalBus is a Transport between caches of the same process.
//
// Payloads are delivered synchronously by Publish. The zero value is ready to
// use.
type LocalBus struct {
	m    sync.RWMutex
	next int
	subs map[string]map[int]*localSub
}

type localSub struct {
	ctx context.Context
	h   Handler
	m   sync.Mutex // serializes handler calls
}

var _ Transport = (*LocalBus)(nil)

// Publish implements Transport.
func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.m.RLock()
	subs := make([]*localSub, 0, len(b.subs[channel]))
	for _, s := range b.subs[channel] {
		subs = append(subs, s)
	}
	b.m.RUnlock()

	for _, s := range subs {
		s.deliver(channel, payload)
	}
	return nil
}

func (s *localSub) deliver(channel string, payload []byte) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.ctx.Err() == nil {
		deliver(s.ctx, s.h, channel, payload)
	}
}

// Subscribe implements Transport.
func (b *LocalBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &localSub{ctx: ctx, h: h}

	b.m.Lock()
	if b.subs == nil {
		b.subs = map[string]map[int]*localSub{}
	}
	if b.subs[channel] == nil {
		b.subs[channel] = map[int]*localSub{}
	}
	id := b.next
	b.next++
	b.subs[channel][id] = s
	b.m.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			b.m.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.m.Unlock()
			// Wait for a concurrent delivery.
			s.m.Lock()
			s.m.Unlock()
		})
	}, nil
}

// Redis is a Transport over Redis pub/sub.
//
// Uses the pool installed in the context by the redisconn server module. A
// subscription holds a dedicated connection and reconnects with exponential
// backoff when it breaks.
type Redis struct{}

var _ Transport = Redis{}

// resubscribeDelay is a pause between retry series of a broken subscription.
const resubscribeDelay = 30 * time.Second

// Publish implements Transport.
func (Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return transient.Tag.Apply(err)
	}
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", channel, payload); err != nil {
		return transient.Tag.Apply(errors.Fmt("PUBLISH %q: %w", channel, err))
	}
	return nil
}

// Subscribe implements Transport.
func (Redis) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	psc, err := subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := listen(ctx, psc, h)
		for ctx.Err() == nil {
			logging.Warningf(ctx, "Subscription to %q is broken, resubscribing: %s", channel, err)
			err = retry.Retry(ctx, transient.Only(retry.Default), func() error {
				psc, err := subscribe(ctx, channel)
				if err != nil {
					return err
				}
				logging.Infof(ctx, "Resubscribed to %q", channel)
				return listen(ctx, psc, h)
			}, retry.LogCallback(ctx, "resubscribe"))
			if err == nil || ctx.Err() != nil {
				return
			}
			if r := <-clock.After(ctx, resubscribeDelay); r.Err != nil {
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// subscribe opens a connection subscribed to a channel.
func subscribe(ctx context.Context, channel string) (*redis.PubSubConn, error) {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return nil, transient.Tag.Apply(err)
	}
	psc := &redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channel); err != nil {
		psc.Close()
		return nil, transient.Tag.Apply(errors.Fmt("SUBSCRIBE %q: %w", channel, err))
	}
	switch v := psc.Receive().(type) {
	case redis.Subscription:
		return psc, nil
	case error:
		psc.Close()
		return nil, transient.Tag.Apply(errors.Fmt("SUBSCRIBE %q: %w", channel, v))
	default:
		psc.Close()
		return nil, errors.Fmt("SUBSCRIBE %q: unexpected reply %T", channel, v)
	}
}

// listen delivers messages until the context is canceled or the connection
// breaks. Closes the connection.
//
// Returns nil if the context was canceled.
func listen(ctx context.Context, psc *redis.PubSubConn, h Handler) error {
	// Receive blocks, unsubscribing is the way to unblock it.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			psc.Unsubscribe()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		psc.Close()
	}()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			deliver(ctx, h, v.Channel, v.Data)
		case redis.Subscription:
			if v.Count == 0 {
				return nil
			}
		case error:
			if ctx.Err() != nil {
				return nil
			}
			return transient.Tag.Apply(v)
		}
	}
}

func deliver(ctx context.Context, h Handler, channel string, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf(ctx, "Handler of %q panicked: %s\n%s", channel, p, debug.Stack())
		}
	}()
	h(ctx, payload)
}
