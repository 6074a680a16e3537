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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/sync/dispatcher"
	"go.chromium.org/luci/common/sync/dispatcher/buffer"

	"github.com/patricklaux/xcache-sub001/config"
	"github.com/patricklaux/xcache-sub001/store"
)

// Stats are counters of a broadcaster, since it was started.
type Stats struct {
	// Published is how many messages were sent.
	Published int64
	// PublishFailed is how many messages failed to be sent.
	PublishFailed int64
	// Dropped is how many messages were not sent, because the publish buffer
	// was full or publishing failed.
	Dropped int64
	// Echoes is how many own messages were received and ignored.
	Echoes int64
	// Applied is how many messages from other instances were applied.
	Applied int64
	// Rejected is how many received messages were malformed or failed to
	// apply.
	Rejected int64
}

type stats struct {
	published     atomic.Int64
	publishFailed atomic.Int64
	dropped       atomic.Int64
	echoes        atomic.Int64
	applied       atomic.Int64
	rejected      atomic.Int64
}

// Broadcaster publishes invalidation messages of a cache and applies messages
// of other instances to the local tier.
type Broadcaster struct {
	cfg       config.Sync
	channel   string
	local     store.Invalidator
	transport Transport

	stats stats

	m           sync.Mutex
	started     bool
	closed      bool
	ch          dispatcher.Channel[*Message]
	unsubscribe func()
}

// New creates a broadcaster of a cache.
//
// `local` is the in-process tier evicted by received messages. A nil
// `transport` picks one by the config provider: Redis for "redis", a private
// LocalBus for "local". The broadcaster doesn't do anything until Start is
// called.
func New(cfg config.Sync, local store.Invalidator, transport Transport) (*Broadcaster, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	switch {
	case !cfg.Enabled():
		return nil, errors.Fmt("%w: %q: sync is disabled", config.ErrBadConfig, cfg.Name)
	case local == nil:
		return nil, errors.Fmt("%w: %q: a local tier is required", config.ErrBadConfig, cfg.Name)
	}
	if transport == nil {
		if cfg.Provider == config.ProviderRedis {
			transport = Redis{}
		} else {
			transport = &LocalBus{}
		}
	}
	return &Broadcaster{
		cfg:       cfg,
		channel:   cfg.Channel(),
		local:     local,
		transport: transport,
	}, nil
}

// Config is the normalized configuration.
func (b *Broadcaster) Config() config.Sync { return b.cfg }

// Stats returns a snapshot of counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published:     b.stats.published.Load(),
		PublishFailed: b.stats.publishFailed.Load(),
		Dropped:       b.stats.dropped.Load(),
		Echoes:        b.stats.echoes.Load(),
		Applied:       b.stats.applied.Load(),
		Rejected:      b.stats.rejected.Load(),
	}
}

// Start subscribes to the channel and starts the publisher.
//
// Subscription errors are returned, the broadcaster doesn't start then.
func (b *Broadcaster) Start(ctx context.Context) error {
	ctx = logging.SetField(ctx, "cache", b.cfg.Name)

	b.m.Lock()
	defer b.m.Unlock()
	switch {
	case b.closed:
		return errors.New("the broadcaster is closed")
	case b.started:
		return errors.New("the broadcaster is already started")
	}

	unsubscribe, err := b.transport.Subscribe(ctx, b.channel, b.receive)
	if err != nil {
		logging.Errorf(ctx, "Sync of %q is not started: %s", b.cfg.Name, err)
		return errors.Fmt("subscribing to %q: %w", b.channel, err)
	}

	ch, err := dispatcher.NewChannel[*Message](ctx, &dispatcher.Options[*Message]{
		ErrorFn: func(failed *buffer.Batch[*Message], err error) (retry bool) {
			logging.Warningf(ctx, "Failed to publish %d sync message(s): %s", len(failed.Data), err)
			b.stats.publishFailed.Add(int64(len(failed.Data)))
			messageCounter.Add(ctx, int64(len(failed.Data)), b.cfg.Name, "publish_failed")
			return false
		},
		DropFn: b.dropFn(ctx),
		Buffer: buffer.Options{
			MaxLeases:     1,
			BatchItemsMax: 1,
			FullBehavior:  &buffer.DropOldestBatch{MaxLiveItems: b.cfg.MaxPending},
			Retry:         retry.None,
		},
	}, func(batch *buffer.Batch[*Message]) error {
		return b.send(ctx, batch.Data[0].Item)
	})
	if err != nil {
		unsubscribe()
		return err
	}

	b.started = true
	b.ch = ch
	b.unsubscribe = unsubscribe
	logging.Infof(ctx, "Syncing %q through %q as %q", b.cfg.Name, b.channel, b.cfg.SID)
	return nil
}

// Close unsubscribes and flushes pending messages.
//
// Pending messages are abandoned when `ctx` expires. Safe to call many times.
func (b *Broadcaster) Close(ctx context.Context) {
	b.m.Lock()
	if b.closed || !b.started {
		b.closed = true
		b.m.Unlock()
		return
	}
	b.closed = true
	b.m.Unlock()

	b.unsubscribe()
	b.ch.CloseAndDrain(ctx)
}

// OnPut publishes REMOVE of written keys, if configured.
func (b *Broadcaster) OnPut(ctx context.Context, keys []string) {
	if b.cfg.OnPut {
		b.publishRemove(ctx, keys)
	}
}

// OnRemove publishes REMOVE of removed keys, if configured.
func (b *Broadcaster) OnRemove(ctx context.Context, keys []string) {
	if b.cfg.OnRemove {
		b.publishRemove(ctx, keys)
	}
}

// OnClear publishes CLEAR, if configured.
func (b *Broadcaster) OnClear(ctx context.Context) {
	if b.cfg.OnClear {
		b.Publish(ctx, &Message{SenderID: b.cfg.SID, Type: Clear})
	}
}

func (b *Broadcaster) publishRemove(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	keys = stringset.NewFromSlice(keys...).ToSortedSlice()
	b.Publish(ctx, &Message{SenderID: b.cfg.SID, Type: Remove, Keys: keys})
}

// Publish enqueues a message for sending.
//
// Never blocks on the transport. Messages published before Start or after
// Close are ignored.
func (b *Broadcaster) Publish(ctx context.Context, msg *Message) {
	b.m.Lock()
	defer b.m.Unlock()
	if !b.started || b.closed {
		return
	}
	b.ch.C <- msg
}

func (b *Broadcaster) send(ctx context.Context, msg *Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, b.channel, payload); err != nil {
		return err
	}
	b.stats.published.Add(1)
	messageCounter.Add(ctx, 1, b.cfg.Name, "published")
	return nil
}

func (b *Broadcaster) dropFn(ctx context.Context) func(*buffer.Batch[*Message], bool) {
	summarized := dispatcher.DropFnSummarized[*Message](ctx, rate.NewLimiter(rate.Every(time.Minute), 1))
	return func(dropped *buffer.Batch[*Message], flush bool) {
		if dropped != nil {
			b.stats.dropped.Add(int64(len(dropped.Data)))
			messageCounter.Add(ctx, int64(len(dropped.Data)), b.cfg.Name, "dropped")
		}
		summarized(dropped, flush)
	}
}

// receive is the subscription handler.
func (b *Broadcaster) receive(ctx context.Context, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf(ctx, "Applying a sync message panicked: %s\n%s", p, debug.Stack())
			b.stats.rejected.Add(1)
			messageCounter.Add(ctx, 1, b.cfg.Name, "rejected")
		}
	}()

	msg, err := Decode(payload)
	if err != nil {
		logging.Warningf(ctx, "Ignoring a sync message: %s", err)
		b.stats.rejected.Add(1)
		messageCounter.Add(ctx, 1, b.cfg.Name, "rejected")
		return
	}
	if msg.SenderID == b.cfg.SID {
		b.stats.echoes.Add(1)
		messageCounter.Add(ctx, 1, b.cfg.Name, "echo")
		return
	}

	switch msg.Type {
	case Remove:
		err = b.local.RemoveAll(ctx, msg.Keys)
	case Clear:
		err = b.local.Clear(ctx)
	}
	if err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to apply %s from %q", msg.Type, msg.SenderID)
		b.stats.rejected.Add(1)
		messageCounter.Add(ctx, 1, b.cfg.Name, "rejected")
		return
	}
	logging.Debugf(ctx, "Applied %s of %d key(s) from %q", msg.Type, len(msg.Keys), msg.SenderID)
	b.stats.applied.Add(1)
	messageCounter.Add(ctx, 1, b.cfg.Name, "applied")
}
