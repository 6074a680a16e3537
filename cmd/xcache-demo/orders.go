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

package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/patricklaux/xcache-sub001/cache"
	"github.com/patricklaux/xcache-sub001/server/cachemodule"
	"github.com/patricklaux/xcache-sub001/store/codec"
	"github.com/patricklaux/xcache-sub001/store/lrustore"
	"github.com/patricklaux/xcache-sub001/store/redisstore"
)

// order is a row of the fake database.
type order struct {
	ID      string    `json:"id" msgpack:"id"`
	Item    string    `json:"item" msgpack:"item"`
	Version int64     `json:"version" msgpack:"v"`
	Updated time.Time `json:"updated" msgpack:"u"`
}

// database is the fake system of record.
//
// Orders with IDs starting with "o" exist, others don't.
type database struct {
	latency time.Duration

	m      sync.Mutex
	orders map[string]*order
}

func (db *database) load(ctx context.Context, id string) (*order, bool, error) {
	if r := <-clock.After(ctx, db.latency); r.Err != nil {
		return nil, false, r.Err
	}
	db.m.Lock()
	defer db.m.Unlock()
	if o := db.orders[id]; o != nil {
		cpy := *o
		return &cpy, true, nil
	}
	if !strings.HasPrefix(id, "o") {
		return nil, false, nil
	}
	o := &order{ID: id, Item: "widget", Version: 1, Updated: clock.Now(ctx).UTC()}
	db.put(o)
	cpy := *o
	return &cpy, true, nil
}

func (db *database) update(ctx context.Context, id, item string) *order {
	db.m.Lock()
	defer db.m.Unlock()
	o := &order{ID: id, Item: item, Version: 1, Updated: clock.Now(ctx).UTC()}
	if prev := db.orders[id]; prev != nil {
		o.Version = prev.Version + 1
	}
	db.put(o)
	cpy := *o
	return &cpy
}

func (db *database) put(o *order) {
	if db.orders == nil {
		db.orders = map[string]*order{}
	}
	db.orders[o.ID] = o
}

// orderService reads orders through the cache.
type orderService struct {
	db     *database
	orders *cache.Cache[*order]
}

func newOrderService(reg *cachemodule.Registry, db *database, localSize int) (*orderService, error) {
	remote, err := redisstore.New[*order]("orders", redisstore.Options[*order]{
		Group:      reg.Options().Group,
		Codec:      codec.Msgpack[*order]{},
		Compressor: codec.Zstd{},
		TTL:        time.Hour,
		TTLJitter:  5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	orders, err := cachemodule.NewCache(reg, "orders", cache.Options[*order]{
		Local:     lrustore.New[*order]("orders", localSize, 10*time.Minute),
		Remote:    remote,
		Loader:    db.load,
		AllowNull: true,
	})
	if err != nil {
		return nil, errors.Fmt("creating the orders cache: %w", err)
	}
	return &orderService{db: db, orders: orders}, nil
}

func (s *orderService) get(ctx context.Context, id string) (*order, bool, error) {
	v, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	o, ok := v.Value()
	return o, ok, nil
}

// update writes through: the database first, then the cache.
func (s *orderService) update(ctx context.Context, id, item string) (*order, error) {
	o := s.db.update(ctx, id, item)
	if err := s.orders.Put(ctx, id, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *orderService) forget(ctx context.Context, id string) error {
	return s.orders.Remove(ctx, id)
}
