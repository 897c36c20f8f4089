// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arbormsg/arbor/roomserver/types"
)

const CacheNoMaxAge = time.Duration(0)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

type cachePrefix byte

const (
	roomInfoCachePrefix cachePrefix = iota + 1
	roomEventCachePrefix
)

// Caches is a ristretto-backed RoomServerCaches. All typed caches share a
// single ristretto instance so the memory budget is global, with a one-byte
// key prefix keeping the namespaces apart.
type Caches struct {
	roomInfos  *typedCache[*types.RoomInfo]
	roomEvents *typedCache[*types.StoredEvent]
}

// NewRistrettoCache creates the shared cache with the given memory budget.
// If enablePrometheus is set, hit/miss counters are registered once.
func NewRistrettoCache(maxCost int64, maxAge time.Duration, enablePrometheus bool) (*Caches, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(float64(maxCost) * 0.05),
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto.NewCache: %w", err)
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "arbor",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "arbor",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		roomInfos: &typedCache[*types.RoomInfo]{
			cache:  cache,
			prefix: roomInfoCachePrefix,
			maxAge: roomInfoCacheMaxAge,
		},
		roomEvents: &typedCache[*types.StoredEvent]{
			cache:  cache,
			prefix: roomEventCachePrefix,
			maxAge: maxAge,
		},
	}, nil
}

type typedCache[V any] struct {
	cache  *ristretto.Cache
	prefix cachePrefix
	maxAge time.Duration
}

func (c *typedCache[V]) key(k string) string {
	return string(c.prefix) + k
}

func (c *typedCache[V]) get(k string) (V, bool) {
	var zero V
	v, ok := c.cache.Get(c.key(k))
	if !ok {
		return zero, false
	}
	value, ok := v.(V)
	if !ok {
		return zero, false
	}
	return value, true
}

func (c *typedCache[V]) set(k string, v V) {
	if c.maxAge == CacheNoMaxAge {
		c.cache.Set(c.key(k), v, 1)
		return
	}
	c.cache.SetWithTTL(c.key(k), v, 1, c.maxAge)
}

func (c *typedCache[V]) del(k string) {
	c.cache.Del(c.key(k))
}

func (c *Caches) GetRoomInfo(roomID string) (*types.RoomInfo, bool) {
	return c.roomInfos.get(roomID)
}

func (c *Caches) StoreRoomInfo(roomID string, info *types.RoomInfo) {
	c.roomInfos.set(roomID, info)
}

func (c *Caches) InvalidateRoomInfo(roomID string) {
	c.roomInfos.del(roomID)
}

func (c *Caches) GetRoomEvent(eventID string) (*types.StoredEvent, bool) {
	return c.roomEvents.get(eventID)
}

func (c *Caches) StoreRoomEvent(eventID string, event *types.StoredEvent) {
	c.roomEvents.set(eventID, event)
}
