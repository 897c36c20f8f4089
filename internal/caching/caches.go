// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching wraps ristretto behind small typed caches so that call
// sites cannot mix up key namespaces or value types.
package caching

import (
	"time"

	"github.com/arbormsg/arbor/roomserver/types"
)

// RoomServerCaches is the full set of caches the roomserver needs.
type RoomServerCaches interface {
	RoomInfoCache
	RoomEventCache
}

// RoomInfoCache caches the per-room header keyed by room ID.
type RoomInfoCache interface {
	GetRoomInfo(roomID string) (*types.RoomInfo, bool)
	StoreRoomInfo(roomID string, info *types.RoomInfo)
	InvalidateRoomInfo(roomID string)
}

// RoomEventCache caches admitted events keyed by event ID. Only processed
// events go in; verdicts never change afterwards so entries never go stale.
type RoomEventCache interface {
	GetRoomEvent(eventID string) (*types.StoredEvent, bool)
	StoreRoomEvent(eventID string, event *types.StoredEvent)
}

const (
	roomInfoCacheName  = "roominfo"
	roomEventCacheName = "roomserver_event"

	roomInfoCacheMutable  = true
	roomEventCacheMutable = false

	roomInfoCacheMaxAge  = time.Minute * 5
	roomEventCacheMaxAge = CacheNoMaxAge
)
