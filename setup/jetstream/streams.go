// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arbormsg/arbor/setup/config"
)

// Message header keys on the output stream.
const (
	RoomID  = "room_id"
	EventID = "event_id"
)

var (
	// OutputRoomEvent carries one message per admission verdict, published
	// by the roomserver in stream order.
	OutputRoomEvent = "OutputRoomEvent"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
}

func prefixed(cfg *config.JetStream, stream *nats.StreamConfig) *nats.StreamConfig {
	prefixedCfg := *stream
	prefixedCfg.Name = cfg.Prefixed(stream.Name)
	prefixedCfg.Subjects = []string{cfg.Prefixed(stream.Name)}
	if cfg.InMemory {
		prefixedCfg.Storage = nats.MemoryStorage
	}
	return &prefixedCfg
}
