// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/internal"
	"github.com/arbormsg/arbor/roomserver/producers"
	"github.com/arbormsg/arbor/roomserver/storage"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/jetstream"
)

// NewInternalAPI opens the roomserver database and assembles the engine.
func NewInternalAPI(
	cfg *config.Config, cache caching.RoomServerCaches,
	js natsclient.JetStreamContext, fedClient fedapi.FederationClient,
) api.RoomserverInternalAPI {
	conStr := cfg.RoomServer.Database.ConnectionString
	if conStr == "" {
		conStr = cfg.Global.DatabaseOptions.ConnectionString
	}
	db, err := storage.Open(string(conStr), cache)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to room server db")
	}

	producer := &producers.RoomEventProducer{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	}

	return internal.NewRoomserverAPI(
		&cfg.RoomServer, db,
		cfg.Global.ServerName, cfg.Global.KeyID, cfg.Global.PrivateKey,
		fedClient, producer,
	)
}
