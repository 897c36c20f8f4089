// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	rsapi "github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/jetstream"
	"github.com/arbormsg/arbor/setup/process"
	"github.com/arbormsg/arbor/syncapi/notifier"
)

// OutputRoomEventConsumer feeds admission verdicts into the sync side: it
// wakes long-poll waiters and keeps the alias directory in step with
// accepted address-mapping events.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        *shared.Database
	notifier  *notifier.Notifier
}

func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.Config,
	js nats.JetStreamContext,
	db *shared.Database,
	notifier *notifier.Notifier,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Global.JetStream.Prefixed("SyncAPIRoomServerConsumer"),
		db:        db,
		notifier:  notifier,
	}
}

func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, s.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // single-message batches only
	var output rsapi.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next
		// message in the stream
		logrus.WithContext(ctx).WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	s.notifier.OnNewEvent(output.Position)

	if output.Decision == types.DecisionAllowed && len(output.EventJSON) > 0 {
		s.updateAliasDirectory(ctx, &output)
	}
	return true
}

// updateAliasDirectory mirrors accepted m.room.aliases state events into
// the local directory so lookups never need a state walk.
func (s *OutputRoomEventConsumer) updateAliasDirectory(ctx context.Context, output *rsapi.OutputEvent) {
	if gjson.GetBytes(output.EventJSON, "type").Str != "m.room.aliases" {
		return
	}
	aliases := gjson.GetBytes(output.EventJSON, "content.aliases").Array()
	for _, alias := range aliases {
		if alias.Str == "" {
			continue
		}
		existing, err := s.db.RoomIDForAlias(ctx, alias.Str)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).Error("Failed to look up alias")
			sentry.CaptureException(err)
			continue
		}
		if existing != "" {
			continue
		}
		if err := s.db.SetRoomAlias(ctx, alias.Str, output.RoomID); err != nil {
			logrus.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id": output.RoomID,
				"alias":   alias.Str,
			}).Error("Failed to update alias directory")
			sentry.CaptureException(err)
		}
	}
}
