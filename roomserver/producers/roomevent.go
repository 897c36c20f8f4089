// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/setup/jetstream"
)

// RoomEventProducer publishes admission verdicts to the output stream.
// Every processed event is published exactly once, whatever the verdict.
type RoomEventProducer struct {
	Topic     string
	JetStream nats.JetStreamContext
}

func (r *RoomEventProducer) Produce(out *api.OutputEvent) error {
	eventJSON, err := json.Marshal(out)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":  out.RoomID,
		"event_id": out.EventID,
		"decision": out.Decision,
	}).Tracef("Producing to topic %q", r.Topic)

	msg := nats.NewMsg(r.Topic)
	msg.Header.Set(jetstream.RoomID, out.RoomID)
	msg.Header.Set(jetstream.EventID, out.EventID)
	msg.Data = eventJSON
	_, err = r.JetStream.PublishMsg(msg)
	return err
}
