// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue fans newly accepted local events out to every joined
// peer. Fan-out is best-effort: replication, not delivery guarantees, is
// what keeps rooms converged, so a failed push is logged and dropped.
package queue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	rsapi "github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/jetstream"
	"github.com/arbormsg/arbor/setup/process"
)

// OutputEventConsumer watches the output stream and pushes events this
// server authored to the other joined servers.
type OutputEventConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	serverName string
	rsAPI      rsapi.QueryAPI
	fedClient  fedapi.FederationClient
}

func NewOutputEventConsumer(
	processCtx *process.ProcessContext,
	cfg *config.Config,
	js nats.JetStreamContext,
	rsAPI rsapi.QueryAPI,
	fedClient fedapi.FederationClient,
) *OutputEventConsumer {
	return &OutputEventConsumer{
		ctx:        processCtx.Context(),
		jetstream:  js,
		topic:      cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:    cfg.Global.JetStream.Prefixed("FederationAPIRoomServerConsumer"),
		serverName: cfg.Global.ServerName,
		rsAPI:      rsAPI,
		fedClient:  fedClient,
	}
}

func (c *OutputEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		c.ctx, c.jetstream, c.topic, c.durable, c.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

func (c *OutputEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // single-message batches only
	var output rsapi.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		logrus.WithContext(ctx).WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if output.Decision != types.DecisionAllowed || len(output.EventJSON) == 0 {
		return true
	}
	// Only events this server authored fan out from here; events from
	// peers are already known to their origin's partners.
	if gjson.GetBytes(output.EventJSON, "origin").Str != c.serverName {
		return true
	}

	destinations, err := c.joinedServers(ctx, output.RoomID)
	if err != nil {
		logrus.WithContext(ctx).WithError(err).WithField(
			"room_id", output.RoomID,
		).Error("Failed to resolve fan-out destinations")
		sentry.CaptureException(err)
		return true
	}

	c.fanOut(ctx, destinations, output.EventJSON)
	return true
}

// fanOut pushes the event to every destination concurrently. Failures are
// independent; one slow peer never blocks the rest.
func (c *OutputEventConsumer) fanOut(ctx context.Context, destinations []string, eventJSON json.RawMessage) {
	g, ctx := errgroup.WithContext(ctx)
	for _, destination := range destinations {
		destination := destination
		g.Go(func() error {
			if err := c.fedClient.SendTransaction(ctx, destination, []json.RawMessage{eventJSON}); err != nil {
				logrus.WithContext(ctx).WithError(err).WithField(
					"destination", destination,
				).Warn("Failed to push event to peer")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *OutputEventConsumer) joinedServers(ctx context.Context, roomID string) ([]string, error) {
	var res rsapi.QueryCurrentStateResponse
	err := c.rsAPI.QueryCurrentState(ctx, &rsapi.QueryCurrentStateRequest{RoomID: roomID}, &res)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{c.serverName: {}}
	var servers []string
	for _, ev := range res.StateEvents {
		if ev.Type != auth.MRoomMember {
			continue
		}
		if gjson.GetBytes(ev.Content, "membership").Str != auth.MembershipJoin {
			continue
		}
		target := ev.StateKeyValue()
		i := strings.IndexByte(target, ':')
		if i < 0 {
			continue
		}
		domain := target[i+1:]
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		servers = append(servers, domain)
	}
	return servers, nil
}
