// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// fetchAuthChain ensures every auth_events ancestor of the event is held
// and processed locally, fetching the chain from the offering peer when
// needed. A peer that refuses, or whose answer still leaves gaps, produces
// a ForbiddenError: a withheld auth chain must never degrade to
// authorizing against partial state.
func (r *Inputer) fetchAuthChain(
	ctx context.Context, info *types.RoomInfo, roomVer *version.RoomVersionImpl,
	event *types.Event, origin string,
) error {
	missing, err := r.missingFrom(ctx, info, event.AuthEvents)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"room_id":  info.RoomID,
		"event_id": event.EventID,
		"missing":  len(missing),
	}).Debug("Fetching auth chain")

	chain, err := r.FedClient.GetAuthChain(ctx, origin, info.RoomID, event.EventID)
	if err != nil {
		if forbidden, ok := err.(*types.ForbiddenError); ok {
			return forbidden
		}
		return fmt.Errorf("r.FedClient.GetAuthChain: %w", err)
	}

	if err = r.ingestFetchedEvents(ctx, info, roomVer, chain, origin); err != nil {
		return err
	}

	// Anything still missing after the peer's full answer was withheld.
	missing, err = r.missingFrom(ctx, info, event.AuthEvents)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &types.ForbiddenError{
			Server: origin,
			Reason: fmt.Sprintf("auth chain for %s is incomplete: %d events withheld", event.EventID, len(missing)),
		}
	}
	return nil
}

// fetchMissingPrevEvents backfills the event's missing prev_events
// ancestry. Candidate peers are the offering peer plus every server with a
// joined user; each pass over the candidates must shrink the frontier or
// the walk fails. Parents below the oldest locally held depth are recorded
// as backward extremities instead of being chased.
func (r *Inputer) fetchMissingPrevEvents(
	ctx context.Context, info *types.RoomInfo, roomVer *version.RoomVersionImpl,
	event *types.Event, origin string,
) error {
	minDepth, err := r.DB.MinDepth(ctx, info.RoomNID)
	if err != nil {
		return fmt.Errorf("r.DB.MinDepth: %w", err)
	}

	for {
		missing, err := r.missingFrom(ctx, info, event.PrevEvents)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		// References reaching below everything we hold are gaps we accept,
		// not gaps we chase. They stay on record for later backfill.
		if minDepth > 0 && event.Depth-1 < minDepth {
			for _, eventID := range missing {
				if err = r.DB.AddBackwardExtremity(ctx, info.RoomNID, eventID); err != nil {
					return fmt.Errorf("r.DB.AddBackwardExtremity: %w", err)
				}
			}
			return nil
		}

		if err = r.backfillOnce(ctx, info, roomVer, event, origin, missing); err != nil {
			return err
		}

		after, err := r.missingFrom(ctx, info, event.PrevEvents)
		if err != nil {
			return err
		}
		if len(after) >= len(missing) {
			return types.MissingStateError(fmt.Sprintf(
				"unable to backfill %d missing ancestors of %s", len(after), event.EventID,
			))
		}
	}
}

// backfillOnce asks each candidate peer in turn for one batch of missing
// events and ingests whatever arrives. A refusal or outage from one peer
// moves on to the next; only a wholly fruitless pass is reported.
func (r *Inputer) backfillOnce(
	ctx context.Context, info *types.RoomInfo, roomVer *version.RoomVersionImpl,
	event *types.Event, origin string, missing []string,
) error {
	earliest, err := r.DB.ForwardExtremities(ctx, info.RoomNID)
	if err != nil {
		return fmt.Errorf("r.DB.ForwardExtremities: %w", err)
	}

	for _, server := range r.candidateServers(ctx, info, origin) {
		backfillFetchesCounter.Inc()
		batch, err := r.FedClient.GetMissingEvents(
			ctx, server, info.RoomID, earliest, missing, r.Cfg.MaxBackfillBatch,
		)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id": info.RoomID,
				"server":  server,
			}).Debug("Backfill candidate failed, trying next")
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if err = r.ingestFetchedEvents(ctx, info, roomVer, batch, server); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// candidateServers is the peer set for ancestry fetches: the offerer first,
// then every joined server from live state, local server excluded.
func (r *Inputer) candidateServers(ctx context.Context, info *types.RoomInfo, origin string) []string {
	servers := []string{}
	seen := map[string]struct{}{r.ServerName: {}}
	add := func(server string) {
		if server == "" {
			return
		}
		if _, ok := seen[server]; ok {
			return
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	add(origin)
	if liveState, err := r.loadLiveState(ctx, info); err == nil {
		for _, server := range liveState.JoinedServers() {
			add(server)
		}
	}
	return servers
}

// ingestFetchedEvents parses, orders and admits a batch of events fetched
// from a peer. The topological sort is what keeps a fetched child from
// being authorized before its fetched parent.
func (r *Inputer) ingestFetchedEvents(
	ctx context.Context, info *types.RoomInfo, roomVer *version.RoomVersionImpl,
	batch []json.RawMessage, from string,
) error {
	events := make([]*types.Event, 0, len(batch))
	for _, eventJSON := range batch {
		event, err := roomVer.NewEventFromUntrustedJSON(eventJSON)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).WithField(
				"server", from,
			).Warn("Peer sent an unparseable event, skipping")
			continue
		}
		if event.RoomID != info.RoomID {
			continue
		}
		events = append(events, event)
	}

	for _, event := range auth.TopologicalSort(events) {
		if _, err := r.processRoomEvent(ctx, &api.InputRoomEvent{
			Kind:      api.KindNew,
			RoomID:    info.RoomID,
			EventJSON: event.JSON,
			Origin:    from,
		}); err != nil {
			return fmt.Errorf("ingesting fetched event %s: %w", event.EventID, err)
		}
		// A fetched event may have been a known gap; it no longer is.
		if err := r.DB.RemoveBackwardExtremity(ctx, info.RoomNID, event.EventID); err != nil {
			logrus.WithContext(ctx).WithError(err).Warn("Failed to clear backward extremity")
		}
	}
	return nil
}

// missingFrom filters the given IDs down to those with no present body.
func (r *Inputer) missingFrom(
	ctx context.Context, info *types.RoomInfo, eventIDs []string,
) ([]string, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	held, err := r.DB.Events(ctx, info, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.Events: %w", err)
	}
	var missing []string
	for _, eventID := range eventIDs {
		stored, ok := held[eventID]
		if !ok || !stored.Metadata.Present {
			missing = append(missing, eventID)
		}
	}
	return missing, nil
}
