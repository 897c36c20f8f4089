// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/state"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// SeedRequest carries the material handed back by a resident peer at the
// end of a join handshake.
type SeedRequest struct {
	RoomID      string
	RoomVersion string
	// SeedJSON is the join event as admitted and re-signed by the resident.
	SeedJSON json.RawMessage
	// StateJSON is the room state before the seed.
	StateJSON []json.RawMessage
	// From is the resident peer the material came from.
	From string
}

// AddSeed installs a room snapshot received from a resident peer. The
// supplied state is authorized internally, in topological order, failing
// closed on the first unauthorized event; the seed is then authorized
// against that state alone and installed as the room's entire forward
// extremity set. There is no prior local history to reconcile against, so
// the snapshot is marked untrusted until re-derived from later traffic.
func (r *Inputer) AddSeed(ctx context.Context, req *SeedRequest) (types.Authorization, error) {
	var verdict types.Authorization
	var err error
	r.singleRoom(req.RoomID, func() {
		verdict, err = r.addSeed(ctx, req)
	})
	return verdict, err
}

func (r *Inputer) addSeed(ctx context.Context, req *SeedRequest) (types.Authorization, error) {
	roomVer, err := version.GetRoomVersion(version.RoomVersion(req.RoomVersion))
	if err != nil {
		return types.Authorization{}, err
	}

	if _, err = r.DB.GetOrCreateRoomNID(ctx, req.RoomID, req.RoomVersion); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.GetOrCreateRoomNID: %w", err)
	}
	info, err := r.DB.RoomInfo(ctx, req.RoomID)
	if err != nil || info == nil {
		return types.Authorization{}, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}

	seed, err := roomVer.NewEventFromUntrustedJSON(req.SeedJSON)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("NewEventFromUntrustedJSON: %w", err)
	}

	stateEvents := make([]*types.Event, 0, len(req.StateJSON))
	for _, eventJSON := range req.StateJSON {
		event, err := roomVer.NewEventFromUntrustedJSON(eventJSON)
		if err != nil {
			return types.Authorization{}, fmt.Errorf("unparseable state event in seed: %w", err)
		}
		if event.RoomID != req.RoomID || !event.IsState() {
			return types.Authorization{}, fmt.Errorf("seed state contains a non-state or foreign event")
		}
		stateEvents = append(stateEvents, event)
	}

	// Authorize the snapshot internally: each event against the state the
	// preceding ones built. One unauthorized event poisons the whole seed.
	provisional := state.Empty()
	injected := make([]*types.StoredEvent, 0, len(stateEvents))
	for _, event := range auth.TopologicalSort(stateEvents) {
		if reason, ok := auth.Validate(event); !ok {
			return types.Authorization{}, fmt.Errorf("invalid event %s in seed state: %s", event.EventID, reason)
		}
		if v := auth.Allowed(roomVer, provisional, event); !v.IsAllowed() {
			return types.Authorization{}, fmt.Errorf("unauthorized event %s in seed state: %s", event.EventID, v.Reason)
		}
		stored := &types.StoredEvent{
			RoomNID: info.RoomNID,
			EventID: event.EventID,
			Event:   event,
			Metadata: types.EventMetadata{
				Present: true, Processed: true, Valid: true, Allowed: true, Seed: true,
				FetchedFrom: req.From, FetchedAt: time.Now().UnixMilli(),
			},
		}
		provisional = provisional.Apply(stored)
		injected = append(injected, stored)
	}

	if reason, ok := auth.Validate(seed); !ok {
		return types.Authorization{}, fmt.Errorf("invalid seed event: %s", reason)
	}
	verdict := auth.Allowed(roomVer, provisional, seed)
	if !verdict.IsAllowed() {
		return types.Authorization{}, fmt.Errorf("seed event rejected against its own snapshot: %s", verdict.Reason)
	}

	for _, stored := range injected {
		if err = r.DB.StoreEvent(ctx, info.RoomNID, stored.Event, stored.Metadata); err != nil {
			return types.Authorization{}, fmt.Errorf("r.DB.StoreEvent: %w", err)
		}
	}
	if err = r.DB.StoreEvent(ctx, info.RoomNID, seed, types.EventMetadata{
		Present: true, Seed: true,
		FetchedFrom: req.From, FetchedAt: time.Now().UnixMilli(),
	}); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.StoreEvent: %w", err)
	}

	// The seed replaces, not extends, whatever extremities existed.
	if err = r.DB.ExtremitiesTable.DeleteAllForwardExtremities(ctx, nil, info.RoomNID); err != nil {
		return types.Authorization{}, fmt.Errorf("DeleteAllForwardExtremities: %w", err)
	}
	if err = r.DB.ExtremitiesTable.InsertForwardExtremity(ctx, nil, info.RoomNID, seed.EventID); err != nil {
		return types.Authorization{}, fmt.Errorf("InsertForwardExtremity: %w", err)
	}

	seedStored := &types.StoredEvent{
		RoomNID:  info.RoomNID,
		EventID:  seed.EventID,
		Event:    seed,
		Metadata: types.EventMetadata{Present: true, Processed: true, Valid: true, Allowed: true, Seed: true},
	}
	final := provisional.Apply(seedStored)
	nids, err := r.stateEventNIDs(ctx, info, final)
	if err != nil {
		return types.Authorization{}, err
	}
	stateNID, err := r.DB.AddStateSnapshot(ctx, info.RoomNID, nids)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.AddStateSnapshot: %w", err)
	}
	if err = r.DB.SetEventState(ctx, info.RoomNID, seed.EventID, stateNID); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.SetEventState: %w", err)
	}
	if err = r.DB.UpdateRoomView(ctx, info, seed.EventID, stateNID, true); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.UpdateRoomView: %w", err)
	}
	info.StateSnapshotNID = stateNID
	info.HeadEventID = seed.EventID
	info.Pending = false

	if err = r.recordSeedVerdict(ctx, info, seed); err != nil {
		return types.Authorization{}, err
	}

	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"room_id":  req.RoomID,
		"seed":     seed.EventID,
		"state":    len(injected),
		"resident": req.From,
	}).Info("Installed room seed")

	return verdict, nil
}

func (r *Inputer) recordSeedVerdict(ctx context.Context, info *types.RoomInfo, seed *types.Event) error {
	pos, err := r.DB.MarkEventProcessed(ctx, info, seed.EventID, types.Allow(seed.EventID))
	if err != nil {
		return fmt.Errorf("r.DB.MarkEventProcessed: %w", err)
	}
	if r.Producer != nil {
		if err := r.Producer.Produce(&api.OutputEvent{
			Position:  pos,
			RoomID:    info.RoomID,
			EventID:   seed.EventID,
			Decision:  types.DecisionAllowed,
			EventJSON: seed.JSON,
		}); err != nil {
			logrus.WithContext(ctx).WithError(err).Error("Failed to produce seed output event")
		}
	}
	return nil
}
