// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/state"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// processRoomEvent is the admission critical section for one event. It runs
// only inside the room's actor.
//
// The shape follows the event lifecycle: short-circuit a processed event,
// validate, resolve the full ancestry (auth chain, then prev events), then
// authorize twice: once against the state implied by the event's own auth
// context as a consistency check, and once against the room's live state,
// which is the decision that moves the room forward.
func (r *Inputer) processRoomEvent(
	ctx context.Context, input *api.InputRoomEvent,
) (types.Authorization, error) {
	select {
	case <-ctx.Done():
		return types.Authorization{}, ctx.Err()
	default:
	}

	roomVer, err := r.roomVersionFor(ctx, input)
	if err != nil {
		return types.Authorization{}, err
	}
	event, err := roomVer.NewEventFromUntrustedJSON(input.EventJSON)
	if err != nil {
		// Unparseable bytes never even get an event ID to hang a verdict
		// on, so this is an error, not an Invalid verdict.
		return types.Authorization{}, fmt.Errorf("NewEventFromUntrustedJSON: %w", err)
	}
	if event.RoomID != input.RoomID {
		return types.Authorization{}, fmt.Errorf("event is for room %q, not %q", event.RoomID, input.RoomID)
	}

	info, err := r.lookupOrCreateRoom(ctx, input, event, roomVer)
	if err != nil {
		return types.Authorization{}, err
	}

	// Idempotence: a processed event keeps its first verdict forever.
	if stored, err := r.DB.Event(ctx, info, event.EventID); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.Event: %w", err)
	} else if stored != nil && stored.Metadata.Processed {
		return cachedVerdict(stored), nil
	}

	if reason, ok := auth.Validate(event); !ok {
		verdict := types.Invalidate(event.EventID, reason)
		if err := r.storeAndRecordVerdict(ctx, info, event, input, verdict); err != nil {
			return types.Authorization{}, err
		}
		return verdict, nil
	}

	// Federated inbound events must arrive with their complete auth
	// ancestry resolvable. A withheld chain fails closed: authorizing
	// against partial state is how a forged room history gets in.
	if input.Origin != r.ServerName && input.Kind != api.KindSeed {
		if err := r.fetchAuthChain(ctx, info, roomVer, event, input.Origin); err != nil {
			return types.Authorization{}, err
		}
		if err := r.fetchMissingPrevEvents(ctx, info, roomVer, event, input.Origin); err != nil {
			return types.Authorization{}, err
		}
	}

	if err := r.DB.StoreEvent(ctx, info.RoomNID, event, types.EventMetadata{
		Present:      true,
		Seed:         input.Kind == api.KindSeed,
		ReceivedFrom: input.Origin,
		ReceivedAt:   time.Now().UnixMilli(),
	}); err != nil {
		return types.Authorization{}, fmt.Errorf("r.DB.StoreEvent: %w", err)
	}

	liveState, err := r.loadLiveState(ctx, info)
	if err != nil {
		return types.Authorization{}, err
	}

	verdict := auth.Allowed(roomVer, liveState, event)
	if verdict.IsAllowed() && event.Type != auth.MRoomCreate {
		// The ancestry check: the event must also be allowed by the state
		// its own auth_events describe. Disagreement means the sender
		// authorized against history we do not accept.
		ancestryState, err := r.loadAncestryState(ctx, info, event)
		if err != nil {
			return types.Authorization{}, err
		}
		if ancestryState != nil {
			if ancestry := auth.Allowed(roomVer, ancestryState, event); !ancestry.IsAllowed() {
				verdict = types.Deny(event.EventID, fmt.Sprintf(
					"allowed by live state but not by its own auth context: %s", ancestry.Reason,
				))
			}
		}
	}

	if err := r.recordVerdict(ctx, info, event, liveState, verdict); err != nil {
		return types.Authorization{}, err
	}

	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"room_id":  event.RoomID,
		"event_id": event.EventID,
		"type":     event.Type,
		"decision": verdict.Decision,
	}).Debug("Processed room event")

	return verdict, nil
}

// roomVersionFor resolves the algorithm version for an input: the room's
// pinned version when the room exists, the input's claim otherwise.
func (r *Inputer) roomVersionFor(ctx context.Context, input *api.InputRoomEvent) (*version.RoomVersionImpl, error) {
	info, err := r.DB.RoomInfo(ctx, input.RoomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if info != nil {
		return version.GetRoomVersion(version.RoomVersion(info.RoomVersion))
	}
	if input.RoomVersion != "" {
		return version.GetRoomVersion(version.RoomVersion(input.RoomVersion))
	}
	return version.GetRoomVersion(version.DefaultRoomVersion())
}

// lookupOrCreateRoom returns the room header, inserting a pending room row
// when the event is a plausible DAG root or a trusted seed for a room this
// server is joining.
func (r *Inputer) lookupOrCreateRoom(
	ctx context.Context, input *api.InputRoomEvent, event *types.Event, roomVer *version.RoomVersionImpl,
) (*types.RoomInfo, error) {
	info, err := r.DB.RoomInfo(ctx, input.RoomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if info != nil {
		return info, nil
	}
	if event.Type != auth.MRoomCreate && input.Kind != api.KindSeed {
		return nil, types.ErrRoomNotFound
	}
	if _, err = r.DB.GetOrCreateRoomNID(ctx, input.RoomID, string(roomVer.Version())); err != nil {
		return nil, fmt.Errorf("r.DB.GetOrCreateRoomNID: %w", err)
	}
	info, err = r.DB.RoomInfo(ctx, input.RoomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if info == nil {
		return nil, types.ErrRoomNotFound
	}
	return info, nil
}

// cachedVerdict reconstructs the first verdict, reason included, so a
// re-offer is indistinguishable from the original judgement.
func cachedVerdict(stored *types.StoredEvent) types.Authorization {
	reason := stored.Metadata.Reason
	switch {
	case !stored.Metadata.Valid:
		if reason == "" {
			reason = "previously judged invalid"
		}
		return types.Invalidate(stored.EventID, reason)
	case stored.Metadata.Allowed:
		return types.Allow(stored.EventID)
	default:
		if reason == "" {
			reason = "previously denied"
		}
		return types.Deny(stored.EventID, reason)
	}
}

// loadLiveState materialises the room's current state from its cached view.
func (r *Inputer) loadLiveState(ctx context.Context, info *types.RoomInfo) (*state.RoomState, error) {
	if info.StateSnapshotNID == 0 {
		return state.Empty(), nil
	}
	events, err := r.DB.StateSnapshot(ctx, info, info.StateSnapshotNID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.StateSnapshot: %w", err)
	}
	return state.FromEvents(events), nil
}

// loadAncestryState builds the state described by the event's own
// auth_events references. Returns nil when the event names no auth events.
func (r *Inputer) loadAncestryState(
	ctx context.Context, info *types.RoomInfo, event *types.Event,
) (*state.RoomState, error) {
	if len(event.AuthEvents) == 0 {
		return nil, nil
	}
	stored, err := r.DB.Events(ctx, info, event.AuthEvents)
	if err != nil {
		return nil, fmt.Errorf("r.DB.Events: %w", err)
	}
	events := make([]*types.Event, 0, len(stored))
	byID := make(map[string]*types.StoredEvent, len(stored))
	for _, se := range stored {
		if se.Event == nil || !se.Metadata.Present {
			continue
		}
		events = append(events, se.Event)
		byID[se.EventID] = se
	}
	ordered := auth.TopologicalSort(events)
	s := state.Empty()
	for _, e := range ordered {
		s = s.Apply(byID[e.EventID])
	}
	return s, nil
}

// storeAndRecordVerdict persists an event that failed validation along with
// its Invalid verdict.
func (r *Inputer) storeAndRecordVerdict(
	ctx context.Context, info *types.RoomInfo, event *types.Event,
	input *api.InputRoomEvent, verdict types.Authorization,
) error {
	if err := r.DB.StoreEvent(ctx, info.RoomNID, event, types.EventMetadata{
		Present:      true,
		ReceivedFrom: input.Origin,
		ReceivedAt:   time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("r.DB.StoreEvent: %w", err)
	}
	return r.recordVerdict(ctx, info, event, nil, verdict)
}

// recordVerdict makes the verdict durable and visible: metadata flags, the
// output stream entry, extremity and view updates for allowed events, and
// the published output message. Rejections advance the stream but never
// the room.
func (r *Inputer) recordVerdict(
	ctx context.Context, info *types.RoomInfo, event *types.Event,
	liveState *state.RoomState, verdict types.Authorization,
) error {
	if verdict.IsAllowed() {
		if err := r.advanceRoom(ctx, info, event, liveState); err != nil {
			return err
		}
	}
	pos, err := r.DB.MarkEventProcessed(ctx, info, event.EventID, verdict)
	if err != nil {
		return fmt.Errorf("r.DB.MarkEventProcessed: %w", err)
	}

	out := &api.OutputEvent{
		Position: pos,
		RoomID:   info.RoomID,
		EventID:  event.EventID,
		Decision: verdict.Decision,
		Reason:   verdict.Reason,
	}
	if verdict.IsAllowed() {
		out.EventJSON = event.JSON
	}
	if r.Producer != nil {
		if err := r.Producer.Produce(out); err != nil {
			// The verdict is durable; a failed publish only delays
			// downstream consumers until the next one.
			logrus.WithContext(ctx).WithError(err).WithField(
				"event_id", event.EventID,
			).Error("Failed to produce output event")
		}
	}
	return nil
}

// advanceRoom moves the room's forward-looking view onto an accepted
// event: extremities, state snapshot, cached head.
func (r *Inputer) advanceRoom(
	ctx context.Context, info *types.RoomInfo, event *types.Event, liveState *state.RoomState,
) error {
	if err := r.DB.ReplaceForwardExtremities(ctx, info.RoomNID, event.PrevEvents, event.EventID); err != nil {
		return fmt.Errorf("r.DB.ReplaceForwardExtremities: %w", err)
	}

	stateNID := info.StateSnapshotNID
	if event.IsState() {
		if liveState == nil {
			liveState = state.Empty()
		}
		stored := &types.StoredEvent{
			RoomNID:  info.RoomNID,
			EventID:  event.EventID,
			Event:    event,
			Metadata: types.EventMetadata{Present: true, Processed: true, Valid: true, Allowed: true},
		}
		newState := liveState.Apply(stored)
		nids, err := r.stateEventNIDs(ctx, info, newState)
		if err != nil {
			return err
		}
		stateNID, err = r.DB.AddStateSnapshot(ctx, info.RoomNID, nids)
		if err != nil {
			return fmt.Errorf("r.DB.AddStateSnapshot: %w", err)
		}
		if err = r.DB.SetEventState(ctx, info.RoomNID, event.EventID, stateNID); err != nil {
			return fmt.Errorf("r.DB.SetEventState: %w", err)
		}
		info.StateSnapshotNID = stateNID

		clearPending := info.Pending && bootstrapComplete(newState)
		if err = r.DB.UpdateRoomView(ctx, info, event.EventID, stateNID, clearPending); err != nil {
			return fmt.Errorf("r.DB.UpdateRoomView: %w", err)
		}
		if clearPending {
			info.Pending = false
		}
	} else {
		if err := r.DB.UpdateRoomView(ctx, info, event.EventID, stateNID, false); err != nil {
			return fmt.Errorf("r.DB.UpdateRoomView: %w", err)
		}
	}
	info.HeadEventID = event.EventID
	return nil
}

// stateEventNIDs resolves a snapshot's members to their storage NIDs. The
// event that triggered the snapshot may not have its NID in hand yet, so
// the IDs are re-read in one bulk select.
func (r *Inputer) stateEventNIDs(
	ctx context.Context, info *types.RoomInfo, s *state.RoomState,
) ([]types.EventNID, error) {
	events := s.Events()
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	rows, err := r.DB.EventsTable.BulkSelectEvents(ctx, nil, info.RoomNID, ids)
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventsTable.BulkSelectEvents: %w", err)
	}
	nids := make([]types.EventNID, 0, len(rows))
	for i := range rows {
		nids = append(nids, rows[i].EventNID)
	}
	return nids, nil
}

// bootstrapComplete reports whether the room's creation sequence has fully
// landed: the create event, a joined creator and the power levels. Until
// then the room stays pending and invisible to lookup and join.
func bootstrapComplete(s *state.RoomState) bool {
	create := s.CreateEvent()
	if create == nil || s.PowerLevelsEvent() == nil {
		return false
	}
	return len(s.JoinedServers()) > 0
}
