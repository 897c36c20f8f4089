// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/types"
)

// Federation is an in-memory federation peer set. Rooms registered with
// AddRoom act as replicas resident on their server, answering alias
// lookups, join handshakes, auth chain and backfill requests from the
// fixture DAG.
type Federation struct {
	mu       sync.Mutex
	rooms    map[string]*Room   // room ID -> fixture
	resident map[string]string  // room ID -> server name
	aliases  map[string]string  // alias -> room ID

	// Unreachable marks servers as down; every call to them returns an
	// UnavailableError.
	Unreachable map[string]bool
	// WithholdEventID, when set, is silently dropped from auth chain
	// responses, for exercising the fail-closed path.
	WithholdEventID string

	// Transactions records SendTransaction pushes per destination.
	Transactions map[string][][]json.RawMessage
	// Invites records events handed over via SendInvite.
	Invites []*types.Event
}

func NewFederation() *Federation {
	return &Federation{
		rooms:        map[string]*Room{},
		resident:     map[string]string{},
		aliases:      map[string]string{},
		Unreachable:  map[string]bool{},
		Transactions: map[string][][]json.RawMessage{},
	}
}

// AddRoom registers a room as resident on the given server.
func (f *Federation) AddRoom(serverName string, room *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	f.resident[room.ID] = serverName
}

// AddAlias publishes an alias for a registered room.
func (f *Federation) AddAlias(alias, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = roomID
}

func (f *Federation) roomOn(server, roomID string) (*Room, error) {
	if f.Unreachable[server] {
		return nil, &types.UnavailableError{Server: server, Err: errors.New("server marked unreachable")}
	}
	room, ok := f.rooms[roomID]
	if !ok || f.resident[roomID] != server {
		return nil, &types.ForbiddenError{Server: server, Reason: "unknown room"}
	}
	return room, nil
}

func (f *Federation) LookupRoomAlias(ctx context.Context, server, alias string) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable[server] {
		return "", nil, &types.UnavailableError{Server: server, Err: errors.New("server marked unreachable")}
	}
	roomID, ok := f.aliases[alias]
	if !ok {
		return "", nil, &types.ForbiddenError{Server: server, Reason: "alias not found"}
	}
	return roomID, []string{f.resident[roomID]}, nil
}

func (f *Federation) MakeJoin(ctx context.Context, server, roomID, userID string) (*types.ProtoEvent, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.roomOn(server, roomID)
	if err != nil {
		return nil, "", err
	}
	content, err := json.Marshal(map[string]string{"membership": auth.MembershipJoin})
	if err != nil {
		return nil, "", err
	}
	staged := types.Event{
		Type:     auth.MRoomMember,
		Sender:   userID,
		StateKey: &userID,
		Content:  content,
	}
	proto := &types.ProtoEvent{
		RoomID:     roomID,
		Sender:     userID,
		Type:       auth.MRoomMember,
		StateKey:   &userID,
		Content:    content,
		Depth:      room.depth + 1,
		PrevEvents: room.ForwardExtremities(),
		AuthEvents: auth.AuthEventIDs(room.state, &staged),
	}
	return proto, string(room.Version), nil
}

func (f *Federation) SendJoin(ctx context.Context, server, roomID string, event *types.Event) (*fedapi.RoomSeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.roomOn(server, roomID)
	if err != nil {
		return nil, err
	}

	stateEvents := room.state.Events()
	seed := &fedapi.RoomSeed{
		RoomVersion: string(room.Version),
		JoinEvent:   event.JSON,
	}
	chain := map[string]struct{}{}
	for _, stored := range stateEvents {
		seed.StateEvents = append(seed.StateEvents, stored.Event.JSON)
		f.collectAuthChain(room, stored.Event, chain)
	}
	for eventID := range chain {
		if ev := room.Event(eventID); ev != nil {
			seed.AuthChain = append(seed.AuthChain, ev.JSON)
		}
	}

	// The resident admits the join and moves its own head.
	room.depth = event.Depth
	room.prevs = []string{event.EventID}
	room.state = room.state.Apply(AcceptedStoredEvent(event))
	room.events = append(room.events, event)
	room.byID[event.EventID] = event
	return seed, nil
}

func (f *Federation) GetAuthChain(ctx context.Context, server, roomID, eventID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.roomOn(server, roomID)
	if err != nil {
		return nil, err
	}
	ev := room.Event(eventID)
	if ev == nil {
		return nil, &types.ForbiddenError{Server: server, Reason: "unknown event"}
	}
	chain := map[string]struct{}{}
	f.collectAuthChain(room, ev, chain)
	var bodies []json.RawMessage
	for id := range chain {
		if id == f.WithholdEventID {
			continue
		}
		if member := room.Event(id); member != nil {
			bodies = append(bodies, member.JSON)
		}
	}
	return bodies, nil
}

func (f *Federation) collectAuthChain(room *Room, ev *types.Event, chain map[string]struct{}) {
	for _, authID := range ev.AuthEvents {
		if _, done := chain[authID]; done {
			continue
		}
		chain[authID] = struct{}{}
		if parent := room.Event(authID); parent != nil {
			f.collectAuthChain(room, parent, chain)
		}
	}
}

func (f *Federation) GetMissingEvents(ctx context.Context, server, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.roomOn(server, roomID)
	if err != nil {
		return nil, err
	}

	stop := map[string]struct{}{}
	for _, id := range earliest {
		stop[id] = struct{}{}
	}
	visited := map[string]struct{}{}
	frontier := append([]string{}, latest...)
	var bodies []json.RawMessage
	for len(frontier) > 0 && len(bodies) < limit {
		id := frontier[0]
		frontier = frontier[1:]
		if _, done := visited[id]; done {
			continue
		}
		visited[id] = struct{}{}
		if _, boundary := stop[id]; boundary {
			continue
		}
		ev := room.Event(id)
		if ev == nil {
			continue
		}
		bodies = append(bodies, ev.JSON)
		frontier = append(frontier, ev.PrevEvents...)
	}
	return bodies, nil
}

func (f *Federation) SendInvite(ctx context.Context, server string, event *types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable[server] {
		return &types.UnavailableError{Server: server, Err: errors.New("server marked unreachable")}
	}
	f.Invites = append(f.Invites, event)
	return nil
}

func (f *Federation) SendTransaction(ctx context.Context, server string, events []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable[server] {
		return &types.UnavailableError{Server: server, Err: errors.New("server marked unreachable")}
	}
	f.Transactions[server] = append(f.Transactions[server], events)
	return nil
}

var _ fedapi.FederationClient = (*Federation)(nil)
