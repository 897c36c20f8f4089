// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the room state snapshot: a mapping from
// (event type, state key) to the latest accepted event for that slot.
package state

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arbormsg/arbor/roomserver/types"
)

// RoomState is immutable by convention: Apply returns a new snapshot and
// never mutates the receiver, so older snapshots stay valid while a newer
// one is being built.
type RoomState struct {
	events map[types.StateKeyTuple]*types.StoredEvent

	// Trusted is false for provisional state received during a join
	// handshake, until it has been independently re-derived from traffic.
	Trusted bool
	// Complete is true when the snapshot was derived from a full chain
	// rather than a partial auth subset.
	Complete bool
	// Final marks a snapshot that has been persisted and assigned an ID.
	Final bool
}

// Empty returns a state with no slots filled.
func Empty() *RoomState {
	return &RoomState{events: map[types.StateKeyTuple]*types.StoredEvent{}}
}

// FromEvents folds the given events, in order, into a fresh state.
// Events that are not applicable (no state key, absent body, not allowed)
// are skipped, same as Apply.
func FromEvents(events []*types.StoredEvent) *RoomState {
	s := Empty()
	for _, ev := range events {
		s = s.Apply(ev)
	}
	return s
}

// Apply returns a new snapshot with the event's slot overwritten. It is a
// no-op (returning the receiver) when the event lacks a state key, the
// body is not held locally, or the event was not allowed.
func (s *RoomState) Apply(ev *types.StoredEvent) *RoomState {
	if ev == nil || ev.Event == nil || !ev.Event.IsState() {
		return s
	}
	if !ev.Metadata.Present || !ev.Metadata.Allowed {
		return s
	}
	next := &RoomState{
		events:   make(map[types.StateKeyTuple]*types.StoredEvent, len(s.events)+1),
		Trusted:  s.Trusted,
		Complete: s.Complete,
	}
	for k, v := range s.events {
		next.events[k] = v
	}
	next.events[ev.Event.StateKeyTuple()] = ev
	return next
}

// Find returns the event occupying the given slot, or nil.
func (s *RoomState) Find(eventType, stateKey string) *types.Event {
	ev, ok := s.events[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
	if !ok {
		return nil
	}
	return ev.Event
}

func (s *RoomState) CreateEvent() *types.Event      { return s.Find("m.room.create", "") }
func (s *RoomState) PowerLevelsEvent() *types.Event { return s.Find("m.room.power_levels", "") }
func (s *RoomState) JoinRulesEvent() *types.Event   { return s.Find("m.room.join_rules", "") }

func (s *RoomState) MemberEvent(userID string) *types.Event {
	return s.Find("m.room.member", userID)
}

// Membership returns the current membership value for a user, defaulting
// to "leave" when no membership event is in state.
func (s *RoomState) Membership(userID string) string {
	member := s.MemberEvent(userID)
	if member == nil {
		return "leave"
	}
	return gjson.GetBytes(member.Content, "membership").Str
}

// JoinedServers lists the distinct domains with at least one joined user,
// in sorted order. Used as the candidate set for backfill and fan-out.
func (s *RoomState) JoinedServers() []string {
	seen := make(map[string]struct{})
	for tuple, ev := range s.events {
		if tuple.EventType != "m.room.member" || ev.Event == nil {
			continue
		}
		if gjson.GetBytes(ev.Event.Content, "membership").Str != "join" {
			continue
		}
		if i := strings.IndexByte(tuple.StateKey, ':'); i >= 0 {
			seen[tuple.StateKey[i+1:]] = struct{}{}
		}
	}
	servers := make([]string, 0, len(seen))
	for server := range seen {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers
}

// Events returns all state events in a deterministic slot order.
func (s *RoomState) Events() []*types.StoredEvent {
	tuples := make([]types.StateKeyTuple, 0, len(s.events))
	for tuple := range s.events {
		tuples = append(tuples, tuple)
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].EventType != tuples[j].EventType {
			return tuples[i].EventType < tuples[j].EventType
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	events := make([]*types.StoredEvent, len(tuples))
	for i, tuple := range tuples {
		events[i] = s.events[tuple]
	}
	return events
}

// Size returns the number of occupied slots.
func (s *RoomState) Size() int { return len(s.events) }
