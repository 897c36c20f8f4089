// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"testing"

	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/state"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// Room builds a valid event DAG the way a well-behaved server would:
// each event is signed, its auth events selected from the room state at
// build time, and its prev_events pointing at the current head.
type Room struct {
	ID      string
	Version version.RoomVersion
	Creator *User

	depth  int64
	ts     int64
	prevs  []string
	state  *state.RoomState
	events []*types.Event
	byID   map[string]*types.Event
}

type roomOpt func(*roomOpts)

type roomOpts struct {
	version  version.RoomVersion
	joinRule string
}

func RoomVersion(v version.RoomVersion) roomOpt {
	return func(o *roomOpts) { o.version = v }
}

func RoomPublic() roomOpt {
	return func(o *roomOpts) { o.joinRule = auth.JoinRulePublic }
}

// NewRoom creates a room with its full bootstrap sequence applied: create,
// creator join and power levels, plus a join-rules event when RoomPublic
// is given.
func NewRoom(t *testing.T, creator *User, opts ...roomOpt) *Room {
	t.Helper()
	o := roomOpts{version: version.DefaultRoomVersion()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Room{
		ID:      auth.GenerateRoomID(creator.Srv.Name),
		Version: o.version,
		Creator: creator,
		ts:      1700000000000,
		state:   state.Empty(),
		byID:    map[string]*types.Event{},
	}

	templates, err := auth.CreationEvents(auth.CreationOptions{
		RoomID:      r.ID,
		Creator:     creator.ID,
		RoomVersion: o.version,
		JoinRule:    o.joinRule,
	})
	if err != nil {
		t.Fatalf("CreationEvents: %v", err)
	}
	for i := range templates {
		tpl := templates[i]
		mods := []eventModifier{withSender(creator)}
		if tpl.StateKey != nil {
			mods = append(mods, WithStateKey(*tpl.StateKey))
		}
		r.CreateEvent(t, tpl.Type, tpl.Content, mods...)
	}
	return r
}

type eventModifier func(*eventMods)

type eventMods struct {
	sender    *User
	stateKey  *string
	prevIDs   []string
	authIDs   []string
	depth    int64
	ts       int64
	detached bool
}

// WithSender signs the event as another user's server.
func WithSender(sender *User) eventModifier {
	return withSender(sender)
}

func withSender(sender *User) eventModifier {
	return func(m *eventMods) { m.sender = sender }
}

func WithStateKey(stateKey string) eventModifier {
	return func(m *eventMods) { m.stateKey = &stateKey }
}

// WithPrevIDs overrides the prev_events instead of pointing at the head.
func WithPrevIDs(ids ...string) eventModifier {
	return func(m *eventMods) { m.prevIDs = ids }
}

// WithAuthIDs overrides the automatic auth event selection.
func WithAuthIDs(ids ...string) eventModifier {
	return func(m *eventMods) { m.authIDs = ids }
}

func WithDepth(depth int64) eventModifier {
	return func(m *eventMods) { m.depth = depth }
}

func WithTimestamp(ts int64) eventModifier {
	return func(m *eventMods) { m.ts = ts }
}

// Detached builds the event without advancing the room head or state,
// for constructing siblings and events the room should reject.
func Detached() eventModifier {
	return func(m *eventMods) { m.detached = true }
}

// CreateEvent builds, signs and applies the next event in the room. The
// content may be a json.RawMessage or anything json.Marshal accepts.
func (r *Room) CreateEvent(t *testing.T, evType string, content any, mods ...eventModifier) *types.Event {
	t.Helper()
	m := eventMods{sender: r.Creator}
	for _, mod := range mods {
		mod(&m)
	}

	var contentJSON json.RawMessage
	switch c := content.(type) {
	case json.RawMessage:
		contentJSON = c
	case []byte:
		contentJSON = c
	default:
		encoded, err := json.Marshal(content)
		if err != nil {
			t.Fatalf("json.Marshal content: %v", err)
		}
		contentJSON = encoded
	}

	r.ts++
	proto := types.ProtoEvent{
		RoomID:         r.ID,
		Sender:         m.sender.ID,
		Origin:         m.sender.Srv.Name,
		Type:           evType,
		StateKey:       m.stateKey,
		Content:        contentJSON,
		Depth:          r.depth + 1,
		PrevEvents:     r.prevs,
		OriginServerTS: r.ts,
	}
	if m.depth != 0 {
		proto.Depth = m.depth
	}
	if m.prevIDs != nil {
		proto.PrevEvents = m.prevIDs
	}
	if m.ts != 0 {
		proto.OriginServerTS = m.ts
	}

	staged := types.Event{
		Type:     evType,
		Sender:   m.sender.ID,
		StateKey: m.stateKey,
		Content:  contentJSON,
	}
	proto.AuthEvents = auth.AuthEventIDs(r.state, &staged)
	if m.authIDs != nil {
		proto.AuthEvents = m.authIDs
	}

	protoJSON, err := json.Marshal(&proto)
	if err != nil {
		t.Fatalf("json.Marshal proto: %v", err)
	}
	impl := version.MustGetRoomVersion(r.Version)
	signed, err := impl.SignEvent(protoJSON, m.sender.Srv.Name, m.sender.Srv.KeyID, m.sender.Srv.PrivateKey)
	if err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	event, err := impl.NewEventFromUntrustedJSON(signed)
	if err != nil {
		t.Fatalf("NewEventFromUntrustedJSON: %v", err)
	}

	if !m.detached {
		r.depth = event.Depth
		r.prevs = []string{event.EventID}
		r.state = r.state.Apply(AcceptedStoredEvent(event))
	}
	r.events = append(r.events, event)
	r.byID[event.EventID] = event
	return event
}

// Events returns every event built in the room, in build order.
func (r *Room) Events() []*types.Event {
	return append([]*types.Event{}, r.events...)
}

// Event returns a built event by ID, or nil.
func (r *Room) Event(eventID string) *types.Event {
	return r.byID[eventID]
}

// ForwardExtremities returns the current head set of the fixture DAG.
func (r *Room) ForwardExtremities() []string {
	return append([]string{}, r.prevs...)
}

// State returns the fixture's view of the room state.
func (r *Room) State() *state.RoomState {
	return r.state
}

// AcceptedStoredEvent wraps an event as storage would after it was
// admitted and allowed.
func AcceptedStoredEvent(ev *types.Event) *types.StoredEvent {
	return &types.StoredEvent{
		EventID: ev.EventID,
		Event:   ev,
		Metadata: types.EventMetadata{
			Present:   true,
			Processed: true,
			Valid:     true,
			Allowed:   true,
		},
	}
}
