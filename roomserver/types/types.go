// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
)

// RoomNID is the numeric ID for a room row.
type RoomNID int64

// EventNID is the numeric ID for an event row. Events referenced by a
// prev_events or auth_events link but not yet fetched still get a row (a
// placeholder, Present=false) so that DAG edges can be followed without
// string-keyed lookups.
type EventNID int64

// StateSnapshotNID is the numeric ID for a materialised state snapshot.
// Many events may share a snapshot when no state event lands between them.
type StateSnapshotNID int64

// EventStateKeyTuple identifies a single slot in room state.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// Event is the parsed, immutable form of a room event. The JSON field holds
// the exact signed bytes as stored and transmitted; the struct fields are a
// parse of those bytes and must never be mutated after construction, because
// the event ID is a function of the (redacted) JSON.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Origin         string          `json:"origin"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Depth          int64           `json:"depth"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	OriginServerTS int64           `json:"origin_server_ts"`

	JSON []byte `json:"-"`
}

// IsState reports whether the event claims a slot in room state.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyValue returns the state key or the empty string for timeline
// events. Use IsState to distinguish an absent state key from an empty one.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// StateKeyTuple returns the state slot the event occupies.
func (e *Event) StateKeyTuple() StateKeyTuple {
	return StateKeyTuple{EventType: e.Type, StateKey: e.StateKeyValue()}
}

// EventMetadata is the server-local record kept alongside each event. It is
// never transmitted to peers.
type EventMetadata struct {
	// Present is true once we hold the event body, false for placeholder
	// rows created from a prev_events/auth_events reference.
	Present bool
	// Processed is true once an authorization decision has been computed.
	// It transitions false to true exactly once; reprocessing a processed
	// event short-circuits to the cached verdict.
	Processed bool
	// Valid is true if the event passed structural validation.
	Valid bool
	// Allowed is the cached authorization verdict, meaningful only once
	// Processed is true.
	Allowed bool
	// Seed is true for events ingested through a trusted join handshake,
	// which bypass ordinary ancestor authorization.
	Seed bool
	// Reason is the denial or invalidation reason recorded at first
	// judgement, empty for allowed events. Re-offers return it verbatim.
	Reason string

	ReceivedFrom string
	ReceivedAt   int64
	FetchedFrom  string
	FetchedAt    int64
}

// StoredEvent pairs an event body with its local metadata and storage IDs.
// For placeholder rows Event is nil.
type StoredEvent struct {
	EventNID EventNID
	RoomNID  RoomNID
	EventID  string
	Event    *Event
	Metadata EventMetadata
	// StateSnapshotNID is the snapshot of room state after this event was
	// applied, or 0 if the event has not been accepted.
	StateSnapshotNID StateSnapshotNID
}

// RoomInfo is the cheap per-room header loaded on every admission.
type RoomInfo struct {
	RoomNID     RoomNID
	RoomID      string
	RoomVersion string
	// Pending is true until the room's full creation sequence (or seed
	// install) has been admitted. Pending rooms are invisible to lookup
	// and join.
	Pending bool
	// HeadEventID and StateSnapshotNID are the room's cached view: the
	// best-effort single head and the state it unlocked. True DAG heads
	// are the forward extremities.
	HeadEventID      string
	StateSnapshotNID StateSnapshotNID
}

// StreamEntry is one row of the global output stream.
type StreamEntry struct {
	Position int64
	RoomID   string
	EventID  string
	Decision Decision
}

// ProtoEvent is an event under construction: everything except the fields
// that are derived at finalization time (event ID, hashes, signatures).
type ProtoEvent struct {
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Origin         string          `json:"origin"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Depth          int64           `json:"depth"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	OriginServerTS int64           `json:"origin_server_ts"`
}
