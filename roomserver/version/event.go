// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package version

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/arbormsg/arbor/roomserver/types"
)

// NewEventFromUntrustedJSON parses an event received from a peer. The
// event ID is always derived from the bytes, never read from them, so a
// peer cannot claim an ID its content does not hash to.
func (v *RoomVersionImpl) NewEventFromUntrustedJSON(eventJSON []byte) (*types.Event, error) {
	if !gjson.ValidBytes(eventJSON) {
		return nil, fmt.Errorf("event is not valid JSON")
	}
	var event types.Event
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	eventID, err := v.EventID(eventJSON)
	if err != nil {
		return nil, fmt.Errorf("v.EventID: %w", err)
	}
	event.EventID = eventID
	event.JSON = eventJSON
	return &event, nil
}

// NewEventFromTrustedJSON parses an event this server stored earlier, with
// the ID it was stored under. The hash derivation is skipped.
func (v *RoomVersionImpl) NewEventFromTrustedJSON(eventID string, eventJSON []byte) (*types.Event, error) {
	var event types.Event
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	event.EventID = eventID
	event.JSON = eventJSON
	return &event, nil
}
