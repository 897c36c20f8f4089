// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arbormsg/arbor/roomserver/version"
)

// CreationOptions configures the canonical room bootstrap sequence.
type CreationOptions struct {
	RoomID      string
	Creator     string
	RoomVersion version.RoomVersion
	// JoinRule, Name and Topic add optional events after the mandatory
	// three. An empty JoinRule emits no join-rules event, leaving the
	// room private by default.
	JoinRule string
	Name     string
	Topic    string
}

// GenerateRoomID mints a fresh room ID on the given domain.
func GenerateRoomID(domain string) string {
	localpart := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("!%s:%s", localpart, domain)
}

// CreationEvents builds the bootstrap sequence for a new room: create,
// creator join and power levels, then any optional extras. The protos
// carry type, sender, state key and content only; depth, prev_events and
// auth_events are assigned when each one is populated against the room's
// extremities in turn.
func CreationEvents(opts CreationOptions) ([]EventTemplate, error) {
	if opts.RoomID == "" || opts.Creator == "" {
		return nil, fmt.Errorf("room ID and creator are required")
	}
	roomVer, err := version.GetRoomVersion(opts.RoomVersion)
	if err != nil {
		return nil, err
	}

	createContent, err := json.Marshal(map[string]any{
		"creator":      opts.Creator,
		"room_version": string(opts.RoomVersion),
	})
	if err != nil {
		return nil, err
	}
	joinContent, err := json.Marshal(map[string]string{
		"membership": MembershipJoin,
	})
	if err != nil {
		return nil, err
	}
	powerLevels := DefaultPowerLevels(opts.Creator)
	powerContent, err := powerLevels.MarshalContent(roomVer.PowerLevelFormat())
	if err != nil {
		return nil, err
	}

	emptyKey := ""
	templates := []EventTemplate{
		{Type: MRoomCreate, Sender: opts.Creator, StateKey: &emptyKey, Content: createContent},
		{Type: MRoomMember, Sender: opts.Creator, StateKey: &opts.Creator, Content: joinContent},
		{Type: MRoomPowerLevels, Sender: opts.Creator, StateKey: &emptyKey, Content: powerContent},
	}

	if opts.JoinRule != "" {
		content, err := json.Marshal(map[string]string{"join_rule": opts.JoinRule})
		if err != nil {
			return nil, err
		}
		templates = append(templates, EventTemplate{
			Type: MRoomJoinRules, Sender: opts.Creator, StateKey: &emptyKey, Content: content,
		})
	}
	if opts.Name != "" {
		content, err := json.Marshal(map[string]string{"name": opts.Name})
		if err != nil {
			return nil, err
		}
		templates = append(templates, EventTemplate{
			Type: MRoomName, Sender: opts.Creator, StateKey: &emptyKey, Content: content,
		})
	}
	if opts.Topic != "" {
		content, err := json.Marshal(map[string]string{"topic": opts.Topic})
		if err != nil {
			return nil, err
		}
		templates = append(templates, EventTemplate{
			Type: MRoomTopic, Sender: opts.Creator, StateKey: &emptyKey, Content: content,
		})
	}
	return templates, nil
}

// EventTemplate is the caller-supplied part of a new event, before the
// engine populates DAG fields and signs it.
type EventTemplate struct {
	Type     string
	Sender   string
	StateKey *string
	Content  json.RawMessage
	// RoomVersion only matters for the create event, when the room does
	// not exist yet and has no pinned version to read.
	RoomVersion string
}

// MembershipTemplate builds a membership change template.
func MembershipTemplate(sender, target, membership string) (EventTemplate, error) {
	content, err := json.Marshal(map[string]string{"membership": membership})
	if err != nil {
		return EventTemplate{}, err
	}
	return EventTemplate{
		Type:     MRoomMember,
		Sender:   sender,
		StateKey: &target,
		Content:  content,
	}, nil
}
