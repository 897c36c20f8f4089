// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/arbormsg/arbor/roomserver/version"
)

// Default thresholds applied when the room has no power-levels event, or
// when its content omits a field.
const (
	DefaultEventsLevel int64 = 0
	DefaultStateLevel  int64 = 50
	DefaultUsersLevel  int64 = 0
	DefaultBanLevel    int64 = 50
	DefaultKickLevel   int64 = 50
	// The invite threshold defaults to the users default.
	DefaultInviteLevel = DefaultUsersLevel
	// CreatorLevel is the power the room creator holds before any
	// power-levels event exists. Without it the creator could not author
	// the bootstrap power-levels event.
	CreatorLevel int64 = 100
)

// PowerLevelContent is the parsed form of a power-levels event, with
// defaults filled in for any missing field.
type PowerLevelContent struct {
	Ban           int64
	Kick          int64
	Invite        int64
	EventsDefault int64
	StateDefault  int64
	UsersDefault  int64
	Events        map[string]int64
	Users         map[string]int64
}

// DefaultPowerLevels returns the levels in force when no power-levels
// event exists in state. creator may be empty if the room has no create
// event either.
func DefaultPowerLevels(creator string) *PowerLevelContent {
	p := &PowerLevelContent{
		Ban:           DefaultBanLevel,
		Kick:          DefaultKickLevel,
		Invite:        DefaultInviteLevel,
		EventsDefault: DefaultEventsLevel,
		StateDefault:  DefaultStateLevel,
		UsersDefault:  DefaultUsersLevel,
		Events:        map[string]int64{},
		Users:         map[string]int64{},
	}
	if creator != "" {
		p.Users[creator] = CreatorLevel
	}
	return p
}

// ParsePowerLevels reads power-levels content in the wire format of the
// given room version. Missing fields take the default table above.
func ParsePowerLevels(content []byte, format version.PowerLevelFormat) (*PowerLevelContent, error) {
	parsed := gjson.ParseBytes(content)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("power-levels content is not an object")
	}
	p := DefaultPowerLevels("")

	thresholds := parsed
	switch format {
	case version.PowerLevelFormatFlat:
		assignLevel(&p.EventsDefault, thresholds.Get("events_default"))
		assignLevel(&p.StateDefault, thresholds.Get("state_default"))
		assignLevel(&p.UsersDefault, thresholds.Get("users_default"))
	case version.PowerLevelFormatGrouped:
		thresholds = parsed.Get("defaults")
		assignLevel(&p.EventsDefault, thresholds.Get("events"))
		assignLevel(&p.StateDefault, thresholds.Get("state"))
		assignLevel(&p.UsersDefault, thresholds.Get("users"))
	default:
		return nil, fmt.Errorf("unknown power level format %d", format)
	}
	assignLevel(&p.Ban, thresholds.Get("ban"))
	assignLevel(&p.Kick, thresholds.Get("kick"))
	assignLevel(&p.Invite, thresholds.Get("invite"))

	// The invite threshold tracks users_default unless set explicitly.
	if !thresholds.Get("invite").Exists() {
		p.Invite = p.UsersDefault
	}

	parsed.Get("events").ForEach(func(key, value gjson.Result) bool {
		p.Events[key.Str] = value.Int()
		return true
	})
	parsed.Get("users").ForEach(func(key, value gjson.Result) bool {
		p.Users[key.Str] = value.Int()
		return true
	})
	return p, nil
}

func assignLevel(dst *int64, v gjson.Result) {
	if v.Exists() {
		*dst = v.Int()
	}
}

// UserLevel returns the effective power of a user.
func (p *PowerLevelContent) UserLevel(userID string) int64 {
	if level, ok := p.Users[userID]; ok {
		return level
	}
	return p.UsersDefault
}

// EventLevel returns the power required to send an event of the given
// type. State events fall back to the state default, timeline events to
// the events default.
func (p *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if level, ok := p.Events[eventType]; ok {
		return level
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// MarshalContent serialises the levels into the wire format of the given
// room version, for building power-levels events.
func (p *PowerLevelContent) MarshalContent(format version.PowerLevelFormat) (json.RawMessage, error) {
	var doc any
	switch format {
	case version.PowerLevelFormatFlat:
		doc = map[string]any{
			"ban":            p.Ban,
			"kick":           p.Kick,
			"invite":         p.Invite,
			"events_default": p.EventsDefault,
			"state_default":  p.StateDefault,
			"users_default":  p.UsersDefault,
			"events":         p.Events,
			"users":          p.Users,
		}
	case version.PowerLevelFormatGrouped:
		doc = map[string]any{
			"defaults": map[string]any{
				"ban":    p.Ban,
				"kick":   p.Kick,
				"invite": p.Invite,
				"events": p.EventsDefault,
				"state":  p.StateDefault,
				"users":  p.UsersDefault,
			},
			"events": p.Events,
			"users":  p.Users,
		}
	default:
		return nil, fmt.Errorf("unknown power level format %d", format)
	}
	return json.Marshal(doc)
}

// CanReplace checks the no-privilege-escalation rule for replacing the
// current power levels with a proposed set. The actor must already hold
// every power they are changing, may not set any value above their own
// power, and may never raise another user to or above their own level.
// The returned reason is empty when the replacement is permitted.
func (p *PowerLevelContent) CanReplace(actor string, proposed *PowerLevelContent) string {
	actorLevel := p.UserLevel(actor)

	check := func(name string, oldLevel, newLevel int64) string {
		if oldLevel == newLevel {
			return ""
		}
		if oldLevel > actorLevel {
			return fmt.Sprintf("cannot change %s: current value %d exceeds own power %d", name, oldLevel, actorLevel)
		}
		if newLevel > actorLevel {
			return fmt.Sprintf("cannot change %s: new value %d exceeds own power %d", name, newLevel, actorLevel)
		}
		return ""
	}

	for _, c := range []struct {
		name     string
		old, new int64
	}{
		{"ban", p.Ban, proposed.Ban},
		{"kick", p.Kick, proposed.Kick},
		{"invite", p.Invite, proposed.Invite},
		{"events_default", p.EventsDefault, proposed.EventsDefault},
		{"state_default", p.StateDefault, proposed.StateDefault},
		{"users_default", p.UsersDefault, proposed.UsersDefault},
	} {
		if reason := check(c.name, c.old, c.new); reason != "" {
			return reason
		}
	}

	for eventType, newLevel := range proposed.Events {
		if reason := check("events."+eventType, p.EventLevel(eventType, false), newLevel); reason != "" {
			return reason
		}
	}
	for eventType, oldLevel := range p.Events {
		if _, ok := proposed.Events[eventType]; !ok {
			if reason := check("events."+eventType, oldLevel, proposed.EventsDefault); reason != "" {
				return reason
			}
		}
	}

	for userID, newLevel := range proposed.Users {
		oldLevel := p.UserLevel(userID)
		if userID == actor {
			// Users may always lower their own level.
			if newLevel > actorLevel {
				return fmt.Sprintf("cannot raise own power above %d", actorLevel)
			}
			continue
		}
		if oldLevel != newLevel {
			if oldLevel >= actorLevel {
				return fmt.Sprintf("cannot change power of %s: their level %d is not below own power %d", userID, oldLevel, actorLevel)
			}
			if newLevel >= actorLevel {
				return fmt.Sprintf("cannot raise %s to level %d, own power is %d", userID, newLevel, actorLevel)
			}
		}
	}
	for userID, oldLevel := range p.Users {
		if _, ok := proposed.Users[userID]; ok || userID == actor {
			continue
		}
		if oldLevel != proposed.UsersDefault && oldLevel >= actorLevel {
			return fmt.Sprintf("cannot change power of %s: their level %d is not below own power %d", userID, oldLevel, actorLevel)
		}
	}
	return ""
}
