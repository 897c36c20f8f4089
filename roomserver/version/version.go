// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package version holds the registry of room algorithm versions. The set is
// closed and known at compile time: a room pins one version at creation and
// keeps it for life, and every server must run the exact same rules for
// that version or replicas diverge.
package version

import (
	"crypto/ed25519"
	"fmt"

	"github.com/arbormsg/arbor/internal/eventcrypto"
)

// RoomVersion identifies one algorithm version.
type RoomVersion string

const (
	// RoomVersionV6 reads power-level thresholds from flat keys in the
	// power-levels event content.
	RoomVersionV6 RoomVersion = "6"
	// RoomVersionV7 is identical except the thresholds are grouped under
	// a "defaults" object in the power-levels content.
	RoomVersionV7 RoomVersion = "7"
)

// PowerLevelFormat selects how a version lays out power-level content.
type PowerLevelFormat int

const (
	PowerLevelFormatFlat PowerLevelFormat = iota
	PowerLevelFormatGrouped
)

// RoomVersionImpl bundles the per-version behaviour: redaction allow-lists,
// event ID derivation and power-level wire format.
type RoomVersionImpl struct {
	version          RoomVersion
	powerLevelFormat PowerLevelFormat
	redactionRules   eventcrypto.RedactionRules
}

// essentialKeys are the top-level fields redaction keeps in every version
// currently defined.
var essentialKeys = []string{
	"auth_events", "content", "depth", "hashes", "origin",
	"origin_server_ts", "prev_events", "room_id", "sender",
	"signatures", "state_key", "type",
}

var registry = map[RoomVersion]*RoomVersionImpl{
	RoomVersionV6: {
		version:          RoomVersionV6,
		powerLevelFormat: PowerLevelFormatFlat,
		redactionRules: eventcrypto.RedactionRules{
			EssentialKeys: essentialKeys,
			ContentKeys: map[string][]string{
				"m.room.create":     {"creator"},
				"m.room.member":     {"membership"},
				"m.room.join_rules": {"join_rule"},
				"m.room.power_levels": {
					"ban", "events", "events_default", "kick", "invite",
					"state_default", "users", "users_default",
				},
				"m.room.aliases":            {"aliases"},
				"m.room.history_visibility": {"history_visibility"},
			},
		},
	},
	RoomVersionV7: {
		version:          RoomVersionV7,
		powerLevelFormat: PowerLevelFormatGrouped,
		redactionRules: eventcrypto.RedactionRules{
			EssentialKeys: essentialKeys,
			ContentKeys: map[string][]string{
				"m.room.create":     {"creator"},
				"m.room.member":     {"membership"},
				"m.room.join_rules": {"join_rule"},
				"m.room.power_levels": {
					"defaults", "events", "users",
				},
				"m.room.aliases":            {"aliases"},
				"m.room.history_visibility": {"history_visibility"},
			},
		},
	},
}

// DefaultRoomVersion is used when neither the caller nor the server config
// picks one.
func DefaultRoomVersion() RoomVersion {
	return RoomVersionV7
}

// SupportedRoomVersions lists the versions this server can participate in.
func SupportedRoomVersions() []RoomVersion {
	return []RoomVersion{RoomVersionV6, RoomVersionV7}
}

// GetRoomVersion returns the implementation of the given version.
func GetRoomVersion(version RoomVersion) (*RoomVersionImpl, error) {
	impl, ok := registry[version]
	if !ok {
		return nil, fmt.Errorf("unsupported room version %q", version)
	}
	return impl, nil
}

// MustGetRoomVersion is GetRoomVersion for versions known to be registered.
func MustGetRoomVersion(version RoomVersion) *RoomVersionImpl {
	impl, err := GetRoomVersion(version)
	if err != nil {
		panic(err)
	}
	return impl
}

func (v *RoomVersionImpl) Version() RoomVersion { return v.version }

func (v *RoomVersionImpl) PowerLevelFormat() PowerLevelFormat { return v.powerLevelFormat }

func (v *RoomVersionImpl) RedactionRules() eventcrypto.RedactionRules { return v.redactionRules }

// EventID derives the content-addressed ID for the given event JSON.
func (v *RoomVersionImpl) EventID(eventJSON []byte) (string, error) {
	return eventcrypto.EventID(eventJSON, v.redactionRules)
}

// Redact strips the event to its authorization-essential form.
func (v *RoomVersionImpl) Redact(eventJSON []byte) ([]byte, error) {
	return eventcrypto.Redact(eventJSON, v.redactionRules)
}

// SignEvent hashes and signs the event, returning the final transmissible
// form.
func (v *RoomVersionImpl) SignEvent(
	eventJSON []byte, serverName, keyID string, privateKey ed25519.PrivateKey,
) ([]byte, error) {
	return eventcrypto.SignEvent(eventJSON, serverName, keyID, privateKey, v.redactionRules)
}

// VerifyEventSignature checks an event signature made by SignEvent.
func (v *RoomVersionImpl) VerifyEventSignature(
	eventJSON []byte, serverName, keyID string, publicKey ed25519.PublicKey,
) error {
	return eventcrypto.VerifySignature(eventJSON, serverName, keyID, publicKey, v.redactionRules)
}
