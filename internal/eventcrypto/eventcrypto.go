// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventcrypto computes content hashes, reference hashes (event IDs)
// and ed25519 signatures over the canonical encoding of room events.
package eventcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/arbormsg/arbor/internal/canonicaljson"
)

// RedactionRules is the per-room-version allow-list applied by Redact.
// Redaction strips an event down to the fields needed to authorize it, so
// that the event ID survives takedown of the visible content.
type RedactionRules struct {
	// EssentialKeys are the top-level keys kept by redaction.
	EssentialKeys []string
	// ContentKeys maps an event type to the content keys kept for it.
	// Types with no entry keep nothing: redacted content is {}.
	ContentKeys map[string][]string
}

// Redact strips the event to its authorization-essential fields. It is
// pure, total (defined for every event type) and idempotent.
func Redact(eventJSON []byte, rules RedactionRules) ([]byte, error) {
	parsed := gjson.ParseBytes(eventJSON)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("eventcrypto: cannot redact non-object event")
	}
	out := []byte("{}")
	var err error
	for _, key := range rules.EssentialKeys {
		if key == "content" {
			continue
		}
		if v := parsed.Get(key); v.Exists() {
			if out, err = sjson.SetRawBytes(out, key, []byte(v.Raw)); err != nil {
				return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
			}
		}
	}

	newContent := []byte("{}")
	eventType := parsed.Get("type").Str
	content := parsed.Get("content")
	if content.IsObject() {
		for _, key := range rules.ContentKeys[eventType] {
			if v := content.Get(key); v.Exists() {
				if newContent, err = sjson.SetRawBytes(newContent, key, []byte(v.Raw)); err != nil {
					return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
				}
			}
		}
	}
	if out, err = sjson.SetRawBytes(out, "content", newContent); err != nil {
		return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
	}
	return out, nil
}

// ContentHash hashes the event with its signatures, unsigned data and any
// previous hash removed. The result is carried in the event under
// hashes.sha256 and protects the full (unredacted) content.
func ContentHash(eventJSON []byte) ([]byte, error) {
	unhashed := eventJSON
	var err error
	for _, key := range []string{"signatures", "unsigned", "hashes"} {
		if unhashed, err = sjson.DeleteBytes(unhashed, key); err != nil {
			return nil, fmt.Errorf("sjson.DeleteBytes: %w", err)
		}
	}
	canonical, err := canonicaljson.Canonical(unhashed)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

// ReferenceHash hashes the redacted form of the event, minus signatures and
// unsigned data. The event ID is derived from it, which is why mutating
// non-essential fields never changes the ID.
func ReferenceHash(eventJSON []byte, rules RedactionRules) ([]byte, error) {
	redacted, err := Redact(eventJSON, rules)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"signatures", "unsigned"} {
		if redacted, err = sjson.DeleteBytes(redacted, key); err != nil {
			return nil, fmt.Errorf("sjson.DeleteBytes: %w", err)
		}
	}
	canonical, err := canonicaljson.Canonical(redacted)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

// EventID derives the content-addressed event ID.
func EventID(eventJSON []byte, rules RedactionRules) (string, error) {
	hash, err := ReferenceHash(eventJSON, rules)
	if err != nil {
		return "", err
	}
	return "$" + base64.RawURLEncoding.EncodeToString(hash), nil
}

// SignEvent computes the content hash, signs the redacted canonical bytes
// and merges both into the original event, which is the form persisted and
// transmitted. The returned JSON is final: its event ID must not change
// afterwards.
func SignEvent(
	eventJSON []byte, serverName, keyID string, privateKey ed25519.PrivateKey,
	rules RedactionRules,
) ([]byte, error) {
	contentHash, err := ContentHash(eventJSON)
	if err != nil {
		return nil, err
	}
	hashed, err := sjson.SetBytes(
		eventJSON, "hashes.sha256",
		base64.RawStdEncoding.EncodeToString(contentHash),
	)
	if err != nil {
		return nil, fmt.Errorf("sjson.SetBytes: %w", err)
	}

	redacted, err := Redact(hashed, rules)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"signatures", "unsigned"} {
		if redacted, err = sjson.DeleteBytes(redacted, key); err != nil {
			return nil, fmt.Errorf("sjson.DeleteBytes: %w", err)
		}
	}
	canonical, err := canonicaljson.Canonical(redacted)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(privateKey, canonical)

	signed, err := sjson.SetBytes(
		hashed, fmt.Sprintf("signatures.%s.%s", escapePathKey(serverName), escapePathKey(keyID)),
		base64.RawStdEncoding.EncodeToString(signature),
	)
	if err != nil {
		return nil, fmt.Errorf("sjson.SetBytes: %w", err)
	}
	return signed, nil
}

// VerifySignature checks the signature placed by SignEvent.
func VerifySignature(
	eventJSON []byte, serverName, keyID string, publicKey ed25519.PublicKey,
	rules RedactionRules,
) error {
	sig := gjson.GetBytes(eventJSON, fmt.Sprintf(
		"signatures.%s.%s", escapePathKey(serverName), escapePathKey(keyID),
	))
	if !sig.Exists() {
		return fmt.Errorf("eventcrypto: no signature by %s with key %s", serverName, keyID)
	}
	signature, err := base64.RawStdEncoding.DecodeString(sig.Str)
	if err != nil {
		return fmt.Errorf("eventcrypto: signature is not valid base64: %w", err)
	}

	redacted, err := Redact(eventJSON, rules)
	if err != nil {
		return err
	}
	for _, key := range []string{"signatures", "unsigned"} {
		if redacted, err = sjson.DeleteBytes(redacted, key); err != nil {
			return fmt.Errorf("sjson.DeleteBytes: %w", err)
		}
	}
	canonical, err := canonicaljson.Canonical(redacted)
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("eventcrypto: signature by %s with key %s does not verify", serverName, keyID)
	}
	return nil
}

// Server names and key IDs contain dots, which gjson/sjson treat as path
// separators unless escaped.
func escapePathKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
