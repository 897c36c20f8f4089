// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty object", input: `{}`, want: `{}`},
		{name: "keys sorted", input: `{"b":1,"a":2}`, want: `{"a":2,"b":1}`},
		{
			name:  "nested keys sorted",
			input: `{"z":{"b":true,"a":false},"a":[{"y":1,"x":2}]}`,
			want:  `{"a":[{"x":2,"y":1}],"z":{"a":false,"b":true}}`,
		},
		{name: "whitespace dropped", input: "{\n\t\"a\": [ 1,\t2 ]\n}", want: `{"a":[1,2]}`},
		{name: "null and booleans", input: `{"a":null,"b":true,"c":false}`, want: `{"a":null,"b":true,"c":false}`},
		{name: "exponent collapsed", input: `{"a":1e1}`, want: `{"a":10}`},
		{name: "negative integer", input: `{"a":-0}`, want: `{"a":0}`},
		{name: "unnecessary escape removed", input: "{\"a\":\"\\u0041\"}", want: `{"a":"A"}`},
		{name: "unicode kept literal", input: `{"a":"日本語"}`, want: `{"a":"日本語"}`},
		{name: "control characters escaped", input: `{"a":"xy\nz"}`, want: `{"a":"xy\nz"}`},
		{name: "quote and backslash escaped", input: `{"a":"\"\\"}`, want: `{"a":"\"\\"}`},
		{name: "array order preserved", input: `[3,1,2]`, want: `[3,1,2]`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonical([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))

			// Canonicalising canonical output must be the identity.
			again, err := Canonical(got)
			require.NoError(t, err)
			assert.Equal(t, string(got), string(again))
		})
	}
}

func TestCanonicalRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: `{"a":`},
		{name: "fractional number", input: `{"a":1.5}`},
		{name: "above safe range", input: `{"a":9007199254740993}`},
		{name: "below safe range", input: `{"a":-9007199254740993}`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Canonical([]byte(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestCanonicalEquivalentDocuments(t *testing.T) {
	t.Parallel()
	// Two encoders emitting the same document differently must agree after
	// canonicalisation, or event hashes would differ between servers.
	a := []byte(`{"content": {"membership": "join"}, "sender": "@u:s", "type": "m.room.member"}`)
	b := []byte(`{"type":"m.room.member","sender":"@u:s","content":{"membership":"join"}}`)

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}
