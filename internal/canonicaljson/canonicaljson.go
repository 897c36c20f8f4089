// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canonicaljson produces the deterministic encoding of a JSON
// document used for content hashing and signing. Object keys are sorted
// bytewise, insignificant whitespace is dropped, numbers must be integers
// in the safe range and strings are re-encoded with minimal escaping, so
// every server derives identical bytes for the same document.
package canonicaljson

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when the input is not a valid JSON document.
var ErrInvalidJSON = errors.New("canonicaljson: input is not valid JSON")

// Canonical re-encodes the given JSON document into its canonical form.
// The transformation is deterministic and idempotent.
func Canonical(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, gjson.ParseBytes(input)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.Number:
		return writeNumber(buf, v)
	case gjson.String:
		writeString(buf, v.Str)
	case gjson.JSON:
		if v.IsArray() {
			return writeArray(buf, v)
		}
		return writeObject(buf, v)
	default:
		return fmt.Errorf("canonicaljson: unhandled value %q", v.Raw)
	}
	return nil
}

// Numbers must be integers within the 2^53 safe range, emitted in their
// shortest decimal form. Fractional or oversized values have no canonical
// encoding and are rejected.
func writeNumber(buf *bytes.Buffer, v gjson.Result) error {
	f := v.Num
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return fmt.Errorf("canonicaljson: number %q is not a safe integer", v.Raw)
	}
	buf.WriteString(strconv.FormatInt(int64(f), 10))
	return nil
}

func writeArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	var err error
	first := true
	v.ForEach(func(_, item gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		err = writeValue(buf, item)
		return err == nil
	})
	if err != nil {
		return err
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, v gjson.Result) error {
	type member struct {
		key   string
		value gjson.Result
	}
	var members []member
	v.ForEach(func(key, value gjson.Result) bool {
		members = append(members, member{key: key.Str, value: value})
		return true
	})
	// Bytewise ordering on the UTF-8 of the key, which is exactly what Go
	// string comparison gives us.
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m.key)
		buf.WriteByte(':')
		if err := writeValue(buf, m.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString escapes only what JSON requires: quote, backslash and
// control characters. Everything else is emitted as literal UTF-8, so the
// canonical form does not depend on optional escape choices made by the
// original encoder.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
