// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
)

// ErrRoomNotFound is returned when an operation references a room this
// server holds no replica of.
var ErrRoomNotFound = errors.New("room not found")

// ErrEventNotFound is returned when an event body is absent locally.
var ErrEventNotFound = errors.New("event not found")

// ErrAliasNotFound is returned when an address lookup has no mapping.
var ErrAliasNotFound = errors.New("room alias not found")

// RejectedError is returned when an event was rejected by the
// authorization rules.
type RejectedError string

func (e RejectedError) Error() string { return "event rejected: " + string(e) }

// MissingStateError is returned when the state needed to authorize an
// event could not be resolved.
type MissingStateError string

func (e MissingStateError) Error() string { return "missing state: " + string(e) }

// ForbiddenError records that a peer explicitly refused an operation.
// This is a protocol decision by the remote side, distinct from a
// transport failure.
type ForbiddenError struct {
	Server string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden by %s: %s", e.Server, e.Reason)
}

// UnavailableError records that a peer could not be reached or answered
// with a transport-level failure. Callers should try the next candidate
// rather than treating this as a protocol decision.
type UnavailableError struct {
	Server string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("server %s unavailable: %v", e.Server, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ErrNoCandidates is returned when no candidate peer exists at all for a
// federated operation, failing the whole higher-level operation.
var ErrNoCandidates = errors.New("no candidate servers to try")
