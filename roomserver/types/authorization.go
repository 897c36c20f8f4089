// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// Decision is the outcome class of an authorization check.
type Decision string

const (
	// DecisionAllowed means the event passed validation and authorization.
	DecisionAllowed Decision = "allowed"
	// DecisionDenied means the event was structurally valid but the
	// authorization rules rejected it.
	DecisionDenied Decision = "denied"
	// DecisionInvalid means the event was structurally malformed and
	// authorization logic never ran.
	DecisionInvalid Decision = "invalid"
)

// Authorization is the verdict for a single event. Reasons are kept
// human-readable for audit; they are part of the verdict, not throwaway
// error text.
type Authorization struct {
	EventID  string
	Decision Decision
	Reason   string
}

func (a Authorization) IsAllowed() bool {
	return a.Decision == DecisionAllowed
}

// Allow builds an allowed verdict for the given event ID.
func Allow(eventID string) Authorization {
	return Authorization{EventID: eventID, Decision: DecisionAllowed}
}

// Deny builds a denied verdict with the reason preserved.
func Deny(eventID, reason string) Authorization {
	return Authorization{EventID: eventID, Decision: DecisionDenied, Reason: reason}
}

// Invalidate builds an invalid verdict with the reason preserved.
func Invalidate(eventID, reason string) Authorization {
	return Authorization{EventID: eventID, Decision: DecisionInvalid, Reason: reason}
}
