// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/arbormsg/arbor/roomserver/types"
)

// EventRow is the raw shape of an event row. JSON is nil for placeholder
// rows created from a DAG reference before the body arrived.
type EventRow struct {
	EventNID         types.EventNID
	RoomNID          types.RoomNID
	EventID          string
	Depth            int64
	JSON             []byte
	Metadata         types.EventMetadata
	StateSnapshotNID types.StateSnapshotNID
}

type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string, pending bool) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	UpdateRoomView(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, headEventID string, stateNID types.StateSnapshotNID) error
	ClearRoomPending(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) error
}

type Events interface {
	// InsertPlaceholder ensures a row exists for a referenced event ID.
	// It is a no-op if any row, placeholder or present, already exists.
	InsertPlaceholder(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
	// UpsertEvent stores an event body, filling in a placeholder if one
	// exists. Rows that are already present are left untouched, which is
	// what makes event injection idempotent.
	UpsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, depth int64, json []byte, meta types.EventMetadata) error
	SelectEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) (*EventRow, error)
	BulkSelectEvents(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventIDs []string) ([]EventRow, error)
	BulkSelectEventsByNID(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) ([]EventRow, error)
	UpdateEventProcessed(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, valid, allowed bool, reason string) error
	UpdateEventStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, stateNID types.StateSnapshotNID) error
	// SelectMinDepth returns the lowest depth among present events in the
	// room; backfill never reaches below it.
	SelectMinDepth(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error)
}

type StateSnapshots interface {
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID) (types.StateSnapshotNID, error)
	SelectStateEventNIDs(ctx context.Context, txn *sql.Tx, stateNID types.StateSnapshotNID) ([]types.EventNID, error)
}

type Extremities interface {
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	InsertForwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
	DeleteForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventIDs []string) error
	DeleteAllForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) error
	SelectBackwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	InsertBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
	DeleteBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
}

type OutputStream interface {
	InsertStreamEntry(ctx context.Context, txn *sql.Tx, roomID, eventID string, decision types.Decision) (int64, error)
	SelectStreamEntries(ctx context.Context, txn *sql.Tx, afterPos int64, limit int) ([]types.StreamEntry, error)
	SelectMaxStreamPosition(ctx context.Context, txn *sql.Tx) (int64, error)
}

type RoomAliases interface {
	InsertRoomAlias(ctx context.Context, txn *sql.Tx, alias, roomID string) error
	SelectRoomIDForAlias(ctx context.Context, txn *sql.Tx, alias string) (string, error)
	SelectAliasesForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	DeleteRoomAlias(ctx context.Context, txn *sql.Tx, alias string) error
}
