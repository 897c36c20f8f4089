// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// Database is the storage API the roomserver works against. It composes the
// per-table statement sets and adds the multi-table operations, each run in
// a single transaction.
type Database struct {
	DB                  *sql.DB
	Cache               caching.RoomServerCaches
	RoomsTable          tables.Rooms
	EventsTable         tables.Events
	StateSnapshotsTable tables.StateSnapshots
	ExtremitiesTable    tables.Extremities
	OutputStreamTable   tables.OutputStream
	RoomAliasesTable    tables.RoomAliases
}

// RoomInfo returns the per-room header, or nil if the room is unknown.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	if info, ok := d.Cache.GetRoomInfo(roomID); ok {
		return info, nil
	}
	info, err := d.RoomsTable.SelectRoomInfo(ctx, nil, roomID)
	if err != nil {
		return nil, fmt.Errorf("d.RoomsTable.SelectRoomInfo: %w", err)
	}
	if info != nil {
		d.Cache.StoreRoomInfo(roomID, info)
	}
	return info, nil
}

// GetOrCreateRoomNID returns the room's NID, inserting a pending room row
// the first time the room ID is seen.
func (d *Database) GetOrCreateRoomNID(
	ctx context.Context, roomID, roomVersion string,
) (types.RoomNID, error) {
	info, err := d.RoomInfo(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if info != nil {
		return info.RoomNID, nil
	}
	var roomNID types.RoomNID
	err = sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		// Re-check under the transaction in case of a concurrent insert.
		existing, err := d.RoomsTable.SelectRoomInfo(ctx, txn, roomID)
		if err != nil {
			return fmt.Errorf("d.RoomsTable.SelectRoomInfo: %w", err)
		}
		if existing != nil {
			roomNID = existing.RoomNID
			return nil
		}
		roomNID, err = d.RoomsTable.InsertRoom(ctx, txn, roomID, roomVersion, true)
		if err != nil {
			return fmt.Errorf("d.RoomsTable.InsertRoom: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.Cache.InvalidateRoomInfo(roomID)
	return roomNID, nil
}

// StoreEvent persists an event body along with placeholder rows for every
// DAG reference it carries. Re-storing a present event is a no-op.
func (d *Database) StoreEvent(
	ctx context.Context, roomNID types.RoomNID, event *types.Event, meta types.EventMetadata,
) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.EventsTable.UpsertEvent(
			ctx, txn, roomNID, event.EventID, event.Depth, event.JSON, meta,
		); err != nil {
			return fmt.Errorf("d.EventsTable.UpsertEvent: %w", err)
		}
		for _, refs := range [][]string{event.PrevEvents, event.AuthEvents} {
			for _, eventID := range refs {
				if err := d.EventsTable.InsertPlaceholder(ctx, txn, roomNID, eventID); err != nil {
					return fmt.Errorf("d.EventsTable.InsertPlaceholder: %w", err)
				}
			}
		}
		return nil
	})
}

func (d *Database) rowToStoredEvent(info *types.RoomInfo, row *tables.EventRow) (*types.StoredEvent, error) {
	stored := &types.StoredEvent{
		EventNID:         row.EventNID,
		RoomNID:          row.RoomNID,
		EventID:          row.EventID,
		Metadata:         row.Metadata,
		StateSnapshotNID: row.StateSnapshotNID,
	}
	if len(row.JSON) == 0 {
		return stored, nil
	}
	roomVersion, err := version.GetRoomVersion(version.RoomVersion(info.RoomVersion))
	if err != nil {
		return nil, err
	}
	event, err := roomVersion.NewEventFromTrustedJSON(row.EventID, row.JSON)
	if err != nil {
		return nil, fmt.Errorf("NewEventFromTrustedJSON: %w", err)
	}
	stored.Event = event
	return stored, nil
}

// Event returns a single event row, or nil if no row exists at all. A
// placeholder row comes back with Event nil and Metadata.Present false.
func (d *Database) Event(
	ctx context.Context, info *types.RoomInfo, eventID string,
) (*types.StoredEvent, error) {
	if event, ok := d.Cache.GetRoomEvent(eventID); ok {
		return event, nil
	}
	row, err := d.EventsTable.SelectEvent(ctx, nil, info.RoomNID, eventID)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.SelectEvent: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	stored, err := d.rowToStoredEvent(info, row)
	if err != nil {
		return nil, err
	}
	if stored.Metadata.Processed {
		d.Cache.StoreRoomEvent(eventID, stored)
	}
	return stored, nil
}

// Events returns the rows for the given event IDs. IDs with no row at all
// are simply absent from the result.
func (d *Database) Events(
	ctx context.Context, info *types.RoomInfo, eventIDs []string,
) (map[string]*types.StoredEvent, error) {
	result := make(map[string]*types.StoredEvent, len(eventIDs))
	missing := make([]string, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if event, ok := d.Cache.GetRoomEvent(eventID); ok {
			result[eventID] = event
			continue
		}
		missing = append(missing, eventID)
	}
	if len(missing) == 0 {
		return result, nil
	}
	rows, err := d.EventsTable.BulkSelectEvents(ctx, nil, info.RoomNID, missing)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.BulkSelectEvents: %w", err)
	}
	for i := range rows {
		stored, err := d.rowToStoredEvent(info, &rows[i])
		if err != nil {
			return nil, err
		}
		result[stored.EventID] = stored
	}
	return result, nil
}

// EventsByNID resolves state snapshot membership back into events.
func (d *Database) EventsByNID(
	ctx context.Context, info *types.RoomInfo, eventNIDs []types.EventNID,
) ([]*types.StoredEvent, error) {
	rows, err := d.EventsTable.BulkSelectEventsByNID(ctx, nil, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.BulkSelectEventsByNID: %w", err)
	}
	events := make([]*types.StoredEvent, 0, len(rows))
	for i := range rows {
		stored, err := d.rowToStoredEvent(info, &rows[i])
		if err != nil {
			return nil, err
		}
		events = append(events, stored)
	}
	return events, nil
}

// MarkEventProcessed records the admission verdict for an event and appends
// the matching entry to the output stream, atomically.
func (d *Database) MarkEventProcessed(
	ctx context.Context, info *types.RoomInfo, eventID string, auth types.Authorization,
) (pos int64, err error) {
	err = sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.EventsTable.UpdateEventProcessed(
			ctx, txn, info.RoomNID, eventID, auth.Decision != types.DecisionInvalid, auth.IsAllowed(), auth.Reason,
		); err != nil {
			return fmt.Errorf("d.EventsTable.UpdateEventProcessed: %w", err)
		}
		pos, err = d.OutputStreamTable.InsertStreamEntry(ctx, txn, info.RoomID, eventID, auth.Decision)
		if err != nil {
			return fmt.Errorf("d.OutputStreamTable.InsertStreamEntry: %w", err)
		}
		return nil
	})
	return
}

// AddStateSnapshot materialises a state snapshot and returns its NID.
func (d *Database) AddStateSnapshot(
	ctx context.Context, roomNID types.RoomNID, eventNIDs []types.EventNID,
) (types.StateSnapshotNID, error) {
	return d.StateSnapshotsTable.InsertState(ctx, nil, roomNID, eventNIDs)
}

// StateSnapshot loads the events of a snapshot.
func (d *Database) StateSnapshot(
	ctx context.Context, info *types.RoomInfo, stateNID types.StateSnapshotNID,
) ([]*types.StoredEvent, error) {
	eventNIDs, err := d.StateSnapshotsTable.SelectStateEventNIDs(ctx, nil, stateNID)
	if err != nil {
		return nil, fmt.Errorf("d.StateSnapshotsTable.SelectStateEventNIDs: %w", err)
	}
	return d.EventsByNID(ctx, info, eventNIDs)
}

// SetEventState records which snapshot an accepted event unlocked.
func (d *Database) SetEventState(
	ctx context.Context, roomNID types.RoomNID, eventID string, stateNID types.StateSnapshotNID,
) error {
	return d.EventsTable.UpdateEventStateSnapshot(ctx, nil, roomNID, eventID, stateNID)
}

// UpdateRoomView atomically replaces the room's cached head and state and,
// when requested, clears the pending flag.
func (d *Database) UpdateRoomView(
	ctx context.Context, info *types.RoomInfo, headEventID string,
	stateNID types.StateSnapshotNID, clearPending bool,
) error {
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.RoomsTable.UpdateRoomView(ctx, txn, info.RoomNID, headEventID, stateNID); err != nil {
			return fmt.Errorf("d.RoomsTable.UpdateRoomView: %w", err)
		}
		if clearPending {
			if err := d.RoomsTable.ClearRoomPending(ctx, txn, info.RoomNID); err != nil {
				return fmt.Errorf("d.RoomsTable.ClearRoomPending: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.Cache.InvalidateRoomInfo(info.RoomID)
	return nil
}

// ReplaceForwardExtremities removes the consumed extremities and adds the
// new one in a single transaction.
func (d *Database) ReplaceForwardExtremities(
	ctx context.Context, roomNID types.RoomNID, consumed []string, added string,
) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.ExtremitiesTable.DeleteForwardExtremities(ctx, txn, roomNID, consumed); err != nil {
			return fmt.Errorf("d.ExtremitiesTable.DeleteForwardExtremities: %w", err)
		}
		if err := d.ExtremitiesTable.InsertForwardExtremity(ctx, txn, roomNID, added); err != nil {
			return fmt.Errorf("d.ExtremitiesTable.InsertForwardExtremity: %w", err)
		}
		return nil
	})
}

func (d *Database) ForwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	return d.ExtremitiesTable.SelectForwardExtremities(ctx, nil, roomNID)
}

func (d *Database) BackwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	return d.ExtremitiesTable.SelectBackwardExtremities(ctx, nil, roomNID)
}

func (d *Database) AddBackwardExtremity(ctx context.Context, roomNID types.RoomNID, eventID string) error {
	return d.ExtremitiesTable.InsertBackwardExtremity(ctx, nil, roomNID, eventID)
}

func (d *Database) RemoveBackwardExtremity(ctx context.Context, roomNID types.RoomNID, eventID string) error {
	return d.ExtremitiesTable.DeleteBackwardExtremity(ctx, nil, roomNID, eventID)
}

// MinDepth returns the lowest depth held for the room; backfill stops there.
func (d *Database) MinDepth(ctx context.Context, roomNID types.RoomNID) (int64, error) {
	return d.EventsTable.SelectMinDepth(ctx, nil, roomNID)
}

// StreamEntries pages through the output stream after the given position.
func (d *Database) StreamEntries(ctx context.Context, afterPos int64, limit int) ([]types.StreamEntry, error) {
	return d.OutputStreamTable.SelectStreamEntries(ctx, nil, afterPos, limit)
}

func (d *Database) MaxStreamPosition(ctx context.Context) (int64, error) {
	return d.OutputStreamTable.SelectMaxStreamPosition(ctx, nil)
}

// SetRoomAlias points an alias at a room.
func (d *Database) SetRoomAlias(ctx context.Context, alias, roomID string) error {
	return d.RoomAliasesTable.InsertRoomAlias(ctx, nil, alias, roomID)
}

// RoomIDForAlias resolves an alias, returning "" when unknown.
func (d *Database) RoomIDForAlias(ctx context.Context, alias string) (string, error) {
	return d.RoomAliasesTable.SelectRoomIDForAlias(ctx, nil, alias)
}

func (d *Database) AliasesForRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.RoomAliasesTable.SelectAliasesForRoom(ctx, nil, roomID)
}

func (d *Database) RemoveRoomAlias(ctx context.Context, alias string) error {
	return d.RoomAliasesTable.DeleteRoomAlias(ctx, nil, alias)
}
