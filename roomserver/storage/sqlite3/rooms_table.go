// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL UNIQUE,
    room_version TEXT NOT NULL,
    -- Set until the full creation sequence (or seed install) is admitted;
    -- pending rooms are invisible to lookup and join.
    pending BOOLEAN NOT NULL DEFAULT 1,
    head_event_id TEXT NOT NULL DEFAULT '',
    state_snapshot_nid INTEGER NOT NULL DEFAULT 0
);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version, pending)" +
	" VALUES ($1, $2, $3)"

const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_id, room_version, pending, head_event_id, state_snapshot_nid" +
	" FROM roomserver_rooms WHERE room_id = $1"

const updateRoomViewSQL = "" +
	"UPDATE roomserver_rooms SET head_event_id = $1, state_snapshot_nid = $2 WHERE room_nid = $3"

const clearRoomPendingSQL = "" +
	"UPDATE roomserver_rooms SET pending = 0 WHERE room_nid = $1"

type roomsStatements struct {
	db                   *sql.DB
	insertRoomStmt       *sql.Stmt
	selectRoomInfoStmt   *sql.Stmt
	updateRoomViewStmt   *sql.Stmt
	clearRoomPendingStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.updateRoomViewStmt, updateRoomViewSQL},
		{&s.clearRoomPendingStmt, clearRoomPendingSQL},
	}.Prepare(db)
}

func (s *roomsStatements) InsertRoom(
	ctx context.Context, txn *sql.Tx, roomID string, roomVersion string, pending bool,
) (types.RoomNID, error) {
	result, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, roomVersion, pending)
	if err != nil {
		return 0, err
	}
	roomNID, err := result.LastInsertId()
	return types.RoomNID(roomNID), err
}

func (s *roomsStatements) SelectRoomInfo(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.RoomInfo, error) {
	var info types.RoomInfo
	err := sqlutil.TxStmt(txn, s.selectRoomInfoStmt).QueryRowContext(ctx, roomID).Scan(
		&info.RoomNID, &info.RoomID, &info.RoomVersion, &info.Pending,
		&info.HeadEventID, &info.StateSnapshotNID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *roomsStatements) UpdateRoomView(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
	headEventID string, stateNID types.StateSnapshotNID,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomViewStmt).ExecContext(ctx, headEventID, stateNID, roomNID)
	return err
}

func (s *roomsStatements) ClearRoomPending(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) error {
	_, err := sqlutil.TxStmt(txn, s.clearRoomPendingStmt).ExecContext(ctx, roomNID)
	return err
}
