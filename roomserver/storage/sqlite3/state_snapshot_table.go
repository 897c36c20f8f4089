// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
)

const stateSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    -- JSON-encoded array of event NIDs; SQLite has no array type.
    event_nids TEXT NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshots (room_nid, event_nids) VALUES ($1, $2)"

const selectStateEventNIDsSQL = "" +
	"SELECT event_nids FROM roomserver_state_snapshots WHERE state_snapshot_nid = $1"

type stateSnapshotStatements struct {
	db                       *sql.DB
	insertStateStmt          *sql.Stmt
	selectStateEventNIDsStmt *sql.Stmt
}

func CreateStateSnapshotsTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotsSchema)
	return err
}

func PrepareStateSnapshotsTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateEventNIDsStmt, selectStateEventNIDsSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID,
) (types.StateSnapshotNID, error) {
	if eventNIDs == nil {
		eventNIDs = []types.EventNID{}
	}
	encoded, err := json.Marshal(eventNIDs)
	if err != nil {
		return 0, fmt.Errorf("json.Marshal: %w", err)
	}
	result, err := sqlutil.TxStmt(txn, s.insertStateStmt).ExecContext(ctx, roomNID, string(encoded))
	if err != nil {
		return 0, err
	}
	stateNID, err := result.LastInsertId()
	return types.StateSnapshotNID(stateNID), err
}

func (s *stateSnapshotStatements) SelectStateEventNIDs(
	ctx context.Context, txn *sql.Tx, stateNID types.StateSnapshotNID,
) ([]types.EventNID, error) {
	var encoded string
	err := sqlutil.TxStmt(txn, s.selectStateEventNIDsStmt).QueryRowContext(ctx, stateNID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var eventNIDs []types.EventNID
	if err = json.Unmarshal([]byte(encoded), &eventNIDs); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return eventNIDs, nil
}
