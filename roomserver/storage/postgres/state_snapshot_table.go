// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
)

const stateSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid BIGSERIAL PRIMARY KEY,
    room_nid BIGINT NOT NULL,
    event_nids BIGINT[] NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshots (room_nid, event_nids)" +
	" VALUES ($1, $2) RETURNING state_snapshot_nid"

const selectStateEventNIDsSQL = "" +
	"SELECT event_nids FROM roomserver_state_snapshots WHERE state_snapshot_nid = $1"

type stateSnapshotStatements struct {
	insertStateStmt          *sql.Stmt
	selectStateEventNIDsStmt *sql.Stmt
}

func CreateStateSnapshotsTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotsSchema)
	return err
}

func PrepareStateSnapshotsTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotStatements{}

	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateEventNIDsStmt, selectStateEventNIDsSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID,
) (types.StateSnapshotNID, error) {
	nids := make(pq.Int64Array, len(eventNIDs))
	for i, nid := range eventNIDs {
		nids[i] = int64(nid)
	}
	var stateNID types.StateSnapshotNID
	err := sqlutil.TxStmt(txn, s.insertStateStmt).QueryRowContext(ctx, roomNID, nids).Scan(&stateNID)
	return stateNID, err
}

func (s *stateSnapshotStatements) SelectStateEventNIDs(
	ctx context.Context, txn *sql.Tx, stateNID types.StateSnapshotNID,
) ([]types.EventNID, error) {
	var nids pq.Int64Array
	err := sqlutil.TxStmt(txn, s.selectStateEventNIDsStmt).QueryRowContext(ctx, stateNID).Scan(&nids)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	eventNIDs := make([]types.EventNID, len(nids))
	for i, nid := range nids {
		eventNIDs[i] = types.EventNID(nid)
	}
	return eventNIDs, nil
}
