// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/arbormsg/arbor/internal"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
)

const extremitiesSchema = `
-- Forward extremities: accepted events nothing newer points at yet.
CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
    room_nid BIGINT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (room_nid, event_id)
);

-- Backward extremities: referenced ancestors we still do not hold.
CREATE TABLE IF NOT EXISTS roomserver_backward_extremities (
    room_nid BIGINT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (room_nid, event_id)
);
`

const selectForwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_forward_extremities WHERE room_nid = $1 ORDER BY event_id"

const insertForwardExtremitySQL = "" +
	"INSERT INTO roomserver_forward_extremities (room_nid, event_id) VALUES ($1, $2)" +
	" ON CONFLICT DO NOTHING"

const deleteForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_nid = $1 AND event_id = ANY($2)"

const deleteAllForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_nid = $1"

const selectBackwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_backward_extremities WHERE room_nid = $1 ORDER BY event_id"

const insertBackwardExtremitySQL = "" +
	"INSERT INTO roomserver_backward_extremities (room_nid, event_id) VALUES ($1, $2)" +
	" ON CONFLICT DO NOTHING"

const deleteBackwardExtremitySQL = "" +
	"DELETE FROM roomserver_backward_extremities WHERE room_nid = $1 AND event_id = $2"

type extremitiesStatements struct {
	selectForwardExtremitiesStmt    *sql.Stmt
	insertForwardExtremityStmt      *sql.Stmt
	deleteForwardExtremitiesStmt    *sql.Stmt
	deleteAllForwardExtremitiesStmt *sql.Stmt
	selectBackwardExtremitiesStmt   *sql.Stmt
	insertBackwardExtremityStmt     *sql.Stmt
	deleteBackwardExtremityStmt     *sql.Stmt
}

func CreateExtremitiesTable(db *sql.DB) error {
	_, err := db.Exec(extremitiesSchema)
	return err
}

func PrepareExtremitiesTable(db *sql.DB) (tables.Extremities, error) {
	s := &extremitiesStatements{}

	return s, sqlutil.StatementList{
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
		{&s.insertForwardExtremityStmt, insertForwardExtremitySQL},
		{&s.deleteForwardExtremitiesStmt, deleteForwardExtremitiesSQL},
		{&s.deleteAllForwardExtremitiesStmt, deleteAllForwardExtremitiesSQL},
		{&s.selectBackwardExtremitiesStmt, selectBackwardExtremitiesSQL},
		{&s.insertBackwardExtremityStmt, insertBackwardExtremitySQL},
		{&s.deleteBackwardExtremityStmt, deleteBackwardExtremitySQL},
	}.Prepare(db)
}

func selectEventIDs(
	ctx context.Context, txn *sql.Tx, stmt *sql.Stmt, roomNID types.RoomNID,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectEventIDs: rows.close() failed")

	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

func (s *extremitiesStatements) SelectForwardExtremities(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) ([]string, error) {
	return selectEventIDs(ctx, txn, s.selectForwardExtremitiesStmt, roomNID)
}

func (s *extremitiesStatements) InsertForwardExtremity(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertForwardExtremityStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremitiesStatements) DeleteForwardExtremities(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventIDs []string,
) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := sqlutil.TxStmt(txn, s.deleteForwardExtremitiesStmt).ExecContext(ctx, roomNID, pq.StringArray(eventIDs))
	return err
}

func (s *extremitiesStatements) DeleteAllForwardExtremities(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllForwardExtremitiesStmt).ExecContext(ctx, roomNID)
	return err
}

func (s *extremitiesStatements) SelectBackwardExtremities(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) ([]string, error) {
	return selectEventIDs(ctx, txn, s.selectBackwardExtremitiesStmt, roomNID)
}

func (s *extremitiesStatements) InsertBackwardExtremity(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertBackwardExtremityStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremitiesStatements) DeleteBackwardExtremity(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteBackwardExtremityStmt).ExecContext(ctx, roomNID, eventID)
	return err
}
