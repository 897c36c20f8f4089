// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/arbormsg/arbor/internal"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
	"github.com/arbormsg/arbor/roomserver/types"
)

const outputStreamSchema = `
-- Append-only log of admission verdicts in processing order. Positions
-- are dense and monotonic; downstream consumers resume from a position.
CREATE TABLE IF NOT EXISTS roomserver_output_stream (
    position BIGSERIAL PRIMARY KEY,
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    decision TEXT NOT NULL
);
`

const insertStreamEntrySQL = "" +
	"INSERT INTO roomserver_output_stream (room_id, event_id, decision)" +
	" VALUES ($1, $2, $3) RETURNING position"

const selectStreamEntriesSQL = "" +
	"SELECT position, room_id, event_id, decision FROM roomserver_output_stream" +
	" WHERE position > $1 ORDER BY position ASC LIMIT $2"

const selectMaxStreamPositionSQL = "" +
	"SELECT COALESCE(MAX(position), 0) FROM roomserver_output_stream"

type outputStreamStatements struct {
	insertStreamEntryStmt       *sql.Stmt
	selectStreamEntriesStmt     *sql.Stmt
	selectMaxStreamPositionStmt *sql.Stmt
}

func CreateOutputStreamTable(db *sql.DB) error {
	_, err := db.Exec(outputStreamSchema)
	return err
}

func PrepareOutputStreamTable(db *sql.DB) (tables.OutputStream, error) {
	s := &outputStreamStatements{}

	return s, sqlutil.StatementList{
		{&s.insertStreamEntryStmt, insertStreamEntrySQL},
		{&s.selectStreamEntriesStmt, selectStreamEntriesSQL},
		{&s.selectMaxStreamPositionStmt, selectMaxStreamPositionSQL},
	}.Prepare(db)
}

func (s *outputStreamStatements) InsertStreamEntry(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, decision types.Decision,
) (int64, error) {
	var pos int64
	err := sqlutil.TxStmt(txn, s.insertStreamEntryStmt).QueryRowContext(ctx, roomID, eventID, string(decision)).Scan(&pos)
	return pos, err
}

func (s *outputStreamStatements) SelectStreamEntries(
	ctx context.Context, txn *sql.Tx, afterPos int64, limit int,
) ([]types.StreamEntry, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStreamEntriesStmt).QueryContext(ctx, afterPos, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStreamEntries: rows.close() failed")

	var entries []types.StreamEntry
	for rows.Next() {
		var entry types.StreamEntry
		var decision string
		if err = rows.Scan(&entry.Position, &entry.RoomID, &entry.EventID, &decision); err != nil {
			return nil, err
		}
		entry.Decision = types.Decision(decision)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *outputStreamStatements) SelectMaxStreamPosition(
	ctx context.Context, txn *sql.Tx,
) (int64, error) {
	var pos int64
	err := sqlutil.TxStmt(txn, s.selectMaxStreamPositionStmt).QueryRowContext(ctx).Scan(&pos)
	return pos, err
}
