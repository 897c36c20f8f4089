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

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid BIGSERIAL PRIMARY KEY,
    room_nid BIGINT NOT NULL,
    event_id TEXT NOT NULL,
    depth BIGINT NOT NULL DEFAULT 0,
    json BYTEA,
    present BOOLEAN NOT NULL DEFAULT FALSE,
    processed BOOLEAN NOT NULL DEFAULT FALSE,
    valid BOOLEAN NOT NULL DEFAULT FALSE,
    allowed BOOLEAN NOT NULL DEFAULT FALSE,
    seed BOOLEAN NOT NULL DEFAULT FALSE,
    reason TEXT NOT NULL DEFAULT '',
    received_from TEXT NOT NULL DEFAULT '',
    received_at BIGINT NOT NULL DEFAULT 0,
    fetched_from TEXT NOT NULL DEFAULT '',
    fetched_at BIGINT NOT NULL DEFAULT 0,
    state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
    UNIQUE (room_nid, event_id)
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_depth
    ON roomserver_events(room_nid, depth);
`

const insertPlaceholderSQL = "" +
	"INSERT INTO roomserver_events (room_nid, event_id) VALUES ($1, $2)" +
	" ON CONFLICT (room_nid, event_id) DO NOTHING"

// The WHERE clause keeps re-injection of an already-present event from
// clobbering its verdict or provenance.
const upsertEventSQL = "" +
	"INSERT INTO roomserver_events" +
	" (room_nid, event_id, depth, json, present, processed, valid, allowed, seed," +
	"  received_from, received_at, fetched_from, fetched_at)" +
	" VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10, $11, $12)" +
	" ON CONFLICT (room_nid, event_id) DO UPDATE SET" +
	" depth = excluded.depth, json = excluded.json, present = TRUE," +
	" processed = excluded.processed, valid = excluded.valid, allowed = excluded.allowed," +
	" seed = excluded.seed, received_from = excluded.received_from," +
	" received_at = excluded.received_at, fetched_from = excluded.fetched_from," +
	" fetched_at = excluded.fetched_at" +
	" WHERE roomserver_events.present = FALSE"

const selectEventColumns = "" +
	"event_nid, room_nid, event_id, depth, json, present, processed, valid, allowed, seed," +
	" reason, received_from, received_at, fetched_from, fetched_at, state_snapshot_nid"

const selectEventSQL = "" +
	"SELECT " + selectEventColumns +
	" FROM roomserver_events WHERE room_nid = $1 AND event_id = $2"

const bulkSelectEventsSQL = "" +
	"SELECT " + selectEventColumns +
	" FROM roomserver_events WHERE room_nid = $1 AND event_id = ANY($2)"

const bulkSelectEventsByNIDSQL = "" +
	"SELECT " + selectEventColumns +
	" FROM roomserver_events WHERE event_nid = ANY($1)"

const updateEventProcessedSQL = "" +
	"UPDATE roomserver_events SET processed = TRUE, valid = $3, allowed = $4, reason = $5" +
	" WHERE room_nid = $1 AND event_id = $2"

const updateEventStateSnapshotSQL = "" +
	"UPDATE roomserver_events SET state_snapshot_nid = $3" +
	" WHERE room_nid = $1 AND event_id = $2"

const selectMinDepthSQL = "" +
	"SELECT COALESCE(MIN(depth), 0) FROM roomserver_events" +
	" WHERE room_nid = $1 AND present = TRUE"

type eventsStatements struct {
	insertPlaceholderStmt        *sql.Stmt
	upsertEventStmt              *sql.Stmt
	selectEventStmt              *sql.Stmt
	bulkSelectEventsStmt         *sql.Stmt
	bulkSelectEventsByNIDStmt    *sql.Stmt
	updateEventProcessedStmt     *sql.Stmt
	updateEventStateSnapshotStmt *sql.Stmt
	selectMinDepthStmt           *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventsStatements{}

	return s, sqlutil.StatementList{
		{&s.insertPlaceholderStmt, insertPlaceholderSQL},
		{&s.upsertEventStmt, upsertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.bulkSelectEventsStmt, bulkSelectEventsSQL},
		{&s.bulkSelectEventsByNIDStmt, bulkSelectEventsByNIDSQL},
		{&s.updateEventProcessedStmt, updateEventProcessedSQL},
		{&s.updateEventStateSnapshotStmt, updateEventStateSnapshotSQL},
		{&s.selectMinDepthStmt, selectMinDepthSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertPlaceholder(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertPlaceholderStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *eventsStatements) UpsertEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
	depth int64, json []byte, meta types.EventMetadata,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertEventStmt).ExecContext(ctx,
		roomNID, eventID, depth, json,
		meta.Processed, meta.Valid, meta.Allowed, meta.Seed,
		meta.ReceivedFrom, meta.ReceivedAt, meta.FetchedFrom, meta.FetchedAt,
	)
	return err
}

func scanEventRow(scanner interface{ Scan(...any) error }) (tables.EventRow, error) {
	var row tables.EventRow
	var json []byte
	err := scanner.Scan(
		&row.EventNID, &row.RoomNID, &row.EventID, &row.Depth, &json,
		&row.Metadata.Present, &row.Metadata.Processed, &row.Metadata.Valid,
		&row.Metadata.Allowed, &row.Metadata.Seed, &row.Metadata.Reason,
		&row.Metadata.ReceivedFrom, &row.Metadata.ReceivedAt,
		&row.Metadata.FetchedFrom, &row.Metadata.FetchedAt,
		&row.StateSnapshotNID,
	)
	row.JSON = json
	return row, err
}

func (s *eventsStatements) SelectEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) (*tables.EventRow, error) {
	row, err := scanEventRow(sqlutil.TxStmt(txn, s.selectEventStmt).QueryRowContext(ctx, roomNID, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *eventsStatements) BulkSelectEvents(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventIDs []string,
) ([]tables.EventRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.bulkSelectEventsStmt).QueryContext(ctx, roomNID, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	return collectEventRows(ctx, rows)
}

func (s *eventsStatements) BulkSelectEventsByNID(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) ([]tables.EventRow, error) {
	if len(eventNIDs) == 0 {
		return nil, nil
	}
	nids := make(pq.Int64Array, len(eventNIDs))
	for i, nid := range eventNIDs {
		nids[i] = int64(nid)
	}
	rows, err := sqlutil.TxStmt(txn, s.bulkSelectEventsByNIDStmt).QueryContext(ctx, nids)
	if err != nil {
		return nil, err
	}
	return collectEventRows(ctx, rows)
}

func collectEventRows(ctx context.Context, rows *sql.Rows) ([]tables.EventRow, error) {
	defer internal.CloseAndLogIfError(ctx, rows, "collectEventRows: rows.close() failed")

	var result []tables.EventRow
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *eventsStatements) UpdateEventProcessed(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, valid, allowed bool, reason string,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventProcessedStmt).ExecContext(ctx, roomNID, eventID, valid, allowed, reason)
	return err
}

func (s *eventsStatements) UpdateEventStateSnapshot(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, stateNID types.StateSnapshotNID,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventStateSnapshotStmt).ExecContext(ctx, roomNID, eventID, stateNID)
	return err
}

func (s *eventsStatements) SelectMinDepth(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) (int64, error) {
	var minDepth int64
	err := sqlutil.TxStmt(txn, s.selectMinDepthStmt).QueryRowContext(ctx, roomNID).Scan(&minDepth)
	return minDepth, err
}
