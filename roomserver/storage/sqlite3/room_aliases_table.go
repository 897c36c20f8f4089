// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/arbormsg/arbor/internal"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/tables"
)

const roomAliasesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_aliases (
    alias TEXT NOT NULL PRIMARY KEY,
    room_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roomserver_room_aliases_room_id
    ON roomserver_room_aliases(room_id);
`

const insertRoomAliasSQL = "" +
	"INSERT INTO roomserver_room_aliases (alias, room_id) VALUES ($1, $2)"

const selectRoomIDForAliasSQL = "" +
	"SELECT room_id FROM roomserver_room_aliases WHERE alias = $1"

const selectAliasesForRoomSQL = "" +
	"SELECT alias FROM roomserver_room_aliases WHERE room_id = $1 ORDER BY alias"

const deleteRoomAliasSQL = "" +
	"DELETE FROM roomserver_room_aliases WHERE alias = $1"

type roomAliasesStatements struct {
	db                       *sql.DB
	insertRoomAliasStmt      *sql.Stmt
	selectRoomIDForAliasStmt *sql.Stmt
	selectAliasesForRoomStmt *sql.Stmt
	deleteRoomAliasStmt      *sql.Stmt
}

func CreateRoomAliasesTable(db *sql.DB) error {
	_, err := db.Exec(roomAliasesSchema)
	return err
}

func PrepareRoomAliasesTable(db *sql.DB) (tables.RoomAliases, error) {
	s := &roomAliasesStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.insertRoomAliasStmt, insertRoomAliasSQL},
		{&s.selectRoomIDForAliasStmt, selectRoomIDForAliasSQL},
		{&s.selectAliasesForRoomStmt, selectAliasesForRoomSQL},
		{&s.deleteRoomAliasStmt, deleteRoomAliasSQL},
	}.Prepare(db)
}

func (s *roomAliasesStatements) InsertRoomAlias(
	ctx context.Context, txn *sql.Tx, alias, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertRoomAliasStmt).ExecContext(ctx, alias, roomID)
	return err
}

func (s *roomAliasesStatements) SelectRoomIDForAlias(
	ctx context.Context, txn *sql.Tx, alias string,
) (string, error) {
	var roomID string
	err := sqlutil.TxStmt(txn, s.selectRoomIDForAliasStmt).QueryRowContext(ctx, alias).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return roomID, err
}

func (s *roomAliasesStatements) SelectAliasesForRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAliasesForRoomStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAliasesForRoom: rows.close() failed")

	var aliases []string
	for rows.Next() {
		var alias string
		if err = rows.Scan(&alias); err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func (s *roomAliasesStatements) DeleteRoomAlias(
	ctx context.Context, txn *sql.Tx, alias string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomAliasStmt).ExecContext(ctx, alias)
	return err
}
