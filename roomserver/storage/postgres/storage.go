// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"fmt"

	_ "github.com/lib/pq"

	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
)

// Open opens a Postgres roomserver database, creating the schema if needed.
func Open(connectionString string, cache caching.RoomServerCaches) (*shared.Database, error) {
	db, err := sqlutil.Open(connectionString)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}

	if err = CreateRoomsTable(db); err != nil {
		return nil, fmt.Errorf("CreateRoomsTable: %w", err)
	}
	if err = CreateEventsTable(db); err != nil {
		return nil, fmt.Errorf("CreateEventsTable: %w", err)
	}
	if err = CreateStateSnapshotsTable(db); err != nil {
		return nil, fmt.Errorf("CreateStateSnapshotsTable: %w", err)
	}
	if err = CreateExtremitiesTable(db); err != nil {
		return nil, fmt.Errorf("CreateExtremitiesTable: %w", err)
	}
	if err = CreateOutputStreamTable(db); err != nil {
		return nil, fmt.Errorf("CreateOutputStreamTable: %w", err)
	}
	if err = CreateRoomAliasesTable(db); err != nil {
		return nil, fmt.Errorf("CreateRoomAliasesTable: %w", err)
	}

	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareRoomsTable: %w", err)
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareEventsTable: %w", err)
	}
	state, err := PrepareStateSnapshotsTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareStateSnapshotsTable: %w", err)
	}
	extremities, err := PrepareExtremitiesTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareExtremitiesTable: %w", err)
	}
	stream, err := PrepareOutputStreamTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareOutputStreamTable: %w", err)
	}
	aliases, err := PrepareRoomAliasesTable(db)
	if err != nil {
		return nil, fmt.Errorf("PrepareRoomAliasesTable: %w", err)
	}

	return &shared.Database{
		DB:                  db,
		Cache:               cache,
		RoomsTable:          rooms,
		EventsTable:         events,
		StateSnapshotsTable: state,
		ExtremitiesTable:    extremities,
		OutputStreamTable:   stream,
		RoomAliasesTable:    aliases,
	}, nil
}
