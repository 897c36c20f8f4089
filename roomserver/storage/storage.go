// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/internal/sqlutil"
	"github.com/arbormsg/arbor/roomserver/storage/postgres"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/storage/sqlite3"
)

// Open opens a roomserver database, picking the backend from the connection
// string.
func Open(connectionString string, cache caching.RoomServerCaches) (*shared.Database, error) {
	if sqlutil.IsPostgres(connectionString) {
		return postgres.Open(connectionString, cache)
	}
	return sqlite3.Open(connectionString, cache)
}
