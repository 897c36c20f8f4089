// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// The RoomServer database stores the room DAGs, state snapshots and the
	// output stream.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// MaxBackfillBatch caps how many events one backfill request may return.
	// Note: if max_backfill_batch is not set, it will default to 100.
	MaxBackfillBatch int `yaml:"max_backfill_batch"`

	// MaxMissingDepthSpan caps how far below the current extremities a
	// missing-ancestor walk will reach before the room is declared
	// unbridgeable. default: 1000
	MaxMissingDepthSpan int64 `yaml:"max_missing_depth_span"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.MaxBackfillBatch = 100
	c.MaxMissingDepthSpan = 1000
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_server.max_backfill_batch", int64(c.MaxBackfillBatch))
	checkPositive(configErrs, "room_server.max_missing_depth_span", c.MaxMissingDepthSpan)
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
}
