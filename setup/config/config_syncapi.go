// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// Database overrides the global database for the sync side. Usually
	// left empty so both sides share one set of tables.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// MaxTimeout caps how long a sync request may long-poll before an empty
	// response is returned. default: 30s
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// MaxStreamBatch caps how many stream entries one sync response carries.
	// default: 50
	MaxStreamBatch int `yaml:"max_stream_batch"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.MaxTimeout = 30 * time.Second
	c.MaxStreamBatch = 50
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync_api.max_timeout", int64(c.MaxTimeout))
	checkPositive(configErrs, "sync_api.max_stream_batch", int64(c.MaxStreamBatch))
}
