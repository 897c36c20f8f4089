// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/process"
	"github.com/arbormsg/arbor/syncapi/consumers"
	"github.com/arbormsg/arbor/syncapi/notifier"
)

// SyncAPI serves "what happened since position N" long-polls over the
// output stream.
type SyncAPI struct {
	Cfg      *config.SyncAPI
	DB       *shared.Database
	Notifier *notifier.Notifier
}

// Setup wires the sync side: a notifier primed at the stream tail and the
// consumer that advances it.
func Setup(
	processCtx *process.ProcessContext, cfg *config.Config,
	js natsclient.JetStreamContext, db *shared.Database,
) *SyncAPI {
	pos, err := db.MaxStreamPosition(processCtx.Context())
	if err != nil {
		logrus.WithError(err).Panic("failed to read max stream position")
	}
	n := notifier.NewNotifier(pos)

	consumer := consumers.NewOutputRoomEventConsumer(processCtx, cfg, js, db, n)
	if err := consumer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start sync API consumer")
	}

	go func() {
		<-processCtx.WaitForShutdown()
		n.Shutdown()
	}()

	return &SyncAPI{
		Cfg:      &cfg.SyncAPI,
		DB:       db,
		Notifier: n,
	}
}

// Sync blocks until the stream has moved past since (or the timeout hits)
// and returns the new entries with the caller's next position.
func (s *SyncAPI) Sync(ctx context.Context, since int64) ([]types.StreamEntry, int64, error) {
	pos := s.Notifier.WaitForEvents(ctx, since, s.Cfg.MaxTimeout)
	if pos <= since {
		return nil, since, nil
	}
	entries, err := s.DB.StreamEntries(ctx, since, s.Cfg.MaxStreamBatch)
	if err != nil {
		return nil, since, fmt.Errorf("s.DB.StreamEntries: %w", err)
	}
	next := since
	if n := len(entries); n > 0 {
		next = entries[n-1].Position
	}
	return entries, next, nil
}
