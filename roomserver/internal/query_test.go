// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/internal/caching"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/sqlite3"
	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/test"
)

func newQueryHarness(t *testing.T) (*Queryer, *input.Inputer, *test.Server) {
	t.Helper()
	caches, err := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	require.NoError(t, err)
	db, err := sqlite3.Open("file::memory:", caches)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.DB.Close() })

	srv := test.NewServer("one")
	inputer := &input.Inputer{
		Cfg:        &config.RoomServer{MaxBackfillBatch: 100, MaxMissingDepthSpan: 1000},
		DB:         db,
		ServerName: srv.Name,
		KeyID:      srv.KeyID,
		PrivateKey: srv.PrivateKey,
		FedClient:  fedapi.OfflineClient{},
	}
	return &Queryer{DB: db}, inputer, srv
}

func TestQueryAuthChainNoDuplicates(t *testing.T) {
	t.Parallel()
	q, inputer, srv := newQueryHarness(t)
	alice := srv.UserWithName("alice")
	room := test.NewRoom(t, alice)
	events := room.Events()

	req := &api.InputRoomEventsRequest{}
	for _, ev := range events {
		req.InputRoomEvents = append(req.InputRoomEvents, api.InputRoomEvent{
			Kind:        api.KindNew,
			RoomID:      room.ID,
			RoomVersion: string(room.Version),
			EventJSON:   ev.JSON,
			Origin:      srv.Name,
		})
	}
	var ires api.InputRoomEventsResponse
	inputer.InputRoomEvents(context.Background(), req, &ires)
	require.NoError(t, ires.Err())

	// The create event is both requested outright and an auth ancestor of
	// the join; it must still appear exactly once.
	var res api.QueryAuthChainResponse
	err := q.QueryAuthChain(context.Background(), &api.QueryAuthChainRequest{
		RoomID:   room.ID,
		EventIDs: []string{events[1].EventID, events[0].EventID},
	}, &res)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, ev := range res.AuthChain {
		seen[ev.EventID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s appeared %d times in the auth chain", id, n)
	}
	assert.Contains(t, seen, events[0].EventID)
	assert.Contains(t, seen, events[1].EventID)
}
