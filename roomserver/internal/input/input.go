// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements the event admission pipeline. Admission for a
// single room is a strict critical section: each room gets its own actor
// and every offer, seed install or locally built event for that room runs
// through it, one at a time. Different rooms proceed in parallel.
package input

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/producers"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/setup/config"
)

// Inputer owns the admission pipeline. All external entry points funnel
// into the per-room worker, which is the only goroutine that touches that
// room's extremities, state snapshots and cached view.
type Inputer struct {
	Cfg        *config.RoomServer
	DB         *shared.Database
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
	FedClient  fedapi.FederationClient
	Producer   *producers.RoomEventProducer

	workers sync.Map // room ID -> *worker
}

type worker struct {
	phony.Inbox
	r      *Inputer
	roomID string
}

func (r *Inputer) workerForRoom(roomID string) *worker {
	v, _ := r.workers.LoadOrStore(roomID, &worker{r: r, roomID: roomID})
	return v.(*worker)
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbor",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process one event",
		Buckets: []float64{
			10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"room_id"},
)

var processedEventsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "roomserver",
		Name:      "processed_events_total",
		Help:      "Number of events processed, by verdict",
	},
	[]string{"decision"},
)

var backfillFetchesCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "roomserver",
		Name:      "backfill_fetches_total",
		Help:      "Number of missing-event batches requested from peers",
	},
)

func init() {
	prometheus.MustRegister(
		processRoomEventDuration,
		processedEventsCounter,
		backfillFetchesCounter,
	)
}

// InputRoomEvents admits a batch of events and blocks until every one has
// a verdict. Events are grouped by room; each group runs inside its room's
// actor in topological order, so a child never races its parent.
func (r *Inputer) InputRoomEvents(
	ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse,
) {
	byRoom := make(map[string][]int)
	for i := range req.InputRoomEvents {
		roomID := req.InputRoomEvents[i].RoomID
		byRoom[roomID] = append(byRoom[roomID], i)
	}

	res.Verdicts = make([]types.Authorization, len(req.InputRoomEvents))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for roomID, indexes := range byRoom {
		w := r.workerForRoom(roomID)
		wg.Add(1)
		indexes := r.orderGroup(ctx, req, indexes)
		w.Act(nil, func() {
			defer wg.Done()
			for _, i := range indexes {
				input := &req.InputRoomEvents[i]
				start := time.Now()
				verdict, err := r.processRoomEvent(ctx, input)
				processRoomEventDuration.With(prometheus.Labels{
					"room_id": input.RoomID,
				}).Observe(float64(time.Since(start).Milliseconds()))
				if err != nil {
					logrus.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
						"room_id": input.RoomID,
						"kind":    input.Kind.String(),
					}).Warn("Roomserver failed to process event")
					sentry.CaptureException(err)
					mu.Lock()
					if res.ErrMsg == "" {
						res.ErrMsg = err.Error()
					}
					mu.Unlock()
					continue
				}
				processedEventsCounter.WithLabelValues(string(verdict.Decision)).Inc()
				mu.Lock()
				res.Verdicts[i] = verdict
				mu.Unlock()
			}
		})
	}
	wg.Wait()
}

// orderGroup returns one room's batch indexes with every ancestor ahead of
// its in-batch descendants, whatever order the caller supplied. Without
// this a child offered before its parent would chase its own batch-mate
// over federation. Entries that do not parse keep their relative order at
// the end; the pipeline gives them a proper error individually.
func (r *Inputer) orderGroup(ctx context.Context, req *api.InputRoomEventsRequest, indexes []int) []int {
	if len(indexes) < 2 {
		return indexes
	}
	roomVer, err := r.roomVersionFor(ctx, &req.InputRoomEvents[indexes[0]])
	if err != nil {
		return indexes
	}

	events := make([]*types.Event, 0, len(indexes))
	byID := make(map[string]int, len(indexes))
	var rest []int
	for _, i := range indexes {
		event, err := roomVer.NewEventFromUntrustedJSON(req.InputRoomEvents[i].EventJSON)
		if err != nil {
			rest = append(rest, i)
			continue
		}
		if _, dup := byID[event.EventID]; dup {
			rest = append(rest, i)
			continue
		}
		byID[event.EventID] = i
		events = append(events, event)
	}

	ordered := make([]int, 0, len(indexes))
	for _, event := range auth.TopologicalSort(events) {
		ordered = append(ordered, byID[event.EventID])
	}
	return append(ordered, rest...)
}

// singleRoom runs fn inside the room's actor and blocks until it returns.
// Used by the perform paths, which already hold no room lock of their own.
func (r *Inputer) singleRoom(roomID string, fn func()) {
	w := r.workerForRoom(roomID)
	phony.Block(w, fn)
}
