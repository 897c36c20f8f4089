// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier wakes long-poll sync requests when the output stream
// advances. Every admission cycle broadcasts, whatever the verdict, since
// the position cursor moves past denied events too.
package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type Notifier struct {
	lock       sync.Mutex
	currentPos int64
	// wakeup is closed and replaced on every broadcast; waiters hold the
	// channel that was current when they went to sleep.
	wakeup   chan struct{}
	shutdown atomic.Bool
}

func NewNotifier(currentPos int64) *Notifier {
	return &Notifier{
		currentPos: currentPos,
		wakeup:     make(chan struct{}),
	}
}

// OnNewEvent advances the stream position and wakes every waiter.
func (n *Notifier) OnNewEvent(pos int64) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pos > n.currentPos {
		n.currentPos = pos
	}
	close(n.wakeup)
	n.wakeup = make(chan struct{})
}

// Shutdown flips the global flag and broadcasts once. Waiters re-check the
// flag after waking and exit instead of re-looping.
func (n *Notifier) Shutdown() {
	n.shutdown.Store(true)
	n.lock.Lock()
	defer n.lock.Unlock()
	close(n.wakeup)
	n.wakeup = make(chan struct{})
}

func (n *Notifier) CurrentPosition() int64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.currentPos
}

// WaitForEvents blocks until the stream has moved past since, the timeout
// elapses, the context is cancelled or shutdown fires. It returns the
// current position in every case; the caller decides whether anything new
// is worth fetching.
func (n *Notifier) WaitForEvents(ctx context.Context, since int64, timeout time.Duration) int64 {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		n.lock.Lock()
		pos := n.currentPos
		wakeup := n.wakeup
		n.lock.Unlock()

		if pos > since || n.shutdown.Load() {
			return pos
		}
		select {
		case <-wakeup:
		case <-timer.C:
			return pos
		case <-ctx.Done():
			return pos
		}
	}
}
