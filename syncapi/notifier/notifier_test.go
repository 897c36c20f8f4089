// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitReturnsImmediatelyWhenAhead(t *testing.T) {
	t.Parallel()
	n := NewNotifier(10)
	pos := n.WaitForEvents(context.Background(), 5, time.Minute)
	assert.Equal(t, int64(10), pos)
}

func TestWakeOnNewEvent(t *testing.T) {
	t.Parallel()
	n := NewNotifier(10)

	done := make(chan int64, 1)
	go func() {
		done <- n.WaitForEvents(context.Background(), 10, time.Minute)
	}()

	// Give the waiter time to park on the wakeup channel.
	time.Sleep(10 * time.Millisecond)
	n.OnNewEvent(11)

	select {
	case pos := <-done:
		assert.Equal(t, int64(11), pos)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by OnNewEvent")
	}
}

func TestStaleWakeupKeepsWaiting(t *testing.T) {
	t.Parallel()
	n := NewNotifier(10)

	done := make(chan int64, 1)
	go func() {
		done <- n.WaitForEvents(context.Background(), 10, time.Minute)
	}()
	time.Sleep(10 * time.Millisecond)

	// A broadcast that does not advance past since must put the waiter
	// back to sleep, not return early.
	n.OnNewEvent(10)
	select {
	case pos := <-done:
		t.Fatalf("waiter returned at position %d without new events", pos)
	case <-time.After(50 * time.Millisecond):
	}

	n.OnNewEvent(12)
	select {
	case pos := <-done:
		assert.Equal(t, int64(12), pos)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by the second broadcast")
	}
}

func TestTimeoutReturnsCurrentPosition(t *testing.T) {
	t.Parallel()
	n := NewNotifier(7)
	start := time.Now()
	pos := n.WaitForEvents(context.Background(), 7, 20*time.Millisecond)
	assert.Equal(t, int64(7), pos)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestContextCancelWakes(t *testing.T) {
	t.Parallel()
	n := NewNotifier(3)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int64, 1)
	go func() {
		done <- n.WaitForEvents(ctx, 3, time.Minute)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case pos := <-done:
		assert.Equal(t, int64(3), pos)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by context cancellation")
	}
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	t.Parallel()
	n := NewNotifier(0)

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan int64, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- n.WaitForEvents(context.Background(), 0, time.Minute)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	n.Shutdown()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("not all waiters were woken by shutdown")
	}
	for i := 0; i < waiters; i++ {
		assert.Equal(t, int64(0), <-results)
	}

	// After shutdown, waits return at once.
	assert.Equal(t, int64(0), n.WaitForEvents(context.Background(), 0, time.Minute))
}

func TestPositionNeverRegresses(t *testing.T) {
	t.Parallel()
	n := NewNotifier(0)
	n.OnNewEvent(5)
	n.OnNewEvent(3)
	assert.Equal(t, int64(5), n.CurrentPosition())
}
