// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg, logging.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, true)
	})
	return s
}

func TestSubmit_RunsTask(t *testing.T) {
	s := newScheduler(t, Config{})

	ran := false
	err := s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmit_PropagatesTaskError(t *testing.T) {
	s := newScheduler(t, Config{})

	boom := errors.New("backend exploded")
	err := s.Submit(context.Background(), QueueSpeech, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	status := s.Status()[QueueSpeech]
	assert.Equal(t, int64(1), status.Errors)
	assert.Equal(t, int64(1), status.Total)
}

func TestSubmit_UnknownQueue(t *testing.T) {
	s := newScheduler(t, Config{})
	err := s.Submit(context.Background(), Queue("bogus"), func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSubmit_BusyWhenWaitingRoomFull(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 1})

	block := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single slot.
	go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	// Fill the single waiting seat.
	waiting := make(chan error, 1)
	go func() {
		waiting <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			return nil
		})
	}()

	// Give the waiter time to land in the channel.
	require.Eventually(t, func() bool {
		return s.Overloaded(QueueGenerate)
	}, time.Second, 2*time.Millisecond)

	// Third submission must be rejected immediately.
	start := time.Now()
	err := s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceBusy))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "busy rejection is immediate")

	close(block)
	require.NoError(t, <-waiting)
}

func TestSubmit_FIFOOrder(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 8})

	block := make(chan struct{})
	started := make(chan struct{})
	go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger so enqueue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSubmit_CancelWhileWaitingNeverRuns(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 4})

	block := make(chan struct{})
	started := make(chan struct{})
	go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	result := make(chan error, 1)
	go func() {
		result <- s.Submit(ctx, QueueGenerate, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-result
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceCancelled))

	close(block)
	// Drain: even after the slot frees, the cancelled task must not run.
	require.NoError(t, s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		return nil
	}))
	assert.False(t, ran.Load())
}

func TestSubmit_CancelledWaiterFreesWaitingRoom(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	// Take the single waiting seat, then abandon it.
	ctx, cancel := context.WithCancel(context.Background())
	waiter := make(chan error, 1)
	go func() {
		waiter <- s.Submit(ctx, QueueGenerate, func(ctx context.Context) error {
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return s.Status()[QueueGenerate].Waiting == 1
	}, time.Second, 2*time.Millisecond)

	cancel()
	err := <-waiter
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceCancelled))

	// The seat must be free again while the worker is still occupied.
	assert.False(t, s.Overloaded(QueueGenerate))
	replacement := make(chan error, 1)
	go func() {
		replacement <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			return nil
		})
	}()

	close(block)
	require.NoError(t, <-replacement, "fresh submission takes the vacated seat")
}

func TestSubmit_ZeroWaitingRoomRejectsWhenBusy(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 0})

	block := make(chan struct{})
	started := make(chan struct{})
	runner := make(chan error, 1)
	go func() {
		runner <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// No waiting room: the generator being busy is an immediate busy.
	err := s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceBusy))
	assert.True(t, s.Overloaded(QueueGenerate))

	close(block)
	require.NoError(t, <-runner)

	// Idle again: work is admitted without a waiting room.
	require.Eventually(t, func() bool {
		return !s.Overloaded(QueueGenerate)
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		return nil
	}))
}

func TestSubmit_DeadlineActsAsCancellation(t *testing.T) {
	s := newScheduler(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Submit(ctx, QueueGenerate, func(ctx context.Context) error {
		<-ctx.Done()
		return apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceCancelled))
}

func TestSubmit_StaleWaiterRejectedAsBusy(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 1, WaitingCap: 4, WaitBudget: 50 * time.Millisecond})

	block := make(chan struct{})
	started := make(chan struct{})
	go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	result := make(chan error, 1)
	go func() {
		result <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			return nil
		})
	}()

	// Hold the slot past the wait budget.
	time.Sleep(120 * time.Millisecond)
	close(block)

	err := <-result
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceBusy))
}

func TestStatus_ReflectsRunningAndCapacity(t *testing.T) {
	s := newScheduler(t, Config{GenerateSlots: 2, WaitingCap: 4})

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			started <- struct{}{}
			<-block
			return nil
		})
	}
	<-started
	<-started

	status := s.Status()[QueueGenerate]
	assert.Equal(t, 2, status.Running)
	assert.Equal(t, 2, status.Capacity)
	assert.True(t, status.Busy)

	close(block)
}

func TestShutdown_CancelsWaiters(t *testing.T) {
	s := New(Config{GenerateSlots: 1, WaitingCap: 4}, logging.Default())

	block := make(chan struct{})
	started := make(chan struct{})
	runner := make(chan error, 1)
	go func() {
		runner <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		waiter <- s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error {
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.Shutdown(ctx, true)
	}()

	// New work is refused during shutdown.
	time.Sleep(20 * time.Millisecond)
	err := s.Submit(context.Background(), QueueGenerate, func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	close(block)
	require.NoError(t, <-runner, "running task drains normally")
	require.Error(t, <-waiter, "waiting task is cancelled")
	require.NoError(t, <-done)
}
