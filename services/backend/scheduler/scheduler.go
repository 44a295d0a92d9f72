// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler admits inference work onto the machine's scarce compute.
//
// The local model servers can execute very little in parallel (one
// transcription, one or two generations, one embedding), so every model
// call goes through a per-capability queue with a small waiting room.
// Admission is all-or-nothing: a request either starts promptly, waits
// briefly in FIFO order, or is rejected as busy right away so the desktop
// shell can tell the practitioner instead of hanging.
//
// # Task lifecycle
//
//	waiting -> claimed -> running -> done
//	   \-> cancelled (client gone or shutdown, backend never touched)
//
// Transitions are CAS-guarded so a cancelling client and a claiming worker
// can race safely. A task cancelled while waiting is unlinked from the
// waiting room on the spot, so it stops counting against the cap the moment
// the client gives up.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

// =============================================================================
// Queues
// =============================================================================

// Queue identifies an inference capability.
type Queue string

const (
	QueueSpeech   Queue = "speech"
	QueueGenerate Queue = "generate"
	QueueEmbed    Queue = "embed"
)

// Config sizes the scheduler. Zero slot counts default to 1.
type Config struct {
	SpeechSlots   int
	GenerateSlots int
	EmbedSlots    int

	// WaitingCap bounds each queue's waiting room. Zero means no waiting
	// room at all: work either starts on an idle worker or is rejected as
	// busy. Negative values fall back to the default.
	WaitingCap int

	// WaitBudget bounds how long a task may wait before it is rejected as
	// busy. The client has usually given up by then anyway.
	WaitBudget time.Duration
}

// QueueStatus is a point-in-time snapshot of one queue.
type QueueStatus struct {
	Running  int   `json:"running"`
	Waiting  int   `json:"waiting"`
	Capacity int   `json:"capacity"`
	Total    int64 `json:"total"`
	Errors   int64 `json:"errors"`
	Busy     bool  `json:"is_busy"`
}

// =============================================================================
// Tasks
// =============================================================================

// Task states.
const (
	stateWaiting int32 = iota
	stateClaimed
	stateRunning
	stateDone
	stateCancelled
)

type task struct {
	ticket   uint64
	fn       func(ctx context.Context) error
	ctx      context.Context
	enqueued time.Time

	state atomic.Int32
	err   error
	done  chan struct{}
}

// complete finalises the task exactly once via the state CAS done by the
// caller; err is visible after done closes.
func (t *task) complete(err error) {
	t.err = err
	close(t.done)
}

// =============================================================================
// Scheduler
// =============================================================================

type queueState struct {
	name    Queue
	workers int
	limit   int

	// mu guards the waiting room. cond wakes workers when work arrives or
	// the queue closes; active counts tasks a worker has taken but not yet
	// finished, so admission bounds total outstanding work.
	mu      sync.Mutex
	cond    *sync.Cond
	waiting []*task
	active  int
	closed  bool

	running atomic.Int32
	total   atomic.Int64
	errors  atomic.Int64
}

// enqueue admits t or reports why it cannot. At most workers+limit tasks
// may be outstanding; only live waiters count, cancelled tasks are unlinked
// by remove and never linger.
func (q *queueState) enqueue(t *task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return apperrors.New(apperrors.SystemNotReady).WithDetail("server is shutting down")
	}
	if len(q.waiting)+q.active >= q.limit+q.workers {
		return apperrors.Newf(apperrors.InferenceBusy, "%s queue full", q.name)
	}
	q.waiting = append(q.waiting, t)
	q.cond.Signal()
	return nil
}

// remove unlinks t from the waiting room, freeing its seat. A miss is fine;
// a worker may have popped t in the same instant.
func (q *queueState) remove(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w == t {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// Scheduler owns the inference queues.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	queues     map[Queue]*queueState
	waitBudget time.Duration
	logger     *logging.Logger

	tickets atomic.Uint64

	stopOnce sync.Once
	wg       sync.WaitGroup

	accepting atomic.Bool
}

// New creates and starts a scheduler.
func New(cfg Config, logger *logging.Logger) *Scheduler {
	if cfg.WaitingCap < 0 {
		cfg.WaitingCap = 16
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 30 * time.Second
	}

	s := &Scheduler{
		queues:     make(map[Queue]*queueState),
		waitBudget: cfg.WaitBudget,
		logger:     logger,
	}
	s.accepting.Store(true)

	for _, spec := range []struct {
		name    Queue
		workers int
	}{
		{QueueSpeech, max1(cfg.SpeechSlots)},
		{QueueGenerate, max1(cfg.GenerateSlots)},
		{QueueEmbed, max1(cfg.EmbedSlots)},
	} {
		q := &queueState{
			name:    spec.name,
			workers: spec.workers,
			limit:   cfg.WaitingCap,
		}
		q.cond = sync.NewCond(&q.mu)
		s.queues[spec.name] = q
		for i := 0; i < spec.workers; i++ {
			s.wg.Add(1)
			go s.worker(q)
		}
	}
	return s
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Submit runs fn on the queue's worker pool and returns its error.
//
// # Outputs
//
//   - inference/busy when the waiting room is full or the task waited past
//     the wait budget
//   - inference/cancelled when ctx ends before fn starts, or when fn
//     observes its cancelled ctx
//   - otherwise fn's own error
func (s *Scheduler) Submit(ctx context.Context, queue Queue, fn func(ctx context.Context) error) error {
	q, ok := s.queues[queue]
	if !ok {
		return fmt.Errorf("scheduler: unknown queue %q", queue)
	}
	if !s.accepting.Load() {
		return apperrors.New(apperrors.SystemNotReady).WithDetail("server is shutting down")
	}

	t := &task{
		ticket:   s.tickets.Add(1),
		fn:       fn,
		ctx:      ctx,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}

	if err := q.enqueue(t); err != nil {
		return err
	}

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		// Still waiting? Cancel and vacate the seat without ever reaching
		// a worker.
		if t.state.CompareAndSwap(stateWaiting, stateCancelled) {
			q.remove(t)
			s.logger.Debug("task cancelled while waiting",
				"queue", string(queue), "ticket", t.ticket)
			return apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
		}
		// Claimed or running: fn sees the cancelled ctx; wait for it to
		// unwind so the slot is truly free when we return.
		<-t.done
		if t.err != nil {
			return t.err
		}
		return apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
	}
}

func (s *Scheduler) worker(q *queueState) {
	defer s.wg.Done()
	for {
		q.mu.Lock()
		for len(q.waiting) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.waiting) == 0 {
			// Closed and drained.
			q.mu.Unlock()
			return
		}
		t := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.active++
		q.mu.Unlock()

		s.execute(q, t)

		q.mu.Lock()
		q.active--
		q.mu.Unlock()
	}
}

func (s *Scheduler) execute(q *queueState, t *task) {
	if !t.state.CompareAndSwap(stateWaiting, stateClaimed) {
		// Cancelled in the instant between pop and claim; the submitter
		// already returned.
		return
	}

	if waited := time.Since(t.enqueued); waited > s.waitBudget {
		t.state.Store(stateDone)
		q.total.Add(1)
		t.complete(apperrors.Newf(apperrors.InferenceBusy,
			"waited %s in %s queue", waited.Round(time.Millisecond), q.name))
		return
	}
	if t.ctx.Err() != nil {
		t.state.Store(stateCancelled)
		t.complete(apperrors.Wrap(apperrors.InferenceCancelled, t.ctx.Err()))
		return
	}

	t.state.Store(stateRunning)
	q.running.Add(1)

	err := t.fn(t.ctx)

	q.running.Add(-1)
	q.total.Add(1)
	if err != nil {
		q.errors.Add(1)
	}
	t.state.Store(stateDone)
	t.complete(err)
}

// Status returns a snapshot of every queue.
func (s *Scheduler) Status() map[Queue]QueueStatus {
	out := make(map[Queue]QueueStatus, len(s.queues))
	for name, q := range s.queues {
		q.mu.Lock()
		waiting := len(q.waiting)
		q.mu.Unlock()

		running := int(q.running.Load())
		out[name] = QueueStatus{
			Running:  running,
			Waiting:  waiting,
			Capacity: q.workers,
			Total:    q.total.Load(),
			Errors:   q.errors.Load(),
			Busy:     running >= q.workers,
		}
	}
	return out
}

// Overloaded reports whether the queue would reject a submission right now,
// for shedding at the HTTP edge before any work is attempted.
func (s *Scheduler) Overloaded(queue Queue) bool {
	q, ok := s.queues[queue]
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)+q.active >= q.limit+q.workers
}

// Shutdown stops accepting work, cancels all waiters and, when drain is
// true, waits for running tasks to finish or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context, drain bool) error {
	s.accepting.Store(false)
	s.stopOnce.Do(func() {
		for _, q := range s.queues {
			q.mu.Lock()
			q.closed = true
			orphans := q.waiting
			q.waiting = nil
			q.mu.Unlock()
			q.cond.Broadcast()

			for _, t := range orphans {
				if t.state.CompareAndSwap(stateWaiting, stateCancelled) {
					t.complete(apperrors.New(apperrors.SystemNotReady).
						WithDetail("server is shutting down"))
				}
			}
		}
	})

	if !drain {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
