// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// DefaultRetention is the number of completed and failed jobs kept per state.
const DefaultRetention = 100

type entry struct {
	info  analysis.JobInfo
	runAt time.Time
	seq   int64
}

// Queue is an in-memory analysis.Queue with context-aware blocking dequeue.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	waiting   []string
	seq       int64
	retention int
	now       func() time.Time

	notify  chan struct{}
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue keeping up to retention finished jobs per state.
func NewQueue(retention int) *Queue {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Queue{
		jobs:      make(map[string]*entry),
		retention: retention,
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Enqueue adds a waiting job. Enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, id string, payload analysis.JobPayload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("generate job id: %w", err)
		}
		id = generated.String()
	}

	q.mu.Lock()
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return false, nil
	}
	q.seq++
	q.jobs[id] = &entry{
		info: analysis.JobInfo{ID: id, Payload: payload, State: analysis.JobStateWaiting},
		seq:  q.seq,
	}
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()

	q.signal()
	return true, nil
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Job, error) {
	for {
		q.mu.Lock()
		q.promoteLocked()
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			e := q.jobs[id]
			e.info.State = analysis.JobStateActive
			job := analysis.Job{ID: id, Payload: e.info.Payload}
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job, nil
		}
		wait, hasDelayed := q.nextDelayLocked()
		q.mu.Unlock()

		if err := q.wait(ctx, wait, hasDelayed); err != nil {
			return analysis.Job{}, err
		}
	}
}

// wait blocks until a signal, the next delayed job is due, close, or ctx ends.
func (q *Queue) wait(ctx context.Context, d time.Duration, timed bool) error {
	var timeout <-chan time.Time
	if timed {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.closeCh:
		return errors.New("queue closed")
	case <-q.notify:
	case <-timeout:
	}
	return nil
}

// Get returns a snapshot of the job.
func (q *Queue) Get(_ context.Context, id string) (analysis.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return analysis.JobInfo{}, analysis.ErrJobNotFound
	}
	return e.info, nil
}

// IsActive reports whether the job is currently held by a worker.
func (q *Queue) IsActive(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	return ok && e.info.State == analysis.JobStateActive, nil
}

// SetStatusMessage stores a human-readable status on the job.
func (q *Queue) SetStatusMessage(_ context.Context, id string, msg string) error {
	return q.update(id, func(e *entry) error {
		e.info.Payload.StatusMessage = msg
		return nil
	})
}

// UpdateProgress raises the job progress; lower values are ignored.
func (q *Queue) UpdateProgress(_ context.Context, id string, progress int) error {
	return q.update(id, func(e *entry) error {
		if progress > e.info.Progress {
			e.info.Progress = min(progress, 100)
		}
		return nil
	})
}

// Complete marks an active job as completed.
func (q *Queue) Complete(_ context.Context, id string) error {
	return q.finish(id, analysis.JobStateCompleted, "")
}

// Fail marks an active job as failed.
func (q *Queue) Fail(_ context.Context, id string, reason string) error {
	return q.finish(id, analysis.JobStateFailed, reason)
}

// Delay returns an active job to the queue, runnable after d.
func (q *Queue) Delay(_ context.Context, id string, d time.Duration) error {
	err := q.update(id, func(e *entry) error {
		if e.info.State != analysis.JobStateActive {
			return fmt.Errorf("delay job %s: state %s", id, e.info.State)
		}
		e.info.State = analysis.JobStateDelayed
		e.runAt = q.now().Add(d)
		return nil
	})
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// Cancel flags the job as cancelled. Jobs that have not started are failed immediately.
func (q *Queue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return false, nil
	}
	e.info.Payload.Cancelled = true
	switch e.info.State {
	case analysis.JobStateWaiting:
		q.removeWaitingLocked(id)
		q.finishLocked(e, analysis.JobStateFailed, analysis.ReasonCancelled)
	case analysis.JobStateDelayed:
		q.finishLocked(e, analysis.JobStateFailed, analysis.ReasonCancelled)
	}
	return true, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(_ context.Context) (analysis.JobCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var counts analysis.JobCounts
	for _, e := range q.jobs {
		switch e.info.State {
		case analysis.JobStateWaiting:
			counts.Waiting++
		case analysis.JobStateActive:
			counts.Active++
		case analysis.JobStateDelayed:
			counts.Delayed++
		case analysis.JobStateCompleted:
			counts.Completed++
		case analysis.JobStateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Obliterate removes every job regardless of state.
func (q *Queue) Obliterate(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*entry)
	q.waiting = nil
	return nil
}

// Ping always succeeds for the in-memory queue.
func (q *Queue) Ping(context.Context) error {
	return nil
}

// Close unblocks pending dequeues for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.closeCh)
	q.closed = true
}

func (q *Queue) update(id string, fn func(*entry) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	return fn(e)
}

func (q *Queue) finish(id string, state analysis.JobState, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if e.info.State != analysis.JobStateActive {
		return fmt.Errorf("finish job %s: state %s", id, e.info.State)
	}
	q.finishLocked(e, state, reason)
	return nil
}

func (q *Queue) finishLocked(e *entry, state analysis.JobState, reason string) {
	e.info.State = state
	e.info.FailedReason = reason
	q.seq++
	e.seq = q.seq
	q.trimLocked(state)
}

// trimLocked drops the oldest finished jobs of a state beyond the retention size.
func (q *Queue) trimLocked(state analysis.JobState) {
	var finished []*entry
	for _, e := range q.jobs {
		if e.info.State == state {
			finished = append(finished, e)
		}
	}
	if len(finished) <= q.retention {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].seq < finished[j].seq })
	for _, e := range finished[:len(finished)-q.retention] {
		delete(q.jobs, e.info.ID)
	}
}

func (q *Queue) promoteLocked() {
	now := q.now()
	var due []*entry
	for _, e := range q.jobs {
		if e.info.State == analysis.JobStateDelayed && !e.runAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].runAt.Before(due[j].runAt) })
	for _, e := range due {
		e.info.State = analysis.JobStateWaiting
		q.waiting = append(q.waiting, e.info.ID)
	}
}

func (q *Queue) nextDelayLocked() (time.Duration, bool) {
	var next time.Time
	found := false
	for _, e := range q.jobs {
		if e.info.State != analysis.JobStateDelayed {
			continue
		}
		if !found || e.runAt.Before(next) {
			next = e.runAt
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return max(next.Sub(q.now()), time.Millisecond), true
}

func (q *Queue) removeWaitingLocked(id string) {
	for i, waitingID := range q.waiting {
		if waitingID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
