// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the priority queue of ready-to-dispatch jobs.
// Ordering is (priority desc, scheduled-start asc, submission order asc);
// FIFO within the same priority bucket. Jobs scheduled in the future are
// held back from Pop until their time arrives.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

type item struct {
	job *domain.Job
	seq uint64
	// depri marks a job put back after a failed dispatch; it sorts behind
	// fresh jobs of the same priority so a repeatedly bouncing job cannot
	// starve its bucket.
	depri bool
	// idx is maintained by the heap interface.
	idx int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func less(a, b *item) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if a.depri != b.depri {
		return !a.depri
	}
	at, bt := startTime(a.job), startTime(b.job)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.seq < b.seq
}

func startTime(j *domain.Job) time.Time {
	if j.ScheduledStart != nil {
		return *j.ScheduledStart
	}
	return time.Time{}
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the mutex-guarded job priority queue.
type Queue struct {
	mu      sync.Mutex
	heap    jobHeap
	byID    map[string]*item
	keys    map[string]string // idempotency key -> job id, non-terminal window
	seq     uint64
	nowFunc func() time.Time
	woken   chan struct{}
}

// New constructs an empty queue. nowFunc may be nil (defaults to time.Now).
func New(nowFunc func() time.Time) *Queue {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Queue{
		byID:    make(map[string]*item),
		keys:    make(map[string]string),
		nowFunc: nowFunc,
		woken:   make(chan struct{}, 1),
	}
}

// Woken returns a channel signalled whenever a job is enqueued, so the
// dispatcher can wake before its next tick.
func (q *Queue) Woken() <-chan struct{} { return q.woken }

func (q *Queue) wake() {
	select {
	case q.woken <- struct{}{}:
	default:
	}
}

// Enqueue adds a job. A job whose idempotency key matches another job still
// in its non-terminal window is rejected with ErrDuplicateIdempotencyKey.
func (q *Queue) Enqueue(job *domain.Job) error {
	return q.enqueue(job, false)
}

// Requeue puts a job back after a failed dispatch attempt. The job keeps its
// priority but sorts behind fresh jobs in the same bucket.
func (q *Queue) Requeue(job *domain.Job) error {
	return q.enqueue(job, true)
}

func (q *Queue) enqueue(job *domain.Job, depri bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[job.ID]; ok {
		return fmt.Errorf("job %s already queued: %w", job.ID, domain.ErrDuplicateAssignment)
	}
	if job.IdempotencyKey != "" {
		// The job taken by Take keeps its key reserved; re-enqueueing that
		// same job (requeue after a failed dispatch) must not collide with
		// its own reservation.
		if existing, ok := q.keys[job.IdempotencyKey]; ok && existing != job.ID {
			return fmt.Errorf("key %s already held by job %s: %w",
				job.IdempotencyKey, existing, domain.ErrDuplicateIdempotencyKey)
		}
		q.keys[job.IdempotencyKey] = job.ID
	}

	it := &item{job: job, seq: q.seq, depri: depri}
	q.seq++
	heap.Push(&q.heap, it)
	q.byID[job.ID] = it
	q.wake()
	return nil
}

// Peek returns the highest-priority job whose scheduled start has arrived,
// without removing it.
func (q *Queue) Peek() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.firstReadyLocked()
	if it == nil {
		return nil
	}
	return it.job
}

// Pop removes and returns the highest-priority ready job, or nil.
func (q *Queue) Pop() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.firstReadyLocked()
	if it == nil {
		return nil
	}
	heap.Remove(&q.heap, it.idx)
	delete(q.byID, it.job.ID)
	return it.job
}

// firstReadyLocked scans in heap order for the first job whose scheduled
// start has arrived. Held-back jobs do not block lower-priority ready ones.
func (q *Queue) firstReadyLocked() *item {
	now := q.nowFunc()
	var best *item
	for _, it := range q.heap {
		if !it.job.Ready(now) {
			continue
		}
		if best == nil || less(it, best) {
			best = it
		}
	}
	return best
}

// Take removes a specific job by id, keeping its idempotency key reserved.
// The dispatcher uses it to claim the job it selected a robot for; Cancel is
// the path that frees the key.
func (q *Queue) Take(jobID string) *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[jobID]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, it.idx)
	delete(q.byID, jobID)
	return it.job
}

// Cancel removes a queued job and returns it for the caller to transition.
// Returns nil if the job is no longer queued (already dispatched or unknown);
// the dispatcher handles the running case.
func (q *Queue) Cancel(jobID string) *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[jobID]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, it.idx)
	delete(q.byID, jobID)
	if it.job.IdempotencyKey != "" {
		delete(q.keys, it.job.IdempotencyKey)
	}
	return it.job
}

// ReleaseKey frees an idempotency key once its job reached a terminal
// state, reopening the key for new submissions.
func (q *Queue) ReleaseKey(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, key)
}

// Contains reports whether the job is still queued.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[jobID]
	return ok
}

// Size returns the number of queued jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// CountByPriority returns queued job counts keyed by priority bucket.
func (q *Queue) CountByPriority() map[domain.JobPriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.JobPriority]int)
	for _, it := range q.heap {
		out[it.job.Priority]++
	}
	return out
}
