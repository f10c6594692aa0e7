package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue with the same delivery semantics as
// RedisQueue. Used in tests and single-process setups.
type MemoryQueue struct {
	mu          sync.Mutex
	pending     []Job
	inflight    map[uint64]Job
	seq         uint64
	dead        []Job
	maxAttempts int
	poll        time.Duration
	signal      chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	return &MemoryQueue{
		inflight:    make(map[uint64]Job),
		maxAttempts: maxAttempts,
		poll:        50 * time.Millisecond,
		signal:      make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	for {
		if seq, job, ok := q.take(); ok {
			return q.delivery(seq, job), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) take() (uint64, Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, Job{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.seq++
	q.inflight[q.seq] = job
	if len(q.pending) > 0 {
		q.notify()
	}
	return q.seq, job, true
}

func (q *MemoryQueue) delivery(seq uint64, job Job) *Delivery {
	return &Delivery{
		Job: job,
		ack: func(context.Context) error {
			q.mu.Lock()
			delete(q.inflight, seq)
			q.mu.Unlock()
			return nil
		},
		nack: func(_ context.Context, cause error) error {
			q.mu.Lock()
			delete(q.inflight, seq)
			next := failed(job, cause)
			if exhausted(job, cause, q.maxAttempts) {
				q.dead = append(q.dead, next)
			} else {
				q.pending = append(q.pending, next)
			}
			q.mu.Unlock()
			q.notify()
			return nil
		},
	}
}

// Recover returns in-flight jobs to pending.
func (q *MemoryQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.inflight)
	for seq, job := range q.inflight {
		q.pending = append(q.pending, job)
		delete(q.inflight, seq)
	}
	q.mu.Unlock()
	if n > 0 {
		q.notify()
	}
	return n, nil
}

// Pending returns a snapshot of queued jobs.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.pending...)
}

// Dead returns a snapshot of dead-lettered jobs.
func (q *MemoryQueue) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Idle reports whether no job is pending or in flight.
func (q *MemoryQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inflight) == 0
}
