package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func mustJob(t *testing.T, jobType, key string) Job {
	t.Helper()
	job, err := NewJob(jobType, key, map[string]string{"key": key})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

// runUntil runs the pool until cond holds or the deadline passes.
func runUntil(t *testing.T, pool *Pool, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestPoolAcksSuccessfulJobs(t *testing.T) {
	q := NewMemoryQueue(3)
	var ran atomic.Int32
	pool := NewPool(q, WorkMap{
		TypeDeploymentExecute: func(ctx context.Context, job Job) error {
			var payload map[string]string
			if err := job.Decode(&payload); err != nil {
				return err
			}
			if payload["key"] != "p1" {
				t.Errorf("unexpected payload %v", payload)
			}
			ran.Add(1)
			return nil
		},
	}, WithLogger(testLogger()))

	if err := q.Enqueue(context.Background(), mustJob(t, TypeDeploymentExecute, "p1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runUntil(t, pool, q.Idle)

	if ran.Load() != 1 {
		t.Fatalf("expected one run, got %d", ran.Load())
	}
	if len(q.Dead()) != 0 {
		t.Fatalf("expected no dead jobs")
	}
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue(3)
	var attempts atomic.Int32
	pool := NewPool(q, WorkMap{
		TypeBackupCreate: func(context.Context, Job) error {
			attempts.Add(1)
			return errors.New("ssh unreachable")
		},
	}, WithLogger(testLogger()))

	_ = q.Enqueue(context.Background(), mustJob(t, TypeBackupCreate, "p1"))
	runUntil(t, pool, func() bool { return len(q.Dead()) == 1 })

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	dead := q.Dead()[0]
	if dead.Attempts != 3 || dead.LastError != "ssh unreachable" {
		t.Fatalf("unexpected dead job %+v", dead)
	}
}

func TestPoolPermanentErrorSkipsRetry(t *testing.T) {
	q := NewMemoryQueue(5)
	var attempts atomic.Int32
	pool := NewPool(q, WorkMap{
		TypeDatabaseCreate: func(context.Context, Job) error {
			attempts.Add(1)
			return Permanent(errors.New("bad payload"))
		},
	}, WithLogger(testLogger()))

	_ = q.Enqueue(context.Background(), mustJob(t, TypeDatabaseCreate, "p1"))
	runUntil(t, pool, func() bool { return len(q.Dead()) == 1 })

	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	q := NewMemoryQueue(1)
	pool := NewPool(q, WorkMap{
		TypePreviewDeploy: func(context.Context, Job) error {
			panic("boom")
		},
	}, WithLogger(testLogger()))

	_ = q.Enqueue(context.Background(), mustJob(t, TypePreviewDeploy, "p1"))
	runUntil(t, pool, func() bool { return len(q.Dead()) == 1 })
}

func TestPoolUnknownTypeIsDeadLettered(t *testing.T) {
	q := NewMemoryQueue(5)
	pool := NewPool(q, WorkMap{}, WithLogger(testLogger()))

	_ = q.Enqueue(context.Background(), mustJob(t, "mystery", "p1"))
	runUntil(t, pool, func() bool { return len(q.Dead()) == 1 })
}

func TestPoolResetsUnhealthyStoreBeforeJob(t *testing.T) {
	q := NewMemoryQueue(3)
	store := memory.New()
	store.PingErr = errors.New("conn closed")
	var ran atomic.Int32
	pool := NewPool(q, WorkMap{
		TypeDeploymentExecute: func(context.Context, Job) error {
			ran.Add(1)
			return nil
		},
	}, WithLogger(testLogger()), WithHealthChecker(store))

	_ = q.Enqueue(context.Background(), mustJob(t, TypeDeploymentExecute, "p1"))
	runUntil(t, pool, q.Idle)

	if store.Resets != 1 {
		t.Fatalf("expected one reset, got %d", store.Resets)
	}
	if ran.Load() != 1 {
		t.Fatalf("expected job to run after reset")
	}
}

func TestPoolSerializesJobsPerKey(t *testing.T) {
	q := NewMemoryQueue(3)
	var (
		mu      sync.Mutex
		running = map[string]int{}
		overlap bool
		done    atomic.Int32
	)
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		running[job.Key]++
		if running[job.Key] > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running[job.Key]--
		mu.Unlock()
		done.Add(1)
		return nil
	}
	pool := NewPool(q, WorkMap{TypeDeploymentExecute: handler}, WithWorkers(4), WithLogger(testLogger()))

	for i := 0; i < 4; i++ {
		_ = q.Enqueue(context.Background(), mustJob(t, TypeDeploymentExecute, "same-project"))
	}
	runUntil(t, pool, func() bool { return done.Load() == 4 })

	if overlap {
		t.Fatalf("jobs for the same key ran concurrently")
	}
}

func TestMemoryQueueRecoverRequeuesInflight(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	_ = q.Enqueue(ctx, mustJob(t, TypeProjectCleanup, "p1"))

	d, err := q.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v %v", d, err)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("expected job to be in flight")
	}
	n, _ := q.Recover(ctx)
	if n != 1 || len(q.Pending()) != 1 {
		t.Fatalf("expected recovered job, got n=%d pending=%d", n, len(q.Pending()))
	}
}

func TestLocalLockerRespectsContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release2, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release2()
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(l.locks))
	}
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := b.Subscribe(ctx, LogChannel("d1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, LogChannel("d1"), []byte("line")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = b.Publish(ctx, LogChannel("d2"), []byte("other"))

	select {
	case msg := <-ch:
		if string(msg) != "line" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
	}

	stop()
	for range ch {
	}
	if b.Subscribers(LogChannel("d1")) != 0 {
		t.Fatalf("expected subscription to be removed")
	}
}
