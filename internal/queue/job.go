package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types dispatched to workers.
const (
	TypeDeploymentExecute = "deployment.execute"
	TypePreviewDeploy     = "preview.deploy"
	TypePreviewDestroy    = "preview.destroy"
	TypeDatabaseCreate    = "database.create"
	TypeDatabaseDelete    = "database.delete"
	TypeBackupCreate      = "backup.create"
	TypeProjectCleanup    = "project.cleanup"
)

// Job is a unit of asynchronous work. Key serializes execution: at most one
// job per key runs at a time across the pool.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJob encodes payload into a job ready to enqueue.
func NewJob(jobType, key string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Key:        key,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// Queue is an at-least-once job bus.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or the poll interval elapses.
	// A nil delivery with a nil error means nothing was available.
	Dequeue(ctx context.Context) (*Delivery, error)
}

// Delivery is a job handed to a consumer. Exactly one of Ack or Nack must be
// called; a delivery that is neither stays in flight until recovered.
type Delivery struct {
	Job  Job
	ack  func(context.Context) error
	nack func(context.Context, error) error
}

// Ack removes the job from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack returns the job for another attempt, or dead-letters it once attempts
// are exhausted or cause is permanent.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	return d.nack(ctx, cause)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// exhausted reports whether a job that just failed should be dead-lettered.
func exhausted(job Job, cause error, maxAttempts int) bool {
	if IsPermanent(cause) {
		return true
	}
	return maxAttempts > 0 && job.Attempts+1 >= maxAttempts
}

func failed(job Job, cause error) Job {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	return job
}
