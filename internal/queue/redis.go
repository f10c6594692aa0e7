package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/pkg/config"
)

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(cfg config.QueueConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// RedisQueue is a reliable list queue. Jobs move from the pending list to
// this process's processing list atomically on dequeue and are removed on ack.
// Each process owns one processing list, kept alive by a heartbeat key, so
// Recover only reclaims lists whose owner stopped beating.
type RedisQueue struct {
	client      *redis.Client
	name        string
	worker      string
	pending     string
	processing  string
	heartbeat   string
	dead        string
	maxAttempts int
	poll        time.Duration
	ttl         time.Duration
	logger      *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue builds a queue stored under the configured name.
func NewRedisQueue(client *redis.Client, cfg config.QueueConfig, logger *slog.Logger) *RedisQueue {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	worker := uuid.NewString()
	return &RedisQueue{
		client:      client,
		name:        cfg.Name,
		worker:      worker,
		pending:     cfg.Name + ":pending",
		processing:  processingKey(cfg.Name, worker),
		heartbeat:   heartbeatKey(cfg.Name, worker),
		dead:        cfg.Name + ":dead",
		maxAttempts: cfg.MaxAttempts,
		poll:        poll,
		ttl:         heartbeatTTL(poll),
		logger:      logger.With("queue_worker", worker),
	}
}

func processingKey(name, worker string) string { return name + ":processing:" + worker }

func heartbeatKey(name, worker string) string { return name + ":worker:" + worker }

// heartbeatTTL outlives several missed beats and blocking dequeues.
func heartbeatTTL(poll time.Duration) time.Duration {
	if ttl := 6 * poll; ttl > 30*time.Second {
		return ttl
	}
	return 30 * time.Second
}

// workerOf returns the owner of a processing list key, or "" when key is not
// one.
func workerOf(name, key string) string {
	worker, ok := strings.CutPrefix(key, name+":processing:")
	if !ok {
		return ""
	}
	return worker
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.beat(ctx); err != nil {
		return nil, err
	}
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable entries can never succeed; park them for inspection.
		q.logger.Error("discarding malformed job", "error", err)
		if err := q.moveRaw(ctx, raw, q.dead); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &Delivery{
		Job: job,
		ack: func(ctx context.Context) error {
			if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
				return fmt.Errorf("ack %s: %w", job.ID, err)
			}
			return nil
		},
		nack: func(ctx context.Context, cause error) error {
			target := q.pending
			if exhausted(job, cause, q.maxAttempts) {
				target = q.dead
			}
			next, err := json.Marshal(failed(job, cause))
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processing, 1, raw)
				pipe.LPush(ctx, target, next)
				return nil
			})
			if err != nil {
				return fmt.Errorf("nack %s: %w", job.ID, err)
			}
			return nil
		},
	}, nil
}

func (q *RedisQueue) moveRaw(ctx context.Context, raw, target string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.LPush(ctx, target, raw)
		return nil
	})
	return err
}

func (q *RedisQueue) beat(ctx context.Context) error {
	if err := q.client.Set(ctx, q.heartbeat, time.Now().UTC().Format(time.RFC3339), q.ttl).Err(); err != nil {
		return fmt.Errorf("queue heartbeat: %w", err)
	}
	return nil
}

// KeepAlive refreshes this process's heartbeat until ctx ends, so jobs that
// run longer than the heartbeat TTL are not reclaimed by another process.
func (q *RedisQueue) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(q.ttl / 3)
	defer ticker.Stop()
	for {
		if err := q.beat(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			q.client.Del(context.WithoutCancel(ctx), q.heartbeat)
			return
		case <-ticker.C:
		}
	}
}

// Recover moves jobs held by processes whose heartbeat expired back to
// pending. Lists owned by live processes, this one included, are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	if err := q.beat(ctx); err != nil {
		return 0, err
	}
	moved := 0
	iter := q.client.Scan(ctx, 0, q.name+":processing:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		worker := workerOf(q.name, key)
		if worker == "" || worker == q.worker {
			continue
		}
		alive, err := q.client.Exists(ctx, heartbeatKey(q.name, worker)).Result()
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.drain(ctx, key)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			q.logger.Warn("reclaimed jobs from stopped worker", "worker", worker, "count", n)
		}
	}
	if err := iter.Err(); err != nil {
		return moved, fmt.Errorf("recover: %w", err)
	}
	return moved, nil
}

func (q *RedisQueue) drain(ctx context.Context, key string) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, key, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", key, err)
		}
		moved++
	}
}
