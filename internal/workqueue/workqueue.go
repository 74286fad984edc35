// Package workqueue implements the per-bitrate (BQ_64/128/256) and
// master-playlist (MQ) work queues on Redis: a ready list, an in-flight
// list for visibility during processing, and a delayed sorted set for
// backoff retries and the master job's start delay.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one unit of work moving through a queue: a BitrateJob or a
// MasterJob, JSON-encoded into Payload.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Options configures retry behavior for a Queue. The Queue itself does
// not read JobTimeout.
type Options struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	JobTimeout   time.Duration
}

// Stats reports queue depth and in-flight counts for health/metrics
// endpoints.
type Stats struct {
	Ready      int64
	Delayed    int64
	InFlight   int64
	DeadLetter int64
}

// Queue is a single named Redis-backed work queue.
type Queue struct {
	client  *redis.Client
	name    string
	opts    Options
}

// New builds a Queue named name against client, applying opts' retry
// policy. A zero-value Options disables retry (MaxAttempts<=0 treated as
// 1: no retry after first failure).
func New(client *redis.Client, name string, opts Options) *Queue {
	return &Queue{client: client, name: name, opts: opts}
}

func (q *Queue) readyKey() string      { return "wq:" + q.name + ":ready" }
func (q *Queue) delayedKey() string    { return "wq:" + q.name + ":delayed" }
func (q *Queue) inflightKey() string   { return "wq:" + q.name + ":inflight" }
func (q *Queue) deadLetterKey() string { return "wq:" + q.name + ":dead" }
func (q *Queue) jobKey(id string) string { return "wq:" + q.name + ":job:" + id }

// Enqueue pushes job onto the ready list immediately.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	return q.push(ctx, job)
}

// EnqueueDelayed schedules job to become ready after delay elapses, used
// for the Master Worker's 5-second start delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: job.ID}).Err()
}

func (q *Queue) push(ctx context.Context, job Job) error {
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	return q.client.LPush(ctx, q.readyKey(), job.ID).Err()
}

func (q *Queue) storeJob(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, 0).Err()
}

// PromoteDue moves every delayed job whose ready time has passed onto the
// ready list. Callers run this on a short interval (e.g. every second).
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.LPush(ctx, q.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Dequeue blocks up to timeout for a ready job, moving it to the
// in-flight list atomically. Returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BRPopLPush(ctx, q.readyKey(), q.inflightKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q.loadJob(ctx, result)
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Ack removes a completed job from the in-flight list and deletes its
// stored payload.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.inflightKey(), 1, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack removes a job from in-flight and, if attempt+1 is still within
// MaxAttempts, reschedules it with exponential backoff
// (BaseBackoff * 2^attempt); otherwise moves it to the dead-letter list.
func (q *Queue) Nack(ctx context.Context, job Job) error {
	if err := q.client.LRem(ctx, q.inflightKey(), 1, job.ID).Err(); err != nil {
		return err
	}

	maxAttempts := q.opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	job.Attempt++
	if job.Attempt >= maxAttempts {
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}
		return q.client.LPush(ctx, q.deadLetterKey(), job.ID).Err()
	}

	backoff := q.opts.BaseBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	delay := backoff * time.Duration(1<<uint(job.Attempt-1))
	return q.EnqueueDelayed(ctx, job, delay)
}

// Length returns the number of jobs waiting on the ready list.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

// Stats reports the depth of every internal list/set for this queue.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	inflight := pipe.LLen(ctx, q.inflightKey())
	dead := pipe.LLen(ctx, q.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		InFlight:   inflight.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// Health reports whether the backing Redis connection is reachable.
func (q *Queue) Health(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
