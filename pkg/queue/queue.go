// Package queue moves background jobs (resume parsing, application
// submission) through Redis. The gateway enqueues; rectoc-worker consumes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueKey = "rectoc:jobs"
	deadLetterKey   = "rectoc:jobs:dead"
	defaultMaxTries = 3
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue enqueues jobs into Redis.
type Queue struct {
	rdb     *redis.Client
	key     string
	entropy *rand.Rand
}

// NewQueue wraps a Redis client. key falls back to the default job list.
func NewQueue(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = defaultQueueKey
	}
	return &Queue{
		rdb:     rdb,
		key:     key,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue pushes a job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	job := Job{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job.ID, nil
}

// Handler processes one job payload. A returned error requeues the job
// until its attempt budget is spent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker pops jobs and dispatches them to registered handlers.
type Worker struct {
	rdb      *redis.Client
	key      string
	logger   *slog.Logger
	maxTries int
	handlers map[string]Handler
}

// NewWorker builds a worker over the same list a Queue pushes to.
func NewWorker(rdb *redis.Client, key string, logger *slog.Logger) *Worker {
	if key == "" {
		key = defaultQueueKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		rdb:      rdb,
		key:      key,
		logger:   logger,
		maxTries: defaultMaxTries,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for one job kind. Not safe to call after Run
// starts.
func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run blocks popping jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", w.key)
	for {
		res, err := w.rdb.BRPop(ctx, 5*time.Second, w.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped")
				return ctx.Err()
			}
			w.logger.Error("pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) == 2 {
			w.Process(ctx, []byte(res[1]))
		}
	}
}

// Process runs one raw job through its handler, requeueing on failure until
// the attempt budget is spent, then dead-lettering.
func (w *Worker) Process(ctx context.Context, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		w.logger.Warn("dropping undecodable job", "error", err)
		return
	}
	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Warn("no handler for job kind", "kind", job.Kind, "id", job.ID)
		w.deadLetter(ctx, job)
		return
	}

	job.Attempts++
	if err := handler(ctx, job.Payload); err != nil {
		w.logger.Error("job failed", "kind", job.Kind, "id", job.ID, "attempt", job.Attempts, "error", err)
		if job.Attempts >= w.maxTries {
			w.deadLetter(ctx, job)
			return
		}
		w.requeue(ctx, job)
		return
	}
	w.logger.Info("job done", "kind", job.Kind, "id", job.ID, "attempt", job.Attempts)
}

func (w *Worker) requeue(ctx context.Context, job Job) {
	data, err := json.Marshal(job)
	if err != nil {
		w.logger.Error("encode requeue", "id", job.ID, "error", err)
		return
	}
	if err := w.rdb.LPush(ctx, w.key, data).Err(); err != nil {
		w.logger.Error("requeue failed", "id", job.ID, "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, job Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := w.rdb.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		w.logger.Error("dead letter failed", "id", job.ID, "error", err)
	}
}
