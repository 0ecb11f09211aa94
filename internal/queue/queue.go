// Package queue is the durable, database-backed task queue between the
// ingestion gate and the orchestrator, plus the worker pool that drains it.
//
// Delivery is at-least-once: a task is leased for TaskTimeout+LeaseGrace and
// becomes eligible again if its worker disappears. Exactly-once side effects
// rest on the dedup record written before enqueue, not on the queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/metrics"
	"github.com/tbourn/go-site-agent/internal/repo"
)

// ErrNoTask is returned by Dequeue when nothing is due.
var ErrNoTask = errors.New("no task due")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Options tune a Queue.
type Options struct {
	MaxAttempts int           // per task, including the first
	Backoff     time.Duration // delay before a retryable task is due again
	Lease       time.Duration // how long a worker owns a task
}

// Queue enqueues and leases tasks.
type Queue struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
	log  zerolog.Logger
}

// New returns a queue over db.
func New(db *gorm.DB, opts Options, log zerolog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Lease <= 0 {
		opts.Lease = 330 * time.Second
	}
	return &Queue{
		db:   db,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
		log:  log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue stores ev as a pending task due now and returns its id.
func (q *Queue) Enqueue(ctx context.Context, ev domain.InboundEvent) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	now := q.now()
	t := &domain.Task{
		ID:          uuid.NewString(),
		EventID:     ev.MessageID,
		GroupID:     ev.GroupID,
		Payload:     payload,
		State:       domain.TaskPending,
		MaxAttempts: q.opts.MaxAttempts,
		ScheduledAt: now,
	}
	if err := repo.CreateTask(ctx, q.db, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Dequeue leases the oldest due task for owner. Running tasks whose lease
// expired on their last attempt are first moved to failed_terminal.
func (q *Queue) Dequeue(ctx context.Context, owner string) (*domain.Task, error) {
	now := q.now()
	expired, err := repo.ExpireExhaustedLeases(ctx, q.db, now)
	if err != nil {
		return nil, fmt.Errorf("expire leases: %w", err)
	}
	for _, t := range expired {
		q.terminal(t, "lease expired on final attempt")
	}

	t, err := repo.LeaseNextTask(ctx, q.db, owner, now, q.opts.Lease)
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	if t == nil {
		return nil, ErrNoTask
	}
	return t, nil
}

// Complete marks t succeeded.
func (q *Queue) Complete(ctx context.Context, t *domain.Task) error {
	return repo.CompleteTask(ctx, q.db, t.ID, t.LeaseOwner, q.now())
}

// Fail settles t after a failed run and returns the resulting state.
// Errors wrapped with Permanent, and failures on the last attempt, are
// terminal.
func (q *Queue) Fail(ctx context.Context, t *domain.Task, cause error) (domain.TaskState, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	state, err := repo.FailTask(ctx, q.db, t.ID, t.LeaseOwner, !IsPermanent(cause), msg, q.now(), q.opts.Backoff)
	if err != nil {
		return "", err
	}
	if state == domain.TaskFailedTerminal {
		q.terminal(*t, msg)
	}
	return state, nil
}

// terminal reports a task that will never run again.
func (q *Queue) terminal(t domain.Task, cause string) {
	q.log.Error().
		Bool("operator_visible", true).
		Str("task_id", t.ID).
		Str("event_id", t.EventID).
		Str("group_id", t.GroupID).
		Int("attempts", t.Attempts).
		Str("cause", cause).
		Msg("task failed terminally")
}

// Depth returns the task count per state and publishes it as a gauge.
func (q *Queue) Depth(ctx context.Context) (map[domain.TaskState]int64, error) {
	counts, err := repo.CountTasksByState(ctx, q.db)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.TaskState{
		domain.TaskPending, domain.TaskRunning, domain.TaskSucceeded,
		domain.TaskFailedRetryable, domain.TaskFailedTerminal,
	} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return counts, nil
}

// List pages tasks for operators, optionally filtered by state.
func (q *Queue) List(ctx context.Context, state domain.TaskState, offset, limit int) ([]domain.Task, int64, error) {
	return repo.ListTasks(ctx, q.db, state, offset, limit)
}

// Decode returns the event carried by t. A malformed payload is permanent.
func Decode(t *domain.Task) (domain.InboundEvent, error) {
	var ev domain.InboundEvent
	if err := json.Unmarshal(t.Payload, &ev); err != nil {
		return ev, Permanent(fmt.Errorf("decode task %s payload: %w", t.ID, err))
	}
	return ev, nil
}
