// Package services – IngestService
//
// IngestService is the admission decision for inbound bridge events. It
// applies the per-group rate limit, claims the event id in the dedup store
// and enqueues a task. It never waits for processing.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/metrics"
	"github.com/tbourn/go-site-agent/internal/ratelimit"
	"github.com/tbourn/go-site-agent/internal/repo"
)

// Outcome is the gate decision reported back to the bridge.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeThrottled Outcome = "throttled"
)

// Limiter admits or rejects work for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Enqueuer persists an accepted event as a task and returns its id.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev domain.InboundEvent) (string, error)
}

// IngestResult is returned by Accept.
type IngestResult struct {
	Outcome    Outcome
	TaskID     string
	RetryAfter time.Duration
}

// IngestService gates inbound events.
type IngestService struct {
	DB      *gorm.DB
	Limiter Limiter
	Queue   Enqueuer
	Log     zerolog.Logger

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// Accept applies the admission rules in order: rate limit by group,
// dedup insert, enqueue. A throttled event yields ErrThrottled together with
// a result carrying RetryAfter. A replayed event id yields OutcomeDuplicate
// and no error. If the enqueue fails the dedup claim is removed again so a
// redelivery can succeed, and ErrEnqueueFailed is returned.
func (s *IngestService) Accept(ctx context.Context, ev domain.InboundEvent) (IngestResult, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "Accept",
		trace.WithAttributes(
			attribute.String("event.id", ev.MessageID),
			attribute.String("group.id", ev.GroupID),
		))
	defer span.End()

	if strings.TrimSpace(ev.MessageID) == "" || strings.TrimSpace(ev.GroupID) == "" {
		return IngestResult{}, ErrInvalidEvent
	}
	log := s.Log.With().Str("event_id", ev.MessageID).Str("group_id", ev.GroupID).Logger()

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(ctx, ev.GroupID)
		switch {
		case err != nil:
			// Redis unavailable: admit rather than drop the event.
			log.Warn().Err(err).Msg("rate limiter unavailable; admitting")
		case !d.Allowed:
			metrics.IngestOutcomes.WithLabelValues(string(OutcomeThrottled)).Inc()
			log.Info().Int64("count", d.Count).Dur("retry_after", d.RetryAfter).Msg("throttled")
			return IngestResult{Outcome: OutcomeThrottled, RetryAfter: d.RetryAfter}, ErrThrottled
		}
	}

	now := s.now()
	if err := repo.InsertProcessed(ctx, s.DB, ev.MessageID, ev.GroupID, now); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			metrics.IngestOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
			log.Info().Msg("duplicate event")
			return IngestResult{Outcome: OutcomeDuplicate}, nil
		}
		span.RecordError(err)
		return IngestResult{}, fmt.Errorf("dedup insert: %w", err)
	}

	taskID, err := s.Queue.Enqueue(ctx, ev)
	if err != nil {
		span.RecordError(err)
		// The claim must not outlive a failed enqueue; use a context the
		// caller cannot cancel out from under the rollback.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := repo.DeleteProcessed(rctx, s.DB, ev.MessageID); derr != nil {
			log.Error().Err(derr).Msg("dedup rollback failed; event will be treated as duplicate")
		}
		metrics.IngestOutcomes.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	metrics.IngestOutcomes.WithLabelValues(string(OutcomeAccepted)).Inc()
	log.Info().Str("task_id", taskID).Msg("event accepted")
	return IngestResult{Outcome: OutcomeAccepted, TaskID: taskID}, nil
}

func (s *IngestService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
