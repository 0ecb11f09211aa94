package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/metrics"
	"github.com/tbourn/go-site-agent/internal/sysutil"
)

// Handler processes one event. Returning an error fails the attempt; wrap
// with Permanent to skip remaining attempts.
type Handler func(ctx context.Context, ev domain.InboundEvent) error

// PoolOptions tune a Pool.
//
// TaskTimeout cancels the handler's context; it cannot stop a handler that
// ignores ctx. The queue lease must outlast TaskTimeout by enough grace for
// the handler to notice cancellation, or a second worker may lease the task
// while the first run is still going.
type PoolOptions struct {
	Concurrency  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// Pool runs Concurrency workers that lease and execute tasks.
type Pool struct {
	q       *Queue
	handle  Handler
	opts    PoolOptions
	id      string
	log     zerolog.Logger
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPool builds a pool; call Start to run it.
func NewPool(q *Queue, h Handler, opts PoolOptions, log zerolog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 300 * time.Second
	}
	id := sysutil.InstanceID()
	return &Pool{
		q:      q,
		handle: h,
		opts:   opts,
		id:     id,
		log:    log.With().Str("component", "worker").Str("pool", id).Logger(),
		stop:   make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx stops polling; in-flight tasks
// keep their own deadline.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("concurrency", p.opts.Concurrency).Msg("worker pool started")
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, fmt.Sprintf("%s/%d", p.id, i))
	}
}

// Stop halts dequeues and waits up to drain for in-flight tasks. It reports
// whether all workers finished in time; unfinished tasks are redelivered
// after their lease expires.
func (p *Pool) Stop(drain time.Duration) bool {
	p.stopped.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info().Msg("worker pool drained")
		return true
	case <-time.After(drain):
		p.log.Warn().Dur("drain_timeout", drain).Msg("abandoning in-flight tasks")
		return false
	}
}

func (p *Pool) loop(ctx context.Context, owner string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		t, err := p.q.Dequeue(ctx, owner)
		if err != nil {
			if !errors.Is(err, ErrNoTask) && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("dequeue failed")
			}
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		p.run(ctx, t)
	}
}

// run executes one leased task and settles it. Settlement uses a context
// detached from shutdown so a stopping pool still records outcomes.
func (p *Pool) run(ctx context.Context, t *domain.Task) {
	log := p.log.With().
		Str("task_id", t.ID).
		Str("event_id", t.EventID).
		Str("group_id", t.GroupID).
		Int("attempt", t.Attempts).
		Logger()
	base := context.WithoutCancel(ctx)
	start := time.Now()

	err := p.execute(base, t)
	metrics.TaskDuration.Observe(time.Since(start).Seconds())

	settle, cancel := context.WithTimeout(base, 10*time.Second)
	defer cancel()
	if err == nil {
		if cerr := p.q.Complete(settle, t); cerr != nil {
			log.Warn().Err(cerr).Msg("complete failed")
			return
		}
		metrics.TasksProcessed.WithLabelValues("succeeded").Inc()
		log.Info().Dur("elapsed", time.Since(start)).Msg("task succeeded")
		return
	}

	state, ferr := p.q.Fail(settle, t, err)
	if ferr != nil {
		log.Warn().Err(ferr).AnErr("cause", err).Msg("fail bookkeeping failed")
		return
	}
	if state == domain.TaskFailedRetryable {
		metrics.TasksProcessed.WithLabelValues("retry").Inc()
		log.Warn().Err(err).Msg("task failed; will retry")
		return
	}
	metrics.TasksProcessed.WithLabelValues("terminal").Inc()
}

func (p *Pool) execute(base context.Context, t *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task handler: %v", r)
		}
	}()

	ev, err := Decode(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(base, p.opts.TaskTimeout)
	defer cancel()
	if err := p.handle(ctx, ev); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task timed out after %s: %w", p.opts.TaskTimeout, err)
		}
		return err
	}
	return nil
}
