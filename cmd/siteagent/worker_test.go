package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-site-agent/internal/config"
	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/orchestrator"
	"github.com/tbourn/go-site-agent/internal/queue"
	"github.com/tbourn/go-site-agent/internal/repo"
	"github.com/tbourn/go-site-agent/internal/sequence"
	"github.com/tbourn/go-site-agent/internal/tools"
)

const chatReply = `{"id":"c1","object":"chat.completion","model":"gpt-test",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"שלום"},"finish_reason":"stop"}]}`

// newWorkerApp wires a real app around sqlite, miniredis, a bridge stub and
// model, the given chat completions handler.
func newWorkerApp(t *testing.T, model http.HandlerFunc, taskTimeout, backoff time.Duration) *app {
	t.Helper()

	llm := httptest.NewServer(model)
	t.Cleanup(llm.Close)
	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(bridgeSrv.Close)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))
	require.NoError(t, db.Create(&domain.Site{GroupID: "site-7", Name: "Site 7"}).Error)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{
		DBDriver:        repo.DriverSQLite,
		SiteCacheTTL:    time.Minute,
		SequenceLockTTL: 10 * time.Second,
		SequenceWait:    time.Second,
		Queue: config.QueueConfig{
			Concurrency:  1,
			PollInterval: 10 * time.Millisecond,
			TaskTimeout:  taskTimeout,
			MaxAttempts:  3,
			RetryBackoff: backoff,
		},
		Agent: config.AgentConfig{
			OpenAIKey:       "test",
			OpenAIBaseURL:   llm.URL + "/v1",
			Model:           "gpt-test",
			MaxIterations:   3,
			Similarity:      0.6,
			MaxDescription:  500,
			ReportBatchSize: 20,
			MemoryTTL:       time.Hour,
			MemoryMaxTurns:  20,
		},
		Bridge: config.BridgeConfig{BaseURL: bridgeSrv.URL, Timeout: time.Second, Retries: 1},
	}
	q := queue.New(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.RetryBackoff,
		Lease:       taskTimeout + time.Second,
	}, zerolog.Nop())

	return &app{cfg: cfg, log: zerolog.Nop(), db: db, rdb: rdb, queue: q,
		shutdownOTel: func(context.Context) error { return nil }}
}

func TestWorkerPool_RetriesUntilAttemptCap(t *testing.T) {
	cases := []struct {
		name         string
		model        func(hits *atomic.Int32) http.HandlerFunc
		wantState    domain.TaskState
		wantAttempts int
	}{
		{
			name: "task timeout",
			model: func(hits *atomic.Int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					hits.Add(1)
					select {
					case <-r.Context().Done():
					case <-time.After(5 * time.Second):
					}
				}
			},
			wantState:    domain.TaskFailedTerminal,
			wantAttempts: 3,
		},
		{
			name: "upstream unavailable",
			model: func(hits *atomic.Int32) http.HandlerFunc {
				return func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				}
			},
			wantState:    domain.TaskFailedTerminal,
			wantAttempts: 3,
		},
		{
			name: "success",
			model: func(hits *atomic.Int32) http.HandlerFunc {
				return func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.Header().Set("Content-Type", "application/json")
					_, _ = w.Write([]byte(chatReply))
				}
			},
			wantState:    domain.TaskSucceeded,
			wantAttempts: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			a := newWorkerApp(t, tc.model(&hits), 200*time.Millisecond, 300*time.Millisecond)
			ctx, cancel := context.WithCancel(context.Background())

			id, err := a.queue.Enqueue(ctx, domain.InboundEvent{
				MessageID: "evt-100", GroupID: "site-7", Sender: "972500000001",
				Type: domain.KindMessage, MessageText: "יש סדק בקיר",
			})
			require.NoError(t, err)

			pool := a.newPool()
			pool.Start(ctx)
			t.Cleanup(func() {
				cancel()
				pool.Stop(2 * time.Second)
			})

			task := func() domain.Task {
				got, err := repo.GetTask(context.Background(), a.db, id)
				if err != nil {
					return domain.Task{}
				}
				return *got
			}

			if tc.wantAttempts > 1 {
				// The first failure leaves the task due again, not terminal.
				require.Eventually(t, func() bool {
					got := task()
					return got.State == domain.TaskFailedRetryable && got.Attempts == 1
				}, 3*time.Second, 5*time.Millisecond)
			}

			require.Eventually(t, func() bool {
				return task().State == tc.wantState
			}, 5*time.Second, 10*time.Millisecond)

			got := task()
			assert.Equal(t, tc.wantAttempts, got.Attempts)
			assert.EqualValues(t, tc.wantAttempts, hits.Load())
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	retryable := []error{
		fmt.Errorf("task timed out after 1s: %w", context.DeadlineExceeded),
		fmt.Errorf("add defect: %w", sequence.ErrLockTimeout),
		fmt.Errorf("resolve site: %w", errors.New("connection refused")),
	}
	for _, err := range retryable {
		assert.False(t, queue.IsPermanent(classify(err)), err.Error())
	}

	permanent := []error{
		fmt.Errorf("%w: build input: bad", orchestrator.ErrMalformedEvent),
		fmt.Errorf("add_defect: %w", tools.ErrInvalidArguments),
	}
	for _, err := range permanent {
		got := classify(err)
		assert.True(t, queue.IsPermanent(got), err.Error())
		assert.ErrorIs(t, got, errors.Unwrap(err))
	}
}
