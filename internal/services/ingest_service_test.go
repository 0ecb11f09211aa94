package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/queue"
	"github.com/tbourn/go-site-agent/internal/ratelimit"
	"github.com/tbourn/go-site-agent/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newLimiter(t *testing.T, max int) *ratelimit.SlidingWindow {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ratelimit.NewSlidingWindow(rdb, max, time.Minute)
}

func evt(id string) domain.InboundEvent {
	return domain.InboundEvent{MessageID: id, GroupID: "site-7", Sender: "972500000000", Type: domain.KindMessage, MessageText: "שלום"}
}

type failingQueue struct{ err error }

func (f failingQueue) Enqueue(context.Context, domain.InboundEvent) (string, error) {
	return "", f.err
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func countTasks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&domain.Task{}).Count(&n).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	return n
}

func mustProcessed(t *testing.T, db *gorm.DB, id string) bool {
	t.Helper()
	ok, err := repo.IsProcessed(context.Background(), db, id)
	if err != nil {
		t.Fatalf("IsProcessed(%s): %v", id, err)
	}
	return ok
}

func TestAccept_DuplicateEventEnqueuedOnce(t *testing.T) {
	db := newTestDB(t)
	q := queue.New(db, queue.Options{MaxAttempts: 3}, zerolog.Nop())
	svc := &IngestService{DB: db, Limiter: newLimiter(t, 20), Queue: q, Log: zerolog.Nop()}
	ctx := context.Background()

	res, err := svc.Accept(ctx, evt("evt-100"))
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.TaskID == "" {
		t.Fatalf("first accept: got %+v", res)
	}

	res, err = svc.Accept(ctx, evt("evt-100"))
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if res.Outcome != OutcomeDuplicate || res.TaskID != "" {
		t.Fatalf("second accept: got %+v, want duplicate without task", res)
	}

	if n := countTasks(t, db); n != 1 {
		t.Fatalf("tasks=%d want 1", n)
	}
}

func TestAccept_TerminalTaskStillDuplicate(t *testing.T) {
	db := newTestDB(t)
	q := queue.New(db, queue.Options{MaxAttempts: 3}, zerolog.Nop())
	svc := &IngestService{DB: db, Limiter: newLimiter(t, 20), Queue: q, Log: zerolog.Nop()}
	ctx := context.Background()

	if _, err := svc.Accept(ctx, evt("evt-200")); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var state domain.TaskState
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx, "w1")
		if err != nil {
			t.Fatalf("attempt %d dequeue: %v", i+1, err)
		}
		if state, err = q.Fail(ctx, task, errors.New("bridge unavailable")); err != nil {
			t.Fatalf("attempt %d fail: %v", i+1, err)
		}
	}
	if state != domain.TaskFailedTerminal {
		t.Fatalf("state=%s want %s", state, domain.TaskFailedTerminal)
	}

	res, err := svc.Accept(ctx, evt("evt-200"))
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivery: res=%+v err=%v, want duplicate", res, err)
	}
	if n := countTasks(t, db); n != 1 {
		t.Fatalf("tasks=%d want 1", n)
	}
	if _, err := q.Dequeue(ctx, "w1"); !errors.Is(err, queue.ErrNoTask) {
		t.Fatalf("dequeue after terminal: want ErrNoTask, got %v", err)
	}
}

func TestAccept_Throttled(t *testing.T) {
	db := newTestDB(t)
	q := queue.New(db, queue.Options{}, zerolog.Nop())
	svc := &IngestService{DB: db, Limiter: newLimiter(t, 2), Queue: q, Log: zerolog.Nop()}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Accept(ctx, evt(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("accept e%d: %v", i, err)
		}
	}
	res, err := svc.Accept(ctx, evt("e2"))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("want ErrThrottled, got %v", err)
	}
	if res.Outcome != OutcomeThrottled || res.RetryAfter <= 0 {
		t.Fatalf("throttled result: %+v", res)
	}
	if mustProcessed(t, db, "e2") {
		t.Fatal("a throttled event must not claim its id")
	}

	other := evt("e3")
	other.GroupID = "site-8"
	res, err = svc.Accept(ctx, other)
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("other group: res=%+v err=%v, want accepted", res, err)
	}
}

func TestAccept_EnqueueFailureRollsBackDedup(t *testing.T) {
	db := newTestDB(t)
	svc := &IngestService{DB: db, Queue: failingQueue{err: errors.New("disk full")}, Log: zerolog.Nop()}
	ctx := context.Background()

	if _, err := svc.Accept(ctx, evt("evt-300")); !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("want ErrEnqueueFailed, got %v", err)
	}
	if mustProcessed(t, db, "evt-300") {
		t.Fatal("dedup record should be removed after a failed enqueue")
	}

	// Redelivery succeeds once the queue recovers.
	svc.Queue = queue.New(db, queue.Options{}, zerolog.Nop())
	res, err := svc.Accept(ctx, evt("evt-300"))
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("redelivery: res=%+v err=%v, want accepted", res, err)
	}
}

func TestAccept_LimiterErrorAdmits(t *testing.T) {
	db := newTestDB(t)
	svc := &IngestService{DB: db, Limiter: brokenLimiter{}, Queue: queue.New(db, queue.Options{}, zerolog.Nop()), Log: zerolog.Nop()}
	res, err := svc.Accept(context.Background(), evt("evt-400"))
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("res=%+v err=%v, want accepted", res, err)
	}
}

func TestAccept_InvalidEvent(t *testing.T) {
	svc := &IngestService{DB: newTestDB(t), Log: zerolog.Nop()}
	for _, ev := range []domain.InboundEvent{
		{GroupID: "g"},
		{MessageID: "m", GroupID: "  "},
	} {
		if _, err := svc.Accept(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%+v: want ErrInvalidEvent, got %v", ev, err)
		}
	}
}

func TestPurgeOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.InsertProcessed(ctx, db, "old", "g", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := repo.InsertProcessed(ctx, db, "fresh", "g", now.Add(-time.Hour)); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	p := &PurgeService{DB: db, Retention: 24 * time.Hour, Log: zerolog.Nop(), Now: func() time.Time { return now }}
	n, err := p.PurgeOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOnce: n=%d err=%v, want 1", n, err)
	}
	if !mustProcessed(t, db, "fresh") {
		t.Fatal("fresh record should survive the purge")
	}
}

func TestPurgeRun_StopsOnCancel(t *testing.T) {
	p := &PurgeService{DB: newTestDB(t), Retention: time.Hour, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx, 10*time.Millisecond); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
