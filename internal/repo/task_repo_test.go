package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
)

func newTask(t *testing.T, db *gorm.DB, at time.Time, max int) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          uuid.NewString(),
		EventID:     "evt-" + uuid.NewString(),
		GroupID:     "g1",
		Payload:     []byte(`{}`),
		State:       domain.TaskPending,
		MaxAttempts: max,
		ScheduledAt: at,
	}
	if err := CreateTask(context.Background(), db, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestLeaseNextTask_OrderAndExclusivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newTask(t, db, now.Add(-2*time.Second), 3)
	second := newTask(t, db, now.Add(-time.Second), 3)
	newTask(t, db, now.Add(time.Hour), 3) // not yet due

	got, err := LeaseNextTask(ctx, db, "w1", now, time.Minute)
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("expected first task, got %+v err=%v", got, err)
	}
	if got.State != domain.TaskRunning || got.Attempts != 1 || got.LeaseOwner != "w1" {
		t.Fatalf("lease fields wrong: %+v", got)
	}

	got2, _ := LeaseNextTask(ctx, db, "w2", now, time.Minute)
	if got2 == nil || got2.ID != second.ID {
		t.Fatalf("expected second task, got %+v", got2)
	}

	none, err := LeaseNextTask(ctx, db, "w3", now, time.Minute)
	if err != nil || none != nil {
		t.Fatalf("expected nothing due, got %+v err=%v", none, err)
	}
}

func TestLeaseNextTask_ExpiredLeaseIsRedelivered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := newTask(t, db, now.Add(-time.Second), 3)

	if _, err := LeaseNextTask(ctx, db, "crashed", now, time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	later := now.Add(2 * time.Second)
	got, err := LeaseNextTask(ctx, db, "w2", later, time.Minute)
	if err != nil || got == nil || got.ID != task.ID {
		t.Fatalf("expected redelivery, got %+v err=%v", got, err)
	}
	if got.Attempts != 2 || got.LeaseOwner != "w2" {
		t.Fatalf("unexpected redelivery state: %+v", got)
	}
	if err := CompleteTask(ctx, db, task.ID, "crashed", later); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale owner should lose the lease, got %v", err)
	}
	if err := CompleteTask(ctx, db, task.ID, "w2", later); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	done, _ := GetTask(ctx, db, task.ID)
	if done.State != domain.TaskSucceeded || done.LeaseExpiresAt != nil {
		t.Fatalf("expected succeeded, got %+v", done)
	}
}

func TestFailTask_RetryThenTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := newTask(t, db, now.Add(-time.Second), 3)

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := LeaseNextTask(ctx, db, "w", now, time.Minute)
		if err != nil || got == nil {
			t.Fatalf("attempt %d: lease failed: %+v %v", attempt, got, err)
		}
		state, err := FailTask(ctx, db, task.ID, "w", true, "boom", now, 0)
		if err != nil {
			t.Fatalf("FailTask: %v", err)
		}
		want := domain.TaskFailedRetryable
		if attempt == 3 {
			want = domain.TaskFailedTerminal
		}
		if state != want {
			t.Fatalf("attempt %d: state=%s want %s", attempt, state, want)
		}
	}

	if got, _ := LeaseNextTask(ctx, db, "w", now.Add(time.Hour), time.Minute); got != nil {
		t.Fatalf("terminal task must never be redelivered: %+v", got)
	}
	final, _ := GetTask(ctx, db, task.ID)
	if final.Attempts != 3 || final.LastError != "boom" {
		t.Fatalf("final task: %+v", final)
	}
}

func TestFailTask_NonRetryableIsTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := newTask(t, db, now.Add(-time.Second), 3)

	_, _ = LeaseNextTask(ctx, db, "w", now, time.Minute)
	state, err := FailTask(ctx, db, task.ID, "w", false, "bad payload", now, 0)
	if err != nil || state != domain.TaskFailedTerminal {
		t.Fatalf("state=%s err=%v", state, err)
	}
	if _, err := FailTask(ctx, db, task.ID, "w", true, "again", now, 0); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("settling a terminal task: want ErrLeaseLost, got %v", err)
	}
}

func TestExpireExhaustedLeases(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := newTask(t, db, now.Add(-time.Second), 1)

	if _, err := LeaseNextTask(ctx, db, "crashed", now, time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	later := now.Add(time.Minute)
	if got, _ := LeaseNextTask(ctx, db, "w2", later, time.Minute); got != nil {
		t.Fatalf("exhausted task must not be leased again")
	}
	expired, err := ExpireExhaustedLeases(ctx, db, later)
	if err != nil || len(expired) != 1 || expired[0].ID != task.ID {
		t.Fatalf("ExpireExhaustedLeases=%+v err=%v", expired, err)
	}
	final, _ := GetTask(ctx, db, task.ID)
	if final.State != domain.TaskFailedTerminal {
		t.Fatalf("state=%s", final.State)
	}
}

func TestCountAndListTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	newTask(t, db, now, 3)
	newTask(t, db, now, 3)
	leased := newTask(t, db, now.Add(-time.Minute), 3)
	_, _ = LeaseNextTask(ctx, db, "w", now, time.Minute)

	counts, err := CountTasksByState(ctx, db)
	if err != nil {
		t.Fatalf("CountTasksByState: %v", err)
	}
	if counts[domain.TaskPending] != 2 || counts[domain.TaskRunning] != 1 {
		t.Fatalf("counts=%v", counts)
	}

	rows, total, err := ListTasks(ctx, db, domain.TaskRunning, 0, 10)
	if err != nil || total != 1 || len(rows) != 1 || rows[0].ID != leased.ID {
		t.Fatalf("ListTasks rows=%+v total=%d err=%v", rows, total, err)
	}
	all, total, _ := ListTasks(ctx, db, "", 0, 2)
	if total != 3 || len(all) != 2 {
		t.Fatalf("paging: total=%d len=%d", total, len(all))
	}
}
