// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the task table operations behind the
// durable queue: insert, lease, settle, and operator queries.
//
// Leasing is a two-step select-then-conditional-update. The update repeats
// the eligibility predicate, so when two workers race for the same row only
// one sees RowsAffected == 1.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
)

// ErrLeaseLost is returned when a worker settles a task it no longer owns.
var ErrLeaseLost = errors.New("task lease lost")

// leaseCandidates bounds how many due rows one lease attempt inspects.
const leaseCandidates = 5

// CreateTask inserts a new pending task.
func CreateTask(ctx context.Context, db *gorm.DB, t *domain.Task) error {
	return db.WithContext(ctx).Create(t).Error
}

// GetTask loads one task by id.
func GetTask(ctx context.Context, db *gorm.DB, id string) (*domain.Task, error) {
	var t domain.Task
	err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// eligible is the lease predicate: due retryable work, or a running task
// whose lease expired and which still has attempts left.
func eligible(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where(
		"((state IN ? AND scheduled_at <= ?) OR (state = ? AND lease_expires_at < ? AND attempts < max_attempts))",
		[]domain.TaskState{domain.TaskPending, domain.TaskFailedRetryable}, now,
		domain.TaskRunning, now,
	)
}

// LeaseNextTask claims the oldest eligible task for owner until now+lease and
// increments its attempt count. It returns (nil, nil) when nothing is due.
func LeaseNextTask(ctx context.Context, db *gorm.DB, owner string, now time.Time, lease time.Duration) (*domain.Task, error) {
	var ids []string
	err := eligible(db.WithContext(ctx).Model(&domain.Task{}), now).
		Order("scheduled_at ASC, created_at ASC").
		Limit(leaseCandidates).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	until := now.Add(lease)
	for _, id := range ids {
		res := eligible(db.WithContext(ctx).Model(&domain.Task{}).Where("id = ?", id), now).
			Updates(map[string]any{
				"state":            domain.TaskRunning,
				"lease_owner":      owner,
				"lease_expires_at": until,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return GetTask(ctx, db, id)
		}
	}
	return nil, nil
}

// ExpireExhaustedLeases moves running tasks whose lease ran out on their
// final attempt to failed_terminal and returns them for reporting.
func ExpireExhaustedLeases(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Task, error) {
	var stale []domain.Task
	err := db.WithContext(ctx).
		Where("state = ? AND lease_expires_at < ? AND attempts >= max_attempts", domain.TaskRunning, now).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	out := stale[:0]
	for _, t := range stale {
		res := db.WithContext(ctx).Model(&domain.Task{}).
			Where("id = ? AND state = ? AND lease_expires_at < ?", t.ID, domain.TaskRunning, now).
			Updates(map[string]any{
				"state":            domain.TaskFailedTerminal,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"last_error":       "lease expired on final attempt",
				"updated_at":       now,
			})
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 1 {
			t.State = domain.TaskFailedTerminal
			out = append(out, t)
		}
	}
	return out, nil
}

// CompleteTask marks a leased task succeeded.
func CompleteTask(ctx context.Context, db *gorm.DB, id, owner string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, domain.TaskRunning, owner).
		Updates(map[string]any{
			"state":            domain.TaskSucceeded,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       "",
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FailTask settles a leased task after a failed run. A retryable failure with
// attempts left goes back to failed_retryable, scheduled at now+backoff;
// anything else becomes failed_terminal. The resulting state is returned.
func FailTask(ctx context.Context, db *gorm.DB, id, owner string, retryable bool, cause string, now time.Time, backoff time.Duration) (domain.TaskState, error) {
	var next domain.TaskState
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t domain.Task
		if err := tx.Where("id = ? AND state = ? AND lease_owner = ?", id, domain.TaskRunning, owner).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLeaseLost
			}
			return err
		}

		next = domain.TaskFailedTerminal
		scheduled := t.ScheduledAt
		if retryable && t.Attempts < t.MaxAttempts {
			next = domain.TaskFailedRetryable
			scheduled = now.Add(backoff)
		}
		return tx.Model(&domain.Task{}).Where("id = ?", id).Updates(map[string]any{
			"state":            next,
			"scheduled_at":     scheduled,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       cause,
			"updated_at":       now,
		}).Error
	})
	return next, err
}

// CountTasksByState returns the number of tasks in each state.
func CountTasksByState(ctx context.Context, db *gorm.DB) (map[domain.TaskState]int64, error) {
	var rows []struct {
		State domain.TaskState
		N     int64
	}
	err := db.WithContext(ctx).Model(&domain.Task{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// ListTasks pages through tasks, optionally filtered by state, newest first.
func ListTasks(ctx context.Context, db *gorm.DB, state domain.TaskState, offset, limit int) ([]domain.Task, int64, error) {
	q := db.WithContext(ctx).Model(&domain.Task{})
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.Task
	err := q.Session(&gorm.Session{}).Order("updated_at DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}
