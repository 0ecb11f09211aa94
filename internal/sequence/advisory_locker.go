package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AdvisoryLocker uses Postgres transaction-scoped advisory locks. The lock
// is released by commit/rollback, and lock_timeout bounds the wait.
type AdvisoryLocker struct {
	wait time.Duration
}

// NewAdvisoryLocker returns a Postgres-only locker.
func NewAdvisoryLocker(wait time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{wait: wait}
}

// Lock takes pg_advisory_xact_lock on a hash of key within tx.
func (l *AdvisoryLocker) Lock(ctx context.Context, tx *gorm.DB, key string) (func(), error) {
	ms := l.wait.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	// SET LOCAL does not accept bind parameters.
	if err := tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
		return nil, fmt.Errorf("failed to set lock_timeout: %w", err)
	}
	if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
		if isLockTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
	}
	return func() {}, nil
}

// isLockTimeout matches SQLSTATE 55P03 (lock_not_available).
func isLockTimeout(err error) bool {
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "55p03") || strings.Contains(low, "lock timeout")
}
