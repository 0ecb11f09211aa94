// Package sequence allocates per-site defect numbers.
//
// Allocation runs inside the caller's transaction while a lock scoped to the
// site's group id is held, so two writers for the same site are strictly
// ordered and writers for different sites never wait on each other. The next
// value is MAX(seq)+1; a rolled-back transaction may leave a gap, which is
// accepted and never back-filled.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/repo"
)

// ErrLockTimeout means the site lock was not acquired within the bounded
// wait. It is transient: the enclosing task should be retried.
var ErrLockTimeout = errors.New("sequence lock timeout")

// Locker serializes allocation per key. Lock is called inside tx; the
// returned unlock runs after the transaction has committed or rolled back.
type Locker interface {
	Lock(ctx context.Context, tx *gorm.DB, key string) (unlock func(), err error)
}

// NextFunc returns the next sequence number for the locked site.
type NextFunc func() (int, error)

// Allocator hands out sequence numbers under a Locker.
type Allocator struct {
	locker Locker
}

// New returns an allocator using locker.
func New(locker Locker) *Allocator {
	return &Allocator{locker: locker}
}

// InTx opens a transaction on db, takes the lock for lockKey, and runs fn.
// fn must perform its record insert on tx; next may be called once per
// record. The lock is released only after the transaction ends.
func (a *Allocator) InTx(ctx context.Context, db *gorm.DB, lockKey string, siteID uint, fn func(tx *gorm.DB, next NextFunc) error) error {
	var unlock func()
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := a.locker.Lock(ctx, tx, lockKey)
		if err != nil {
			return err
		}
		unlock = u

		last := -1
		next := func() (int, error) {
			if last < 0 {
				cur, err := repo.MaxDefectSeq(ctx, tx, siteID)
				if err != nil {
					return 0, fmt.Errorf("failed to read max sequence: %w", err)
				}
				last = cur
			}
			last++
			return last, nil
		}
		return fn(tx, next)
	})
}
