// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the dedup store: one row per accepted
// inbound event id, inserted atomically before the event is enqueued.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
)

// InsertProcessed records eventID as accepted. It returns ErrDuplicate when
// the id was already recorded; the primary key makes the check-and-insert
// atomic across every process sharing the database.
func InsertProcessed(ctx context.Context, db *gorm.DB, eventID, groupID string, now time.Time) error {
	rec := &domain.ProcessedEvent{
		EventID:    eventID,
		GroupID:    groupID,
		AcceptedAt: now.UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// DeleteProcessed removes a dedup record. Used only to compensate when the
// enqueue that followed the insert failed.
func DeleteProcessed(ctx context.Context, db *gorm.DB, eventID string) error {
	return db.WithContext(ctx).Delete(&domain.ProcessedEvent{}, "event_id = ?", eventID).Error
}

// IsProcessed reports whether eventID has a dedup record.
func IsProcessed(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ProcessedEvent{}).Where("event_id = ?", eventID).Count(&n).Error
	return n > 0, err
}

// PurgeProcessed deletes dedup records accepted before the cutoff and returns
// the number of rows removed.
func PurgeProcessed(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("accepted_at < ?", before.UTC()).Delete(&domain.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
