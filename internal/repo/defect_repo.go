// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for defects.
//
// Functions take a *gorm.DB so they compose inside transactions; the
// sequence allocator and the defect tools call them on the same tx.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
)

// DefectFilter narrows ListDefects. Zero values disable a filter; all set
// filters are combined with AND so their order does not matter.
type DefectFilter struct {
	Status      string // exact
	Supplier    string // exact
	Description string // case-insensitive substring
	SeqFrom     int    // inclusive range, used when SeqTo > 0
	SeqTo       int
	Seqs        []int // explicit id set
}

// MaxDefectSeq returns the highest sequence number used by the site, or 0.
func MaxDefectSeq(ctx context.Context, db *gorm.DB, siteID uint) (int, error) {
	var n int
	err := db.WithContext(ctx).
		Model(&domain.Defect{}).
		Where("site_id = ?", siteID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&n).Error
	return n, err
}

// CreateDefect inserts d. A clash on (site_id, seq) maps to ErrDuplicate.
func CreateDefect(ctx context.Context, db *gorm.DB, d *domain.Defect) error {
	if d.Status == "" {
		d.Status = domain.StatusOpen
	}
	if err := db.WithContext(ctx).Create(d).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetDefect fetches one defect by its per-site sequence number.
func GetDefect(ctx context.Context, db *gorm.DB, siteID uint, seq int) (*domain.Defect, error) {
	var d domain.Defect
	err := db.WithContext(ctx).Where("site_id = ? AND seq = ?", siteID, seq).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDefectBySource fetches the defect created by the tool call key.
func GetDefectBySource(ctx context.Context, db *gorm.DB, siteID uint, key string) (*domain.Defect, error) {
	var d domain.Defect
	err := db.WithContext(ctx).Where("site_id = ? AND source_key = ?", siteID, key).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDefectFields applies only the given columns and returns the updated
// row. Callers pass just the non-empty fields they want changed.
func UpdateDefectFields(ctx context.Context, db *gorm.DB, siteID uint, seq int, fields map[string]any) (*domain.Defect, error) {
	if len(fields) > 0 {
		res := db.WithContext(ctx).
			Model(&domain.Defect{}).
			Where("site_id = ? AND seq = ?", siteID, seq).
			Updates(fields)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return GetDefect(ctx, db, siteID, seq)
}

// ListDefects returns the site's defects matching f, ordered by sequence.
func ListDefects(ctx context.Context, db *gorm.DB, siteID uint, f DefectFilter) ([]domain.Defect, error) {
	q := db.WithContext(ctx).Where("site_id = ?", siteID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Supplier != "" {
		q = q.Where("supplier = ?", f.Supplier)
	}
	if s := strings.TrimSpace(f.Description); s != "" {
		q = q.Where("LOWER(description) LIKE ?", "%"+strings.ToLower(s)+"%")
	}
	if f.SeqTo > 0 {
		q = q.Where("seq BETWEEN ? AND ?", f.SeqFrom, f.SeqTo)
	}
	if len(f.Seqs) > 0 {
		q = q.Where("seq IN ?", f.Seqs)
	}
	var out []domain.Defect
	err := q.Order("seq ASC").Find(&out).Error
	return out, err
}
