package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
)

// GetSiteByGroupID loads the tenant bound to a chat group, or ErrNotFound.
func GetSiteByGroupID(ctx context.Context, db *gorm.DB, groupID string) (*domain.Site, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, ErrNotFound
	}
	var s domain.Site
	err := db.WithContext(ctx).Where("group_id = ?", groupID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
