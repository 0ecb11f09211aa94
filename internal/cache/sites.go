package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/repo"
)

const siteKeyPrefix = "site:"

// Sites resolves tenants by group id, caching rows in Redis for TTL.
// A cache failure never fails the lookup; it falls through to the database.
type Sites struct {
	rdb *redis.Client
	db  *gorm.DB
	ttl time.Duration
	log zerolog.Logger
}

// NewSites builds a read-through site cache.
func NewSites(rdb *redis.Client, db *gorm.DB, ttl time.Duration, log zerolog.Logger) *Sites {
	return &Sites{rdb: rdb, db: db, ttl: ttl, log: log.With().Str("component", "site-cache").Logger()}
}

func siteKey(groupID string) string { return siteKeyPrefix + groupID }

// Get returns the site for groupID, or repo.ErrNotFound.
func (s *Sites) Get(ctx context.Context, groupID string) (*domain.Site, error) {
	raw, err := s.rdb.Get(ctx, siteKey(groupID)).Bytes()
	switch {
	case err == nil:
		var site domain.Site
		if jerr := json.Unmarshal(raw, &site); jerr == nil {
			return &site, nil
		}
		s.log.Warn().Str("group_id", groupID).Msg("discarding undecodable cached site")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("group_id", groupID).Msg("site cache read failed")
	}

	site, err := repo.GetSiteByGroupID(ctx, s.db, groupID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, repo.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load site %s: %w", groupID, err)
	}

	if b, jerr := json.Marshal(site); jerr == nil {
		if serr := s.rdb.Set(ctx, siteKey(groupID), b, s.ttl).Err(); serr != nil {
			s.log.Warn().Err(serr).Str("group_id", groupID).Msg("site cache write failed")
		}
	}
	return site, nil
}

// Invalidate drops the cached entry so the next Get reloads it.
func (s *Sites) Invalidate(ctx context.Context, groupID string) error {
	if err := s.rdb.Del(ctx, siteKey(groupID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate site %s: %w", groupID, err)
	}
	return nil
}
