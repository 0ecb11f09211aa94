package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/repo"
)

// PurgeService deletes dedup records older than the retention horizon.
type PurgeService struct {
	DB        *gorm.DB
	Retention time.Duration
	Log       zerolog.Logger

	Now func() time.Time
}

// PurgeOnce removes every dedup record accepted before now-Retention.
func (s *PurgeService) PurgeOnce(ctx context.Context) (int64, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	n, err := repo.PurgeProcessed(ctx, s.DB, now().UTC().Add(-s.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info().Int64("deleted", n).Dur("retention", s.Retention).Msg("dedup records purged")
	}
	return n, nil
}

// Run purges on every tick until ctx is cancelled. Errors are logged and
// the loop continues.
func (s *PurgeService) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if _, err := s.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error().Err(err).Msg("dedup purge failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
