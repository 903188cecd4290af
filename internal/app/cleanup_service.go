package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// pruner deletes ledger entries older than a retention period.
type pruner interface {
	DeleteOlderThan(retention time.Duration) (int64, error)
}

// CleanupService periodically prunes the command ledger.
type CleanupService struct {
	ledger    pruner
	interval  time.Duration
	retention time.Duration
}

// NewCleanupService creates a cleanup loop for the ledger.
func NewCleanupService(ledger pruner, interval time.Duration, retentionDays int) *CleanupService {
	return &CleanupService{
		ledger:    ledger,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Run prunes once at startup and then every interval until ctx is done.
func (s *CleanupService) Run(ctx context.Context) error {
	if s.interval <= 0 || s.retention <= 0 {
		log.Debug().Msg("Ledger cleanup disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.prune()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *CleanupService) prune() {
	n, err := s.ledger.DeleteOlderThan(s.retention)
	if err != nil {
		log.Warn().Err(err).Msg("Ledger cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", s.retention).Msg("Pruned ledger entries")
	}
}
