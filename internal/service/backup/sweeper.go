package backup

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = time.Hour
	sweepTimeout         = 5 * time.Minute
)

// Sweeper periodically deletes expired backups.
type Sweeper struct {
	backups  Service
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper running every interval.
func NewSweeper(backups Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		backups:  backups,
		interval: interval,
		logger:   logger.With("component", "backup_sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup sweeper started", "interval", s.interval)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup sweeper stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Sweeper) runIteration(parent context.Context) int {
	timeout := sweepTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	removed, err := s.backups.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Warn("backup sweep incomplete", "removed", removed, "error", err)
		return removed
	}
	if removed > 0 {
		s.logger.Info("expired backups removed", "removed", removed)
	}
	return removed
}
