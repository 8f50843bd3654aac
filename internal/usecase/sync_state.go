package usecase

import (
	"context"
	"log/slog"
	"time"
)

// SyncState periodically saves resume records and the DHT node set and
// refreshes the catalog, so a crash loses at most one interval of progress.
type SyncState struct {
	Manager  *Manager
	Logger   *slog.Logger
	Interval time.Duration
}

func (s SyncState) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

func (s SyncState) sync(ctx context.Context) {
	if s.Manager.Len() == 0 {
		return
	}
	if err := s.Manager.SaveAll(ctx); err != nil {
		s.logger().Warn("autosave failed", slog.String("error", err.Error()))
	}
}

func (s SyncState) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
