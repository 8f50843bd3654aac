package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

var errMissingSource = errors.New("torrent source not available")

// Restore reopens every session recorded in the catalog. Stopped entries come
// back paused. Entries that fail to open are marked as errored and skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	records, err := m.repo.List(ctx, domain.SessionFilter{})
	if err != nil {
		return 0, wrapRepo(err)
	}

	restored := 0
	for _, record := range records {
		logger := m.logger.With(slog.String("infoHash", record.InfoHash.HexString()))
		if err := m.openFromRecord(ctx, record); err != nil {
			if errors.Is(err, domain.ErrAlreadyRegistered) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return restored, err
			}
			logger.Warn("restore session failed", slog.String("error", err.Error()))
			m.markFailed(ctx, record)
			continue
		}
		restored++
	}
	m.logger.Info("sessions restored", slog.Int("restored", restored), slog.Int("catalog", len(records)))
	return restored, nil
}

func (m *Manager) openFromRecord(ctx context.Context, record domain.SessionRecord) error {
	if !hasSource(record.Source) {
		return errMissingSource
	}
	_, err := m.Open(ctx, OpenInput{
		Source: record.Source,
		Paused: record.Status == domain.TorrentStopped,
	})
	return err
}

func (m *Manager) markFailed(ctx context.Context, record domain.SessionRecord) {
	if record.Status == domain.TorrentError {
		return
	}
	record.Status = domain.TorrentError
	record.UpdatedAt = time.Now().UTC()
	if err := m.repo.Upsert(ctx, record); err != nil {
		m.logger.Warn("mark catalog entry failed",
			slog.String("infoHash", record.InfoHash.HexString()),
			slog.String("error", err.Error()))
	}
}

func hasSource(src domain.TorrentSource) bool {
	_, err := src.Kind()
	return err == nil
}
