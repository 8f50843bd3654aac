package session

import (
	"log/slog"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/metrics"
)

// pieceEvents adapts engine callbacks to the session without exporting the
// handler methods on Session.
type pieceEvents struct {
	s *Session
}

// PieceVerified records the verification result, pass or fail. Verification
// always overwrites an earlier block-received mark.
func (e pieceEvents) PieceVerified(ev domain.PieceVerified) {
	result := "fail"
	if ev.Passed {
		result = "pass"
	}
	if e.s.apply("verified", ev.Index, ev.PieceCount, ev.Passed) {
		metrics.PieceEventsTotal.WithLabelValues("verified", result).Inc()
	}
}

// BlockReceived marks the piece present before it is verified. The mark is
// provisional and only feeds progress display.
func (e pieceEvents) BlockReceived(ev domain.BlockReceived) {
	if e.s.apply("block", ev.Index, ev.PieceCount, true) {
		metrics.PieceEventsTotal.WithLabelValues("block", "pass").Inc()
	}
}

// apply sizes the map if needed, writes one flag and notifies observers.
// Unusable events are logged and dropped; they never reach observers.
func (s *Session) apply(kind string, index, pieceCount int, value bool) bool {
	if s.disposed.Load() {
		return false
	}
	switch {
	case pieceCount > 0:
		// Sizes an unsized map; rejects a count that disagrees with the map.
		if err := s.pieces.EnsureSized(pieceCount); err != nil {
			s.drop(kind, index, pieceCount, err)
			return false
		}
	case !s.pieces.Sized():
		s.drop(kind, index, pieceCount, domain.ErrNotSized)
		return false
	}
	if err := s.pieces.Mark(index, value); err != nil {
		s.drop(kind, index, pieceCount, err)
		return false
	}
	s.notify(index)
	return true
}

func (s *Session) drop(kind string, index, pieceCount int, err error) {
	metrics.PieceEventsDroppedTotal.WithLabelValues(kind).Inc()
	s.logger.Error("piece event ignored",
		slog.String("kind", kind),
		slog.Int("index", index),
		slog.Int("pieceCount", pieceCount),
		slog.String("error", err.Error()),
	)
}

// notify delivers a snapshot to every observer. lastPiece is -1 for bulk
// changes.
func (s *Session) notify(lastPiece int) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}

	snapshot, _ := s.pieces.Snapshot()
	ev := domain.NewPieceMapChanged(s.ih, snapshot, lastPiece)
	for _, o := range observers {
		o(ev)
	}
	metrics.PieceMapNotificationsTotal.Inc()
}
