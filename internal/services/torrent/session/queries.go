package session

import (
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

// Accessors on a disposed session return zero values; Status and Record
// return ErrDisposed.

func (s *Session) InfoHash() domain.InfoHash {
	return s.ih
}

func (s *Session) Source() domain.TorrentSource {
	return s.source
}

// Pieces returns a copy of the piece map and whether it is sized.
func (s *Session) Pieces() ([]bool, bool) {
	if s.disposed.Load() {
		return nil, false
	}
	return s.pieces.Snapshot()
}

// HasAllPieces consults only the piece map.
func (s *Session) HasAllPieces() bool {
	if s.disposed.Load() {
		return false
	}
	return s.pieces.Complete()
}

// IsComplete also trusts the engine's own view.
func (s *Session) IsComplete() bool {
	if s.disposed.Load() {
		return false
	}
	return s.handle.Complete() || s.handle.State() == domain.StateSeeding
}

func (s *Session) IsDownloading() bool {
	if s.disposed.Load() {
		return false
	}
	return s.handle.State().Downloading()
}

func (s *Session) IsPaused() bool {
	if s.disposed.Load() {
		return false
	}
	return s.handle.State() == domain.StatePaused
}

func (s *Session) State() domain.TorrentState {
	if s.disposed.Load() {
		return ""
	}
	return s.handle.State()
}

func (s *Session) HasMetadata() bool {
	if s.disposed.Load() {
		return false
	}
	return s.handle.HasMetadata()
}

func (s *Session) Progress() float64 {
	if s.disposed.Load() {
		return 0
	}
	return s.handle.Progress()
}

func (s *Session) Peers() domain.PeerStats {
	if s.disposed.Load() {
		return domain.PeerStats{}
	}
	return s.handle.Peers()
}

// FileCount is 0 before metadata arrives.
func (s *Session) FileCount() int {
	if s.disposed.Load() || !s.handle.HasMetadata() {
		return 0
	}
	return s.handle.FileCount()
}

// TotalSize is 0 before metadata arrives.
func (s *Session) TotalSize() int64 {
	if s.disposed.Load() || !s.handle.HasMetadata() {
		return 0
	}
	return s.handle.TotalSize()
}

// Name falls back to the hex info hash when the torrent has no name yet.
func (s *Session) Name() string {
	if s.disposed.Load() {
		return ""
	}
	if name := s.handle.Name(); name != "" {
		return name
	}
	return s.ih.HexString()
}

func (s *Session) Status() (domain.SessionStatus, error) {
	if s.disposed.Load() {
		return domain.SessionStatus{}, domain.ErrDisposed
	}
	state := s.handle.State()
	count, sized := s.pieces.Len()
	return domain.SessionStatus{
		InfoHash:       s.ih,
		Name:           s.Name(),
		State:          state,
		Complete:       s.IsComplete(),
		Downloading:    state.Downloading(),
		Paused:         state == domain.StatePaused,
		HasAllPieces:   s.pieces.Complete(),
		Progress:       s.handle.Progress(),
		Peers:          s.handle.Peers(),
		Files:          s.FileCount(),
		TotalSize:      s.TotalSize(),
		PieceCount:     count,
		VerifiedPieces: s.pieces.Count(),
		Sized:          sized,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

// Record projects the session onto its catalog entry.
func (s *Session) Record() (domain.SessionRecord, error) {
	st, err := s.Status()
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return domain.SessionRecord{
		InfoHash:       s.ih,
		Name:           st.Name,
		Status:         st.State.ToStatus(st.Complete),
		Source:         s.source,
		PieceCount:     st.PieceCount,
		VerifiedPieces: st.VerifiedPieces,
		TotalBytes:     st.TotalSize,
		CreatedAt:      s.createdAt,
		UpdatedAt:      st.UpdatedAt,
	}, nil
}
