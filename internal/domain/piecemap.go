package domain

import (
	"fmt"
	"sync"
)

// PieceMap records, per piece index, whether the piece is present on disk.
//
// A map is either unsized (piece count unknown, e.g. a magnet link before
// metadata arrives) or sized. The transition happens at most once and the
// size never changes afterwards. A sized map of zero pieces is not the same
// thing as an unsized map.
type PieceMap struct {
	mu     sync.RWMutex
	sized  bool
	pieces []bool
}

// NewPieceMap returns an unsized map.
func NewPieceMap() *PieceMap {
	return &PieceMap{}
}

// NewSizedPieceMap returns a map of n pieces, all false.
func NewSizedPieceMap(n int) *PieceMap {
	if n < 0 {
		n = 0
	}
	return &PieceMap{sized: true, pieces: make([]bool, n)}
}

// EnsureSized sizes an unsized map. Calling it again with the same size is a
// no-op; a different size fails with ErrAlreadySized.
func (m *PieceMap) EnsureSized(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative size %d", ErrIndexOutOfRange, n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sized {
		if len(m.pieces) != n {
			return fmt.Errorf("%w: have %d pieces, got %d", ErrAlreadySized, len(m.pieces), n)
		}
		return nil
	}
	m.pieces = make([]bool, n)
	m.sized = true
	return nil
}

// Mark sets the flag for one piece.
func (m *PieceMap) Mark(index int, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sized {
		return ErrNotSized
	}
	if index < 0 || index >= len(m.pieces) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(m.pieces))
	}
	m.pieces[index] = verified
	return nil
}

// MarkAll sets every flag without verification.
func (m *PieceMap) MarkAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sized {
		return ErrNotSized
	}
	for i := range m.pieces {
		m.pieces[i] = true
	}
	return nil
}

// Snapshot returns a copy of the flags and whether the map is sized. The
// copy is nil for an unsized map and non-nil (possibly empty) otherwise.
func (m *PieceMap) Snapshot() ([]bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.sized {
		return nil, false
	}
	out := make([]bool, len(m.pieces))
	copy(out, m.pieces)
	return out, true
}

func (m *PieceMap) Sized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sized
}

// Len returns the piece count, or false when unsized.
func (m *PieceMap) Len() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pieces), m.sized
}

// Count returns the number of pieces marked true.
func (m *PieceMap) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ok := range m.pieces {
		if ok {
			n++
		}
	}
	return n
}

// Complete reports whether the map is sized and every flag is true.
func (m *PieceMap) Complete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sized && allTrue(m.pieces)
}

func allTrue(pieces []bool) bool {
	for _, ok := range pieces {
		if !ok {
			return false
		}
	}
	return true
}
