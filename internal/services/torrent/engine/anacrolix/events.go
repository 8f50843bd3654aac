package anacrolix

import "github.com/danieldc/QuickTorrent/internal/domain"

// pieceSnap is the part of an engine piece state the event derivation needs.
type pieceSnap struct {
	complete bool
	checking bool
}

// pieceTransition turns two consecutive states of one piece into a
// verification event. A piece becoming complete passed; a hash pass that ends
// without completion failed. Received blocks come from the client's chunk
// callback instead, see chunks.go.
func pieceTransition(prev, cur pieceSnap, index, pieceCount int) (verified *domain.PieceVerified) {
	switch {
	case cur.complete && !prev.complete:
		verified = &domain.PieceVerified{Index: index, PieceCount: pieceCount, Passed: true}
	case prev.checking && !cur.checking && !cur.complete:
		verified = &domain.PieceVerified{Index: index, PieceCount: pieceCount, Passed: false}
	case prev.complete && !cur.complete && !cur.checking:
		// Completion revoked, e.g. storage reported the piece missing.
		verified = &domain.PieceVerified{Index: index, PieceCount: pieceCount, Passed: false}
	}
	return verified
}

// pieceTracker remembers the last state per piece and counts pieces in a
// hash pass. It is owned by a single event loop goroutine.
type pieceTracker struct {
	prev     map[int]pieceSnap
	checking int
}

func newPieceTracker() *pieceTracker {
	return &pieceTracker{prev: make(map[int]pieceSnap)}
}

func (t *pieceTracker) observe(index, pieceCount int, cur pieceSnap) *domain.PieceVerified {
	prev := t.prev[index]
	t.prev[index] = cur
	switch {
	case cur.checking && !prev.checking:
		t.checking++
	case !cur.checking && prev.checking:
		t.checking--
	}
	return pieceTransition(prev, cur, index, pieceCount)
}

func (t *pieceTracker) hashing() bool {
	return t.checking > 0
}
