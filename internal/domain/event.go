package domain

// PieceVerified is raised by the engine when a piece finished hashing.
// PieceCount is the torrent's total piece count at the time of the event.
type PieceVerified struct {
	Index      int
	PieceCount int
	Passed     bool
}

// BlockReceived is raised when a block of a piece was delivered by a peer.
// It is an optimistic progress signal, not a verification result.
type BlockReceived struct {
	Index      int
	PieceCount int
}

// PieceMapChanged is delivered to observers after every piece map mutation.
type PieceMapChanged struct {
	InfoHash  InfoHash `json:"infoHash"`
	Pieces    []bool   `json:"pieces"`
	LastPiece int      `json:"lastPiece"`
	Complete  bool     `json:"complete"`
}

// NewPieceMapChanged derives Complete from the snapshot.
func NewPieceMapChanged(ih InfoHash, pieces []bool, lastPiece int) PieceMapChanged {
	return PieceMapChanged{
		InfoHash:  ih,
		Pieces:    pieces,
		LastPiece: lastPiece,
		Complete:  pieces != nil && allTrue(pieces),
	}
}
