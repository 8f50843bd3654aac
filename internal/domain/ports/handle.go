package ports

import "github.com/danieldc/QuickTorrent/internal/domain"

// PieceEventHandler receives engine piece events. Calls arrive on engine
// worker goroutines and must not block.
type PieceEventHandler interface {
	PieceVerified(ev domain.PieceVerified)
	BlockReceived(ev domain.BlockReceived)
}

// Handle is a managed torrent owned by the external engine.
type Handle interface {
	InfoHash() domain.InfoHash
	HasMetadata() bool
	// GotMetadata is closed once the piece layout is known.
	GotMetadata() <-chan struct{}
	// PieceCount is 0 until metadata is known.
	PieceCount() int
	State() domain.TorrentState
	Complete() bool
	Progress() float64
	Peers() domain.PeerStats
	FileCount() int
	TotalSize() int64
	Name() string

	Start() error
	Stop() error
	HashCheck(force bool) error

	// SaveFastResume serializes which pieces are verified. Only meaningful
	// once metadata is known.
	SaveFastResume() ([]byte, error)
	// LoadFastResume must be called before Register. Undecodable input fails
	// with domain.ErrCorruptResumeRecord.
	LoadFastResume(data []byte) error
	// ResumedPieces reports the piece flags of the record last accepted by
	// LoadFastResume, or nil when none was.
	ResumedPieces() []bool
	// Descriptor returns the bencoded metainfo once metadata is known.
	Descriptor() ([]byte, error)

	Subscribe(h PieceEventHandler)
	Close() error
}
