package ports

import "github.com/danieldc/QuickTorrent/internal/domain"

// ResumeStore keeps one fast-resume record per info hash. Load reports
// (nil, false, nil) when no record exists.
type ResumeStore interface {
	Save(ih domain.InfoHash, data []byte) error
	Load(ih domain.InfoHash) ([]byte, bool, error)
}

// DescriptorCache keeps previously resolved torrent descriptors.
type DescriptorCache interface {
	Save(ih domain.InfoHash, descriptor []byte) error
	Load(ih domain.InfoHash) ([]byte, bool, error)
}

// DhtNodeStore keeps the single process-wide DHT node set.
type DhtNodeStore interface {
	Save(data []byte) error
	Load() ([]byte, bool, error)
}
