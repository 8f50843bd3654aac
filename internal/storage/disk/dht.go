package disk

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// DhtNodeStore keeps the process-wide DHT node set in a single file.
type DhtNodeStore struct {
	path string
}

func NewDhtNodeStore(path string) (*DhtNodeStore, error) {
	cleaned, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cleaned)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// The directory may be shared, so only this file's temps are swept.
	if n := sweepTemp(dir, filepath.Base(cleaned)); n > 0 {
		slog.Default().Info("removed interrupted dht node writes", slog.String("path", cleaned), slog.Int("count", n))
	}
	return &DhtNodeStore{path: cleaned}, nil
}

func (s *DhtNodeStore) Path() string {
	return s.path
}

func (s *DhtNodeStore) Save(data []byte) error {
	return writeAtomic(s.path, data)
}

func (s *DhtNodeStore) Load() ([]byte, bool, error) {
	return readOptional(s.path)
}

var _ ports.DhtNodeStore = (*DhtNodeStore)(nil)
