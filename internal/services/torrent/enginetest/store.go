package enginetest

import (
	"sync"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// BlobStore is an in-memory ResumeStore and DescriptorCache.
type BlobStore struct {
	mu      sync.Mutex
	data    map[domain.InfoHash][]byte
	SaveErr error
	LoadErr error
	saves   int
}

func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[domain.InfoHash][]byte)}
}

func (s *BlobStore) Save(ih domain.InfoHash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.saves++
	s.data[ih] = append([]byte(nil), data...)
	return nil
}

func (s *BlobStore) Load(ih domain.InfoHash) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, false, s.LoadErr
	}
	data, ok := s.data[ih]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *BlobStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// NodeStore is an in-memory DhtNodeStore.
type NodeStore struct {
	mu   sync.Mutex
	data []byte
	ok   bool
}

func (s *NodeStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	s.ok = true
	return nil
}

func (s *NodeStore) Load() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return nil, false, nil
	}
	return append([]byte(nil), s.data...), true, nil
}

var (
	_ ports.Backend         = (*Backend)(nil)
	_ ports.Engine          = (*Engine)(nil)
	_ ports.DHT             = (*DHT)(nil)
	_ ports.ResumeStore     = (*BlobStore)(nil)
	_ ports.DescriptorCache = (*BlobStore)(nil)
	_ ports.DhtNodeStore    = (*NodeStore)(nil)
)
