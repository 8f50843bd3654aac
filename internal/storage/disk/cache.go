package disk

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

const (
	resumeExt     = ".rec"
	descriptorExt = ".torrent"
)

// Cache is the torrent cache directory. It holds one resume record and one
// descriptor per info hash, named by the hash's hex form.
type Cache struct {
	dir    string
	logger *slog.Logger
}

type CacheOption func(*Cache)

func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates dir if needed and removes temp files left by a previous
// process that died mid-save.
func NewCache(dir string, opts ...CacheOption) (*Cache, error) {
	cleaned, err := normalizePath(dir)
	if err != nil {
		return nil, err
	}
	c := &Cache{dir: cleaned, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	if n := sweepTemp(c.dir, ""); n > 0 {
		c.logger.Info("removed interrupted cache writes", slog.String("dir", c.dir), slog.Int("count", n))
	}
	return c, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// Resume returns the fast-resume record view of the cache.
func (c *Cache) Resume() *ResumeStore {
	return &ResumeStore{cache: c}
}

// Descriptors returns the descriptor view of the cache.
func (c *Cache) Descriptors() *DescriptorCache {
	return &DescriptorCache{cache: c}
}

func (c *Cache) path(ih domain.InfoHash, ext string) string {
	return filepath.Join(c.dir, ih.HexString()+ext)
}

// ResumeStore persists fast-resume records as <hex>.rec.
type ResumeStore struct {
	cache *Cache
}

func (s *ResumeStore) Save(ih domain.InfoHash, data []byte) error {
	return writeAtomic(s.cache.path(ih, resumeExt), data)
}

func (s *ResumeStore) Load(ih domain.InfoHash) ([]byte, bool, error) {
	return readOptional(s.cache.path(ih, resumeExt))
}

// DescriptorCache persists resolved descriptors as <hex>.torrent.
type DescriptorCache struct {
	cache *Cache
}

func (s *DescriptorCache) Save(ih domain.InfoHash, descriptor []byte) error {
	return writeAtomic(s.cache.path(ih, descriptorExt), descriptor)
}

func (s *DescriptorCache) Load(ih domain.InfoHash) ([]byte, bool, error) {
	return readOptional(s.cache.path(ih, descriptorExt))
}

var (
	_ ports.ResumeStore     = (*ResumeStore)(nil)
	_ ports.DescriptorCache = (*DescriptorCache)(nil)
)
