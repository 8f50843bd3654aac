package app

import (
	"fmt"
	"log/slog"

	"github.com/danieldc/QuickTorrent/internal/domain/ports"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/engine/anacrolix"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/pool"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/session"
	"github.com/danieldc/QuickTorrent/internal/storage/disk"
)

// Runtime holds the process-wide engine pieces shared by every command.
type Runtime struct {
	Pool    *pool.Pool
	Cache   *disk.Cache
	Nodes   *disk.DhtNodeStore
	Factory *session.Factory
}

// NewRuntime opens the on-disk stores and prepares a lazily initialized
// engine pool backed by anacrolix.
func NewRuntime(cfg Config, logger *slog.Logger) (*Runtime, error) {
	backend := anacrolix.NewBackend(
		anacrolix.WithLogger(logger),
		anacrolix.WithMutedEngineLog(cfg.MuteEngineLog),
	)
	return newRuntime(cfg, backend, logger)
}

func newRuntime(cfg Config, backend ports.Backend, logger *slog.Logger) (*Runtime, error) {
	cache, err := disk.NewCache(cfg.CacheDir, disk.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open torrent cache: %w", err)
	}
	nodes, err := disk.NewDhtNodeStore(cfg.DHTFile)
	if err != nil {
		return nil, fmt.Errorf("open dht node store: %w", err)
	}

	p := pool.New(backend, pool.WithLogger(logger), pool.WithNodeStore(nodes))
	return &Runtime{
		Pool:  p,
		Cache: cache,
		Nodes: nodes,
		Factory: &session.Factory{
			Pool:         p,
			PoolSettings: cfg.PoolSettings(),
			Resume:       cache.Resume(),
			Descriptors:  cache.Descriptors(),
			Torrent:      cfg.TorrentSettings(),
			Logger:       logger,
		},
	}, nil
}
