// Package anacrolix implements the engine ports on top of
// github.com/anacrolix/torrent and github.com/anacrolix/dht/v2.
package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	alog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// rateBurstFloor keeps limiter bursts above the 16 KiB request size so a low
// rate still lets whole chunks through.
const rateBurstFloor = 256 << 10

var errNotRegistered = errors.New("torrent not registered with the engine")

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

// Backend builds the real listener, DHT server and torrent client.
type Backend struct {
	logger *slog.Logger
	mute   bool
}

type BackendOption func(*Backend)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMutedEngineLog silences the anacrolix loggers of the client and DHT.
func WithMutedEngineLog(mute bool) BackendOption {
	return func(b *Backend) {
		b.mute = mute
	}
}

func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) ListenDHT(ctx context.Context, port int) (ports.DHTListener, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &dhtListener{conn: conn}, nil
}

func (b *Backend) NewDHT(listener ports.DHTListener) (ports.DHT, error) {
	return newDHTNode(listener, b.mute, b.logger.With(slog.String("component", "dht")))
}

func (b *Backend) NewEngine(settings domain.EngineSettings, d ports.DHT) (ports.Engine, error) {
	completion := newResumeCompletion()
	chunks := newChunkFeed()
	cfg := newClientConfig(settings, completion, chunks)
	if b.mute || settings.MuteEngineLog {
		cfg.Logger = mutedLogger()
	}

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("torrent client: %w", err)
	}
	if node, ok := d.(*dhtNode); ok {
		if server := node.Server(); server != nil {
			client.AddDhtServer(torrent.AnacrolixDhtServerWrapper{Server: server})
		}
	}

	e := &Engine{
		client:     client,
		completion: completion,
		chunks:     chunks,
		stop:       make(chan struct{}),
		settings:   settings,
		logger:     b.logger.With(slog.String("component", "engine")),
		handles:    make(map[domain.InfoHash]*Handle),
	}
	go e.forwardChunks(e.stop)
	return e, nil
}

// newClientConfig maps engine settings onto the anacrolix client. The DHT is
// owned by the resource pool, so the client must not start its own.
func newClientConfig(settings domain.EngineSettings, completion storage.PieceCompletion, chunks *chunkFeed) *torrent.ClientConfig {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = settings.DownloadDir
	cfg.ListenPort = settings.ListenPort
	cfg.NoDHT = true
	cfg.DisableUTP = settings.DisableUTP
	cfg.Seed = true
	cfg.DefaultStorage = storage.NewFileWithCompletion(settings.DownloadDir, completion)

	if settings.MaxHalfOpen > 0 {
		cfg.TotalHalfOpenConns = settings.MaxHalfOpen
		if cfg.HalfOpenConnsPerTorrent > settings.MaxHalfOpen {
			cfg.HalfOpenConnsPerTorrent = settings.MaxHalfOpen
		}
	}
	// The client has no global established-connection cap; the global limit
	// bounds the per-torrent one instead.
	if settings.MaxConnections > 0 && cfg.EstablishedConnsPerTorrent > settings.MaxConnections {
		cfg.EstablishedConnsPerTorrent = settings.MaxConnections
	}

	cfg.UploadRateLimiter = newLimiter(settings.MaxUploadRate)
	cfg.DownloadRateLimiter = newLimiter(settings.MaxDownloadRate)

	cfg.HeaderObfuscationPolicy = torrent.HeaderObfuscationPolicy{
		Preferred:        settings.EncryptionPreferred || settings.EncryptionRequired,
		RequirePreferred: settings.EncryptionRequired,
	}
	if chunks != nil {
		cfg.Callbacks.ReceivedUsefulData = append(cfg.Callbacks.ReceivedUsefulData, chunks.onUsefulData)
	}
	return cfg
}

// mutedLogger filters every record the engine emits.
func mutedLogger() alog.Logger {
	return alog.Default.WithFilterLevel(alog.Disabled)
}

// newLimiter returns an unlimited limiter for a non-positive rate.
func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(bytesPerSec)
	if burst < rateBurstFloor {
		burst = rateBurstFloor
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type Engine struct {
	client     *torrent.Client
	completion *resumeCompletion
	chunks     *chunkFeed
	stop       chan struct{}
	closeOnce  sync.Once
	settings   domain.EngineSettings
	logger     *slog.Logger

	mu      sync.RWMutex
	handles map[domain.InfoHash]*Handle
}

func (e *Engine) Register(h ports.Handle) error {
	handle, ok := h.(*Handle)
	if !ok || handle.engine != e {
		return fmt.Errorf("handle of type %T not created by this engine", h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handles[handle.ih]; exists {
		return domain.ErrAlreadyRegistered
	}
	if err := handle.attach(); err != nil {
		return err
	}
	e.handles[handle.ih] = handle
	e.logger.Debug("torrent registered", slog.String("infoHash", handle.ih.HexString()))
	return nil
}

func (e *Engine) Unregister(h ports.Handle) error {
	handle, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("handle of type %T not created by this engine", h)
	}

	e.mu.Lock()
	cur, exists := e.handles[handle.ih]
	if !exists || cur != handle {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(e.handles, handle.ih)
	e.mu.Unlock()

	handle.detach()
	e.logger.Debug("torrent unregistered", slog.String("infoHash", handle.ih.HexString()))
	return nil
}

func (e *Engine) StartAll() {
	for _, h := range e.registered() {
		if err := h.Start(); err != nil {
			e.logger.Warn("start failed", slog.String("infoHash", h.ih.HexString()), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) StopAll() {
	for _, h := range e.registered() {
		_ = h.Stop()
	}
}

func (e *Engine) Handles() []ports.Handle {
	hs := e.registered()
	out := make([]ports.Handle, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

func (e *Engine) registered() []*Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	return out
}

func (e *Engine) Close() error {
	e.mu.Lock()
	handles := e.handles
	e.handles = make(map[domain.InfoHash]*Handle)
	e.mu.Unlock()

	for _, h := range handles {
		h.detach()
	}
	var err error
	e.closeOnce.Do(func() {
		if e.stop != nil {
			close(e.stop)
		}
		if e.client != nil {
			err = errors.Join(e.client.Close()...)
		}
	})
	return err
}

var (
	_ ports.Backend = (*Backend)(nil)
	_ ports.Engine  = (*Engine)(nil)
)
