// Package pool owns the process-wide engine resources shared by every torrent
// session: the DHT listener, the DHT engine, the engine settings and the
// network engine.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
	"github.com/danieldc/QuickTorrent/internal/metrics"
	"github.com/danieldc/QuickTorrent/internal/telemetry"
)

var ErrClosed = errors.New("resource pool closed")

const (
	defaultMaxConnections = 500
	defaultMaxHalfOpen    = 250
)

// Settings is what the first GetOrInit caller provides. Later callers may pass
// anything; the pool keeps the resources built from the first call.
type Settings struct {
	DownloadDir string
	CacheDir    string
	DHTPort     int
	// DHTState seeds the DHT. When nil the pool reads the node store.
	DHTState []byte
	Engine   domain.EngineSettings
}

// Resources is the initialized singleton set. All fields stay valid until the
// pool is closed.
type Resources struct {
	Listener ports.DHTListener
	DHT      ports.DHT
	Engine   ports.Engine
	Settings domain.EngineSettings
}

type Pool struct {
	backend ports.Backend
	nodes   ports.DhtNodeStore
	logger  *slog.Logger

	mu      sync.Mutex
	res     *Resources
	initErr error
	closed  bool
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNodeStore sets where the DHT node set is read from at init and written
// to by PersistDhtNodes.
func WithNodeStore(store ports.DhtNodeStore) Option {
	return func(p *Pool) {
		p.nodes = store
	}
}

func New(backend ports.Backend, opts ...Option) *Pool {
	p := &Pool{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrInit returns the shared resources, building them on the first call.
// Concurrent first callers block until the single initialization finishes.
// A failed initialization is permanent for this pool: every later call gets
// the same error wrapped in domain.ErrPoolInit.
func (p *Pool) GetOrInit(ctx context.Context, settings Settings) (*Resources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.res != nil {
		return p.res, nil
	}
	if p.initErr != nil {
		return nil, p.initErr
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pool.init")
	defer span.End()
	span.SetAttributes(attribute.Int("dht.port", settings.DHTPort))

	res, err := p.build(ctx, settings)
	metrics.PoolInitTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.initErr = fmt.Errorf("%w: %w", domain.ErrPoolInit, err)
		p.logger.Error("resource pool init failed", slog.String("error", err.Error()))
		return nil, p.initErr
	}
	p.res = res
	p.logger.Info("resource pool ready",
		slog.String("downloadDir", res.Settings.DownloadDir),
		slog.Int("listenPort", res.Settings.ListenPort),
		slog.String("dhtAddr", addrString(res.Listener)),
	)
	return res, nil
}

func (p *Pool) build(ctx context.Context, settings Settings) (res *Resources, err error) {
	if err := ensureDirs(settings.DownloadDir, settings.CacheDir); err != nil {
		return nil, err
	}

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	listener, err := p.backend.ListenDHT(ctx, settings.DHTPort)
	if err != nil {
		return nil, fmt.Errorf("dht listener on port %d: %w", settings.DHTPort, err)
	}
	cleanup = append(cleanup, listener.Close)

	dht, err := p.backend.NewDHT(listener)
	if err != nil {
		return nil, fmt.Errorf("dht engine: %w", err)
	}
	cleanup = append(cleanup, dht.Close)

	seed := settings.DHTState
	if seed == nil {
		seed = p.loadSeed()
	}
	if err := dht.Start(seed); err != nil {
		return nil, fmt.Errorf("dht start: %w", err)
	}

	engineSettings := normalizeEngineSettings(settings.Engine, settings.DownloadDir)
	engine, err := p.backend.NewEngine(engineSettings, dht)
	if err != nil {
		return nil, fmt.Errorf("network engine: %w", err)
	}

	return &Resources{
		Listener: listener,
		DHT:      dht,
		Engine:   engine,
		Settings: engineSettings,
	}, nil
}

func (p *Pool) loadSeed() []byte {
	if p.nodes == nil {
		return nil
	}
	data, ok, err := p.nodes.Load()
	if err != nil {
		p.logger.Warn("dht node set unreadable, cold start", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		p.logger.Info("no saved dht node set, cold start")
		return nil
	}
	return data
}

// Resources returns the initialized set, or nil before a successful init.
func (p *Pool) Resources() *Resources {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

// StartAll resumes every registered torrent. No-op before init.
func (p *Pool) StartAll() {
	if res := p.Resources(); res != nil {
		res.Engine.StartAll()
	}
}

// StopAll pauses every registered torrent. No-op before init.
func (p *Pool) StopAll() {
	if res := p.Resources(); res != nil {
		res.Engine.StopAll()
	}
}

// SaveDhtNodes serializes the DHT node set. It fails with
// domain.ErrDhtNotRunning when the DHT was never started.
func (p *Pool) SaveDhtNodes() ([]byte, error) {
	res := p.Resources()
	if res == nil || !res.DHT.Running() {
		return nil, domain.ErrDhtNotRunning
	}
	return res.DHT.SaveNodes()
}

// PersistDhtNodes writes the current node set to the node store.
func (p *Pool) PersistDhtNodes() (err error) {
	defer func() {
		metrics.DhtSavesTotal.WithLabelValues(metrics.Result(err)).Inc()
	}()
	if p.nodes == nil {
		return errors.New("no dht node store configured")
	}
	data, err := p.SaveDhtNodes()
	if err != nil {
		return err
	}
	if err := p.nodes.Save(data); err != nil {
		return fmt.Errorf("save dht nodes: %w", err)
	}
	p.logger.Debug("dht node set saved", slog.Int("bytes", len(data)))
	return nil
}

// Close tears the shared resources down in reverse construction order. It is
// safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	res := p.res
	p.res = nil
	if res == nil {
		return nil
	}

	var errs []error
	if err := res.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := res.DHT.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dht: %w", err))
	}
	if err := res.Listener.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close dht listener: %w", err))
	}
	return errors.Join(errs...)
}

func ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func normalizeEngineSettings(s domain.EngineSettings, downloadDir string) domain.EngineSettings {
	if s.DownloadDir == "" {
		s.DownloadDir = downloadDir
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = defaultMaxConnections
	}
	if s.MaxHalfOpen <= 0 {
		s.MaxHalfOpen = defaultMaxHalfOpen
	}
	if s.MaxUploadRate < 0 {
		s.MaxUploadRate = 0
	}
	if s.MaxDownloadRate < 0 {
		s.MaxDownloadRate = 0
	}
	if s.EncryptionRequired {
		s.EncryptionPreferred = true
	}
	return s
}

func addrString(l ports.DHTListener) string {
	if l == nil || l.Addr() == nil {
		return ""
	}
	return l.Addr().String()
}
