package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
	"github.com/danieldc/QuickTorrent/internal/metrics"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/pool"
	"github.com/danieldc/QuickTorrent/internal/telemetry"
)

// Factory opens sessions against a shared resource pool.
type Factory struct {
	Pool         *pool.Pool
	PoolSettings pool.Settings
	Resume       ports.ResumeStore
	Descriptors  ports.DescriptorCache
	Torrent      domain.TorrentSettings
	Logger       *slog.Logger
}

type openConfig struct {
	observers []Observer
}

type OpenOption func(*openConfig)

// WithObserver attaches an observer before the handle is registered, so it
// sees every piece-map change from the first engine event on.
func WithObserver(o Observer) OpenOption {
	return func(c *openConfig) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// OpenMagnet opens a session whose piece map stays unsized until metadata
// arrives.
func (f *Factory) OpenMagnet(ctx context.Context, uri string, opts ...OpenOption) (*Session, error) {
	return f.Open(ctx, domain.TorrentSource{Magnet: uri}, opts...)
}

// OpenDescriptor opens a session from a full torrent descriptor.
func (f *Factory) OpenDescriptor(ctx context.Context, descriptor []byte, opts ...OpenOption) (*Session, error) {
	return f.Open(ctx, domain.TorrentSource{Descriptor: descriptor}, opts...)
}

// OpenInfoHash opens a session from a bare info hash, using a cached
// descriptor unless forceRefresh is set.
func (f *Factory) OpenInfoHash(ctx context.Context, ih domain.InfoHash, forceRefresh bool, opts ...OpenOption) (*Session, error) {
	return f.Open(ctx, domain.TorrentSource{InfoHash: ih.HexString(), ForceRefresh: forceRefresh}, opts...)
}

// Open builds a session from any source kind. On error nothing stays
// registered with the engine.
func (f *Factory) Open(ctx context.Context, src domain.TorrentSource, opts ...OpenOption) (_ *Session, err error) {
	kind, err := src.Kind()
	if err != nil {
		return nil, err
	}
	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "session.open")
	defer span.End()
	span.SetAttributes(attribute.String("source.kind", string(kind)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	res, err := f.Pool.GetOrInit(ctx, f.PoolSettings)
	if err != nil {
		return nil, err
	}

	handle, fromCache, err := f.newHandle(res.Engine, kind, src)
	if err != nil {
		return nil, err
	}
	ih := handle.InfoHash()
	span.SetAttributes(attribute.String("torrent.infohash", ih.HexString()))

	pieces := domain.NewPieceMap()
	if handle.HasMetadata() {
		pieces = domain.NewSizedPieceMap(handle.PieceCount())
	}

	s := &Session{
		ih:          ih,
		handle:      handle,
		engine:      res.Engine,
		pieces:      pieces,
		resume:      f.Resume,
		descriptors: f.Descriptors,
		source:      src,
		fromCache:   fromCache,
		logger:      f.logger().With(slog.String("infoHash", ih.HexString())),
		observers:   cfg.observers,
		createdAt:   time.Now().UTC(),
		done:        make(chan struct{}),
	}

	handle.Subscribe(pieceEvents{s: s})
	s.loadResume()

	if err := res.Engine.Register(handle); err != nil {
		_ = handle.Close()
		if errors.Is(err, domain.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRegistered, ih.HexString())
		}
		return nil, fmt.Errorf("register %s: %w", ih.HexString(), err)
	}

	metrics.OpenSessions.Inc()
	go s.awaitMetadata()

	s.logger.Info("session opened",
		slog.String("source", string(kind)),
		slog.Bool("sized", pieces.Sized()),
		slog.Bool("cachedDescriptor", fromCache),
	)
	return s, nil
}

func (f *Factory) newHandle(engine ports.Engine, kind domain.SourceKind, src domain.TorrentSource) (ports.Handle, bool, error) {
	settings := f.Torrent
	if settings == (domain.TorrentSettings{}) {
		settings = domain.DefaultTorrentSettings()
	}

	switch kind {
	case domain.SourceMagnet:
		h, err := engine.NewMagnetHandle(src.Magnet, settings)
		return h, false, err
	case domain.SourceDescriptor:
		h, err := engine.NewDescriptorHandle(src.Descriptor, settings)
		return h, false, err
	case domain.SourceInfoHash:
		ih, err := domain.ParseInfoHash(src.InfoHash)
		if err != nil {
			return nil, false, err
		}
		if !src.ForceRefresh {
			if h, ok := f.cachedHandle(engine, ih, settings); ok {
				return h, true, nil
			}
		}
		h, err := engine.NewInfoHashHandle(ih, settings)
		return h, false, err
	default:
		return nil, false, fmt.Errorf("%w: unknown source kind %q", domain.ErrInvalidSource, kind)
	}
}

// cachedHandle builds a handle from a cached descriptor. A missing, unreadable
// or mismatching cache entry falls back to a network metadata fetch.
func (f *Factory) cachedHandle(engine ports.Engine, ih domain.InfoHash, settings domain.TorrentSettings) (ports.Handle, bool) {
	if f.Descriptors == nil {
		return nil, false
	}
	data, ok, err := f.Descriptors.Load(ih)
	if err != nil {
		f.logger().Warn("descriptor cache unreadable", slog.String("infoHash", ih.HexString()), slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	h, err := engine.NewDescriptorHandle(data, settings)
	if err != nil {
		f.logger().Warn("cached descriptor rejected", slog.String("infoHash", ih.HexString()), slog.String("error", err.Error()))
		return nil, false
	}
	if h.InfoHash() != ih {
		_ = h.Close()
		f.logger().Warn("cached descriptor has a different info hash", slog.String("infoHash", ih.HexString()))
		return nil, false
	}
	return h, true
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
