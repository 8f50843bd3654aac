package usecase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/pool"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/session"
	"github.com/danieldc/QuickTorrent/internal/telemetry"
)

// Manager keeps the open sessions of the process by info hash and mirrors
// them into the session catalog when one is configured.
type Manager struct {
	factory   *session.Factory
	pool      *pool.Pool
	repo      ports.SessionRepository
	logger    *slog.Logger
	observers []session.Observer

	mu       sync.RWMutex
	sessions map[domain.InfoHash]*session.Session
	closed   bool
}

type ManagerOption func(*Manager)

// WithRepository enables the session catalog.
func WithRepository(repo ports.SessionRepository) ManagerOption {
	return func(m *Manager) {
		m.repo = repo
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver attaches o to every session the manager opens.
func WithObserver(o session.Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

func NewManager(factory *session.Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:  factory,
		pool:     factory.Pool,
		logger:   slog.Default(),
		sessions: make(map[domain.InfoHash]*session.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type OpenInput struct {
	Source domain.TorrentSource
	// Paused leaves the session registered but stopped.
	Paused bool
}

// Open constructs a session, starts it unless Paused is set, and records it
// in the catalog. A second open of the same torrent fails with
// domain.ErrAlreadyRegistered.
func (m *Manager) Open(ctx context.Context, in OpenInput) (*session.Session, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	opts := make([]session.OpenOption, 0, len(m.observers))
	for _, o := range m.observers {
		opts = append(opts, session.WithObserver(o))
	}
	s, err := m.factory.Open(ctx, in.Source, opts...)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSource) || errors.Is(err, domain.ErrAlreadyRegistered) {
			return nil, err
		}
		return nil, wrapEngine(err)
	}

	if !in.Paused {
		if err := s.Start(); err != nil {
			s.Dispose()
			return nil, wrapEngine(err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Dispose()
		return nil, ErrClosed
	}
	m.sessions[s.InfoHash()] = s
	m.mu.Unlock()

	if err := m.upsert(ctx, s); err != nil {
		m.forget(s.InfoHash())
		s.Dispose()
		return nil, err
	}
	return s, nil
}

// Get returns the open session for ih.
func (m *Manager) Get(ih domain.InfoHash) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[ih]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, ih.HexString())
	}
	return s, nil
}

// Status returns the current status of the session for ih.
func (m *Manager) Status(ih domain.InfoHash) (domain.SessionStatus, error) {
	s, err := m.Get(ih)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	st, err := s.Status()
	if errors.Is(err, domain.ErrDisposed) {
		return domain.SessionStatus{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, ih.HexString())
	}
	return st, err
}

// List returns the status of every open session ordered by name.
func (m *Manager) List() []domain.SessionStatus {
	out := make([]domain.SessionStatus, 0)
	for _, s := range m.snapshot() {
		st, err := s.Status()
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.SessionStatus) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.InfoHash.HexString(), b.InfoHash.HexString()))
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove saves the session's resume record, disposes it and drops it from
// the catalog.
func (m *Manager) Remove(ctx context.Context, ih domain.InfoHash) error {
	m.mu.Lock()
	s, ok := m.sessions[ih]
	delete(m.sessions, ih)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, ih.HexString())
	}

	if err := s.SaveRecovery(); err != nil {
		m.logger.Warn("save resume record before removal failed",
			slog.String("infoHash", ih.HexString()),
			slog.String("error", err.Error()))
	}
	s.Dispose()

	if m.repo == nil {
		return nil
	}
	if err := m.repo.Delete(ctx, ih); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return wrapRepo(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Per-session control
// ---------------------------------------------------------------------------

func (m *Manager) Start(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error) {
	return m.control(ctx, ih, (*session.Session).Start)
}

func (m *Manager) Stop(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error) {
	return m.control(ctx, ih, (*session.Session).Stop)
}

func (m *Manager) SetComplete(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error) {
	return m.control(ctx, ih, (*session.Session).SetComplete)
}

// HashCheck reports whether a hash pass was started. It is false when one
// is already running.
func (m *Manager) HashCheck(ctx context.Context, ih domain.InfoHash, force bool) (bool, error) {
	s, err := m.Get(ih)
	if err != nil {
		return false, err
	}
	started, err := s.HashCheck(force)
	if err != nil {
		return false, wrapEngine(err)
	}
	m.syncQuiet(ctx, s)
	return started, nil
}

// Save writes the session's resume record and refreshes its catalog entry.
func (m *Manager) Save(ctx context.Context, ih domain.InfoHash) error {
	s, err := m.Get(ih)
	if err != nil {
		return err
	}
	if err := s.SaveRecovery(); err != nil {
		return wrapStorage(err)
	}
	return m.upsert(ctx, s)
}

func (m *Manager) control(ctx context.Context, ih domain.InfoHash, op func(*session.Session) error) (domain.SessionStatus, error) {
	s, err := m.Get(ih)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	if err := op(s); err != nil {
		if errors.Is(err, domain.ErrDisposed) {
			return domain.SessionStatus{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, ih.HexString())
		}
		return domain.SessionStatus{}, wrapEngine(err)
	}
	m.syncQuiet(ctx, s)
	return s.Status()
}

// ---------------------------------------------------------------------------
// Global operations
// ---------------------------------------------------------------------------

// StartAll resumes every torrent registered with the shared engine.
func (m *Manager) StartAll(ctx context.Context) {
	m.pool.StartAll()
	m.Sync(ctx)
}

// StopAll pauses every torrent registered with the shared engine.
func (m *Manager) StopAll(ctx context.Context) {
	m.pool.StopAll()
	m.Sync(ctx)
}

// SaveDht writes the DHT node set to its store.
func (m *Manager) SaveDht() error {
	if err := m.pool.PersistDhtNodes(); err != nil {
		if errors.Is(err, domain.ErrDhtNotRunning) {
			return err
		}
		return wrapStorage(err)
	}
	return nil
}

// SaveAll persists every session's resume record, the DHT node set and the
// catalog. It keeps going past individual failures.
func (m *Manager) SaveAll(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "manager.save_all")
	defer span.End()

	sessions := m.snapshot()
	span.SetAttributes(attribute.Int("sessions", len(sessions)))

	var errs []error
	for _, s := range sessions {
		if err := s.SaveRecovery(); err != nil && !errors.Is(err, domain.ErrDisposed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.InfoHash().HexString(), wrapStorage(err)))
		}
	}
	if err := m.SaveDht(); err != nil {
		if errors.Is(err, domain.ErrDhtNotRunning) {
			m.logger.Debug("dht node set not saved, dht not running")
		} else {
			errs = append(errs, err)
		}
	}
	if err := m.sync(ctx, sessions); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Sync refreshes the catalog entry of every open session.
func (m *Manager) Sync(ctx context.Context) {
	if err := m.sync(ctx, m.snapshot()); err != nil {
		m.logger.Warn("catalog sync failed", slog.String("error", err.Error()))
	}
}

// Close saves everything, disposes every session and tears down the shared
// engine resources. Later calls return nil.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if err := m.SaveAll(ctx); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.InfoHash]*session.Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Dispose()
	}

	if err := m.pool.Close(); err != nil {
		errs = append(errs, wrapEngine(err))
	}
	m.logger.Info("session manager closed", slog.Int("sessions", len(sessions)))
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (m *Manager) upsert(ctx context.Context, s *session.Session) error {
	if m.repo == nil {
		return nil
	}
	rec, err := s.Record()
	if err != nil {
		return nil
	}
	if err := m.repo.Upsert(ctx, rec); err != nil {
		return wrapRepo(err)
	}
	return nil
}

func (m *Manager) syncQuiet(ctx context.Context, s *session.Session) {
	if err := m.upsert(ctx, s); err != nil {
		m.logger.Warn("catalog update failed",
			slog.String("infoHash", s.InfoHash().HexString()),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) sync(ctx context.Context, sessions []*session.Session) error {
	var errs []error
	for _, s := range sessions {
		if err := m.upsert(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) forget(ih domain.InfoHash) {
	m.mu.Lock()
	delete(m.sessions, ih)
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
