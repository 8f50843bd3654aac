// Package session binds a piece map to a managed torrent handle and keeps the
// two consistent while the engine reports piece events.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
	"github.com/danieldc/QuickTorrent/internal/metrics"
)

// Observer receives piece-map changes synchronously on the goroutine that
// applied the change. It must return quickly.
type Observer func(domain.PieceMapChanged)

// Session is the per-torrent façade. All methods are safe for concurrent use.
type Session struct {
	ih          domain.InfoHash
	handle      ports.Handle
	engine      ports.Engine
	pieces      *domain.PieceMap
	resume      ports.ResumeStore
	descriptors ports.DescriptorCache
	source      domain.TorrentSource
	fromCache   bool
	logger      *slog.Logger
	createdAt   time.Time

	obsMu     sync.RWMutex
	observers []Observer

	disposeOnce sync.Once
	disposed    atomic.Bool
	done        chan struct{}
}

// Observe adds an observer. Returns ErrDisposed on a disposed session.
func (s *Session) Observe(o Observer) error {
	if s.disposed.Load() {
		return domain.ErrDisposed
	}
	if o == nil {
		return nil
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *Session) Start() error {
	if s.disposed.Load() {
		return domain.ErrDisposed
	}
	return s.handle.Start()
}

func (s *Session) Stop() error {
	if s.disposed.Load() {
		return domain.ErrDisposed
	}
	return s.handle.Stop()
}

// HashCheck asks the engine to re-verify every piece. It reports false without
// calling the engine when a hash pass is already running.
func (s *Session) HashCheck(force bool) (bool, error) {
	if s.disposed.Load() {
		return false, domain.ErrDisposed
	}
	if s.handle.State() == domain.StateHashing {
		s.logger.Debug("hash check skipped, already hashing")
		return false, nil
	}
	if err := s.handle.HashCheck(force); err != nil {
		return false, err
	}
	return true, nil
}

// SetComplete marks every piece present without verification.
func (s *Session) SetComplete() error {
	if s.disposed.Load() {
		return domain.ErrDisposed
	}
	if err := s.pieces.MarkAll(); err != nil {
		return err
	}
	s.notify(-1)
	return nil
}

// SaveRecovery writes the current fast-resume state. It does nothing until
// metadata is known.
func (s *Session) SaveRecovery() (err error) {
	if s.disposed.Load() {
		return domain.ErrDisposed
	}
	if !s.handle.HasMetadata() {
		metrics.ResumeSavesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		metrics.ResumeSavesTotal.WithLabelValues(metrics.Result(err)).Inc()
	}()
	if s.resume == nil {
		return errors.New("no resume store configured")
	}
	data, err := s.handle.SaveFastResume()
	if err != nil {
		return fmt.Errorf("serialize resume state: %w", err)
	}
	if err := s.resume.Save(s.ih, data); err != nil {
		return fmt.Errorf("save resume record: %w", err)
	}
	s.logger.Debug("resume record saved", slog.String("size", humanize.Bytes(uint64(len(data)))))
	return nil
}

// Dispose unregisters the handle, stops it and releases it. Safe to call more
// than once and concurrently with engine callbacks.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposed.Store(true)
		close(s.done)

		if err := s.engine.Unregister(s.handle); err != nil {
			s.logger.Warn("unregister failed", slog.String("error", err.Error()))
		}
		if err := s.handle.Stop(); err != nil {
			s.logger.Warn("stop failed", slog.String("error", err.Error()))
		}
		if err := s.handle.Close(); err != nil {
			s.logger.Warn("close handle failed", slog.String("error", err.Error()))
		}
		metrics.OpenSessions.Dec()
		s.logger.Info("session disposed")
	})
}

func (s *Session) Disposed() bool {
	return s.disposed.Load()
}

// awaitMetadata sizes the piece map as soon as the layout is known and caches
// the resolved descriptor for later bare-hash opens.
func (s *Session) awaitMetadata() {
	select {
	case <-s.handle.GotMetadata():
	case <-s.done:
		return
	}
	if s.disposed.Load() {
		return
	}
	n := s.handle.PieceCount()
	if err := s.pieces.EnsureSized(n); err != nil {
		s.logger.Error("piece map size disagrees with metadata", slog.Int("pieces", n), slog.String("error", err.Error()))
	}
	s.cacheDescriptor()
}

func (s *Session) cacheDescriptor() {
	if s.descriptors == nil || s.fromCache {
		return
	}
	if _, ok, err := s.descriptors.Load(s.ih); err == nil && ok {
		return
	}
	data, err := s.handle.Descriptor()
	if err != nil {
		s.logger.Warn("descriptor unavailable", slog.String("error", err.Error()))
		return
	}
	if err := s.descriptors.Save(s.ih, data); err != nil {
		s.logger.Warn("descriptor cache write failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("descriptor cached", slog.String("size", humanize.Bytes(uint64(len(data)))))
}

func (s *Session) loadResume() {
	if s.resume == nil {
		return
	}
	data, ok, err := s.resume.Load(s.ih)
	switch {
	case err != nil:
		metrics.ResumeLoadsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("resume record unreadable, starting without it", slog.String("error", err.Error()))
		return
	case !ok:
		metrics.ResumeLoadsTotal.WithLabelValues("miss").Inc()
		return
	}
	if err := s.handle.LoadFastResume(data); err != nil {
		if errors.Is(err, domain.ErrCorruptResumeRecord) {
			metrics.ResumeLoadsTotal.WithLabelValues("corrupt").Inc()
		} else {
			metrics.ResumeLoadsTotal.WithLabelValues("error").Inc()
		}
		s.logger.Warn("resume record rejected, pieces will be re-verified", slog.String("error", err.Error()))
		return
	}
	metrics.ResumeLoadsTotal.WithLabelValues("hit").Inc()
	s.logger.Debug("resume record loaded", slog.String("size", humanize.Bytes(uint64(len(data)))))
	s.seedPieces(s.handle.ResumedPieces())
}

// seedPieces copies the flags of a loaded resume record into the piece map so
// a restored session reports its pieces before the engine announces them.
func (s *Session) seedPieces(have []bool) {
	if have == nil {
		return
	}
	if err := s.pieces.EnsureSized(len(have)); err != nil {
		s.logger.Warn("resume record does not match piece map", slog.String("error", err.Error()))
		return
	}
	marked := 0
	for i, ok := range have {
		if ok && s.pieces.Mark(i, true) == nil {
			marked++
		}
	}
	if marked > 0 {
		s.notify(-1)
	}
}
