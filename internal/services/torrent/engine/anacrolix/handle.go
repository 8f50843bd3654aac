package anacrolix

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// Handle is a torrent known to the engine. It is detached until Register
// adds it to the client; queries before that answer from the source.
type Handle struct {
	engine   *Engine
	ih       domain.InfoHash
	kind     domain.SourceKind
	magnet   string
	mi       *metainfo.MetaInfo
	info     *metainfo.Info
	raw      []byte
	display  string
	settings domain.TorrentSettings
	logger   *slog.Logger

	metaOnce sync.Once
	metaCh   chan struct{}

	verifying atomic.Bool
	hashing   atomic.Bool

	mu          sync.Mutex
	t           *torrent.Torrent
	done        chan struct{}
	resume      []bool
	subscribers []ports.PieceEventHandler
	started     bool
	everRan     bool
	closed      bool
}

func (e *Engine) NewMagnetHandle(uri string, settings domain.TorrentSettings) (ports.Handle, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	h := e.newHandle(domain.InfoHash(m.InfoHash), domain.SourceMagnet, settings)
	h.magnet = uri
	h.display = m.DisplayName
	return h, nil
}

func (e *Engine) NewDescriptorHandle(descriptor []byte, settings domain.TorrentSettings) (ports.Handle, error) {
	mi, err := metainfo.Load(bytes.NewReader(descriptor))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	h := e.newHandle(domain.InfoHash(mi.HashInfoBytes()), domain.SourceDescriptor, settings)
	h.mi = mi
	h.info = &info
	h.raw = append([]byte(nil), descriptor...)
	h.metaOnce.Do(func() { close(h.metaCh) })
	return h, nil
}

func (e *Engine) NewInfoHashHandle(ih domain.InfoHash, settings domain.TorrentSettings) (ports.Handle, error) {
	if ih.IsZero() {
		return nil, fmt.Errorf("%w: zero info hash", domain.ErrInvalidSource)
	}
	return e.newHandle(ih, domain.SourceInfoHash, settings), nil
}

func (e *Engine) newHandle(ih domain.InfoHash, kind domain.SourceKind, settings domain.TorrentSettings) *Handle {
	return &Handle{
		engine:   e,
		ih:       ih,
		kind:     kind,
		settings: settings,
		logger:   e.logger.With(slog.String("infoHash", ih.HexString())),
		metaCh:   make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// attach adds the torrent to the client. Called by Engine.Register with the
// engine lock held.
func (h *Handle) attach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	if h.t != nil {
		return domain.ErrAlreadyRegistered
	}
	if h.resume != nil {
		h.engine.completion.seed(h.ih, h.resume)
	}

	var (
		t   *torrent.Torrent
		err error
	)
	switch h.kind {
	case domain.SourceMagnet:
		t, err = h.engine.client.AddMagnet(h.magnet)
	case domain.SourceDescriptor:
		t, err = h.engine.client.AddTorrent(h.mi)
	default:
		t, _ = h.engine.client.AddTorrentInfoHash(metainfo.Hash(h.ih))
	}
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	// Registered torrents stay idle until Start.
	hardPause(t)

	h.t = t
	h.done = make(chan struct{})
	h.started = false
	go h.watchInfo(t, h.done)
	h.runEvents(t, h.done)
	return nil
}

// detach drops the torrent from the client. Safe to call when detached.
func (h *Handle) detach() {
	h.mu.Lock()
	t := h.t
	done := h.done
	h.t = nil
	h.done = nil
	h.started = false
	h.mu.Unlock()
	if t == nil {
		return
	}
	close(done)
	t.Drop()
	h.engine.completion.forget(h.ih)
	h.hashing.Store(false)
	h.verifying.Store(false)
}

func (h *Handle) current() *torrent.Torrent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

// watchInfo waits for metadata on magnet and bare-hash torrents.
func (h *Handle) watchInfo(t *torrent.Torrent, done <-chan struct{}) {
	select {
	case <-t.GotInfo():
	case <-done:
		return
	}
	h.metaOnce.Do(func() { close(h.metaCh) })

	h.mu.Lock()
	started := h.started && h.t == t
	h.mu.Unlock()
	if started {
		t.DownloadAll()
	}
	h.logger.Info("metadata received",
		slog.String("name", t.Name()),
		slog.Int("pieces", t.NumPieces()),
		slog.String("size", humanize.Bytes(uint64(t.Length()))),
	)
}

// runEvents forwards engine piece state changes to subscribers until done.
func (h *Handle) runEvents(t *torrent.Torrent, done <-chan struct{}) {
	sub := t.SubscribePieceStateChanges()
	go func() {
		defer sub.Close()
		tracker := newPieceTracker()
		for {
			select {
			case <-done:
				return
			case change, ok := <-sub.Values:
				if !ok {
					return
				}
				cur := pieceSnap{
					complete: change.Complete,
					checking: change.Checking,
				}
				verified := tracker.observe(change.Index, t.NumPieces(), cur)
				h.hashing.Store(tracker.hashing())
				if verified != nil {
					h.dispatchVerified(*verified)
				}
			}
		}
	}()
}

func (h *Handle) dispatchVerified(ev domain.PieceVerified) {
	for _, s := range h.subscribed() {
		s.PieceVerified(ev)
	}
}

func (h *Handle) dispatchBlock(ev domain.BlockReceived) {
	for _, s := range h.subscribed() {
		s.BlockReceived(ev)
	}
}

func (h *Handle) subscribed() []ports.PieceEventHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ports.PieceEventHandler(nil), h.subscribers...)
}

func hardPause(t *torrent.Torrent) {
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func infoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// ports.Handle
// ---------------------------------------------------------------------------

func (h *Handle) InfoHash() domain.InfoHash { return h.ih }

func (h *Handle) HasMetadata() bool {
	return h.info != nil || infoReady(h.current())
}

func (h *Handle) GotMetadata() <-chan struct{} { return h.metaCh }

func (h *Handle) PieceCount() int {
	if t := h.current(); infoReady(t) {
		return t.NumPieces()
	}
	if h.info != nil {
		return h.info.NumPieces()
	}
	return 0
}

func (h *Handle) State() domain.TorrentState {
	h.mu.Lock()
	t := h.t
	in := stateInputs{
		registered: t != nil,
		started:    h.started,
		everRan:    h.everRan,
	}
	h.mu.Unlock()
	in.gotInfo = infoReady(t)
	in.hashing = h.verifying.Load() || h.hashing.Load()
	in.complete = in.gotInfo && t.BytesMissing() == 0
	return deriveState(in)
}

func (h *Handle) Complete() bool {
	t := h.current()
	return infoReady(t) && t.BytesMissing() == 0
}

func (h *Handle) Progress() float64 {
	t := h.current()
	if !infoReady(t) {
		return 0
	}
	return progressFraction(t.BytesCompleted(), t.Length())
}

func (h *Handle) Peers() domain.PeerStats {
	t := h.current()
	if t == nil {
		return domain.PeerStats{}
	}
	stats := t.Stats()
	return peerStats(stats.ActivePeers, stats.ConnectedSeeders)
}

func (h *Handle) FileCount() int {
	if t := h.current(); infoReady(t) {
		return len(t.Files())
	}
	if h.info != nil {
		return infoFileCount(h.info)
	}
	return 0
}

func (h *Handle) TotalSize() int64 {
	if t := h.current(); infoReady(t) {
		return t.Length()
	}
	if h.info != nil {
		return h.info.TotalLength()
	}
	return 0
}

func (h *Handle) Name() string {
	if t := h.current(); infoReady(t) {
		return t.Name()
	}
	if h.info != nil {
		return h.info.Name
	}
	return h.display
}

func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.t == nil {
		return errNotRegistered
	}
	t := h.t
	t.SetMaxEstablishedConns(h.maxConns())
	t.AllowDataUpload()
	t.AllowDataDownload()
	if infoReady(t) {
		t.DownloadAll()
	}
	h.started = true
	h.everRan = true
	return nil
}

func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.t != nil {
		hardPause(h.t)
	}
	h.started = false
	return nil
}

func (h *Handle) maxConns() int {
	if h.settings.MaxConnections > 0 {
		return h.settings.MaxConnections
	}
	return domain.DefaultTorrentSettings().MaxConnections
}

// HashCheck re-verifies every piece in the background. With force, loaded
// resume flags are dropped first so nothing is trusted.
func (h *Handle) HashCheck(force bool) error {
	t := h.current()
	if t == nil {
		return errNotRegistered
	}
	if !infoReady(t) {
		return errors.New("metadata not available")
	}
	if !h.verifying.CompareAndSwap(false, true) {
		return nil
	}
	if force {
		h.engine.completion.forget(h.ih)
	}
	go func() {
		defer h.verifying.Store(false)
		started := time.Now()
		t.VerifyData()
		h.logger.Info("hash check finished", slog.Duration("took", time.Since(started)))
	}()
	return nil
}

func (h *Handle) SaveFastResume() ([]byte, error) {
	t := h.current()
	if !infoReady(t) {
		return nil, errors.New("metadata not available")
	}
	n := t.NumPieces()
	have := make([]bool, n)
	for i := 0; i < n; i++ {
		have[i] = t.PieceState(i).Complete
	}
	return encodeResume(h.ih, have, time.Now())
}

func (h *Handle) LoadFastResume(data []byte) error {
	have, err := decodeResume(h.ih, data)
	if err != nil {
		return err
	}
	if n := h.PieceCount(); n > 0 && n != len(have) {
		return fmt.Errorf("%w: record has %d pieces, torrent has %d", domain.ErrCorruptResumeRecord, len(have), n)
	}
	h.mu.Lock()
	h.resume = have
	attached := h.t != nil
	h.mu.Unlock()
	if attached {
		h.engine.completion.seed(h.ih, have)
	}
	return nil
}

func (h *Handle) ResumedPieces() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resume == nil {
		return nil
	}
	return append([]bool(nil), h.resume...)
}

func (h *Handle) Descriptor() ([]byte, error) {
	if h.raw != nil {
		return append([]byte(nil), h.raw...), nil
	}
	t := h.current()
	if !infoReady(t) {
		return nil, errors.New("metadata not available")
	}
	mi := t.Metainfo()
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode metainfo: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *Handle) Subscribe(s ports.PieceEventHandler) {
	if s == nil {
		return
	}
	h.mu.Lock()
	h.subscribers = append(h.subscribers, s)
	h.mu.Unlock()
}

// Close releases the handle. A registered handle is unregistered first.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	attached := h.t != nil
	h.mu.Unlock()

	if attached {
		if err := h.engine.Unregister(h); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		h.detach()
	}
	return nil
}

func infoFileCount(info *metainfo.Info) int {
	if len(info.Files) == 0 {
		return 1
	}
	return len(info.Files)
}

var _ ports.Handle = (*Handle)(nil)
