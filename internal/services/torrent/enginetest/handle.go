package enginetest

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// ErrBadResume is the corruption error Handle.LoadFastResume reports for
// input set up via CorruptResume.
var ErrBadResume = errors.New("enginetest: bad resume data")

// Handle is a scriptable managed torrent. Tests drive it with Verify, Block
// and SetMetadata.
type Handle struct {
	ih       domain.InfoHash
	settings domain.TorrentSettings

	registered atomic.Bool

	metaOnce sync.Once
	metaCh   chan struct{}

	mu          sync.Mutex
	hasMeta     bool
	pieces      int
	name        string
	state       domain.TorrentState
	complete    bool
	progress    float64
	peers       domain.PeerStats
	files       int
	size        int64
	resume      []byte
	resumeErr   error
	loaded      []byte
	resumed     []bool
	subscribers []ports.PieceEventHandler
	hashChecks  int
	starts      int
	stops       int
	closed      bool
	closeCount  int
	descriptor  []byte
	saveCalls   int
}

func NewHandle(ih domain.InfoHash, settings domain.TorrentSettings) *Handle {
	return &Handle{
		ih:       ih,
		settings: settings,
		metaCh:   make(chan struct{}),
		state:    domain.StateStopped,
		resume:   []byte("resume:" + ih.HexString()),
	}
}

// SetMetadata makes the piece layout known and closes GotMetadata.
func (h *Handle) SetMetadata(pieces int, name string) {
	h.mu.Lock()
	h.hasMeta = true
	h.pieces = pieces
	h.name = name
	h.files = 1
	h.size = int64(pieces) * 16384
	h.descriptor = Descriptor(h.ih, pieces, name)
	if h.state == domain.StateMetadata {
		h.state = domain.StateDownloading
	}
	h.mu.Unlock()
	h.metaOnce.Do(func() { close(h.metaCh) })
}

// Verify fires a PieceVerified event to every subscriber.
func (h *Handle) Verify(index, pieceCount int, passed bool) {
	for _, s := range h.subs() {
		s.PieceVerified(domain.PieceVerified{Index: index, PieceCount: pieceCount, Passed: passed})
	}
}

// Block fires a BlockReceived event to every subscriber.
func (h *Handle) Block(index, pieceCount int) {
	for _, s := range h.subs() {
		s.BlockReceived(domain.BlockReceived{Index: index, PieceCount: pieceCount})
	}
}

func (h *Handle) subs() []ports.PieceEventHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ports.PieceEventHandler(nil), h.subscribers...)
}

func (h *Handle) SetState(state domain.TorrentState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Handle) SetComplete(complete bool) {
	h.mu.Lock()
	h.complete = complete
	h.mu.Unlock()
}

func (h *Handle) SetPeers(peers domain.PeerStats) {
	h.mu.Lock()
	h.peers = peers
	h.mu.Unlock()
}

func (h *Handle) SetProgress(p float64) {
	h.mu.Lock()
	h.progress = p
	h.mu.Unlock()
}

// SetResume sets what SaveFastResume returns.
func (h *Handle) SetResume(data []byte, err error) {
	h.mu.Lock()
	h.resume = data
	h.resumeErr = err
	h.mu.Unlock()
}

func (h *Handle) InfoHash() domain.InfoHash { return h.ih }

func (h *Handle) HasMetadata() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMeta
}

func (h *Handle) GotMetadata() <-chan struct{} { return h.metaCh }

func (h *Handle) PieceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pieces
}

func (h *Handle) State() domain.TorrentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.complete
}

func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

func (h *Handle) Peers() domain.PeerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers
}

func (h *Handle) FileCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files
}

func (h *Handle) TotalSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	if h.hasMeta {
		h.state = domain.StateDownloading
	} else {
		h.state = domain.StateMetadata
	}
	return nil
}

func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	if h.starts > 0 {
		h.state = domain.StatePaused
	}
	return nil
}

func (h *Handle) HashCheck(force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashChecks++
	h.state = domain.StateHashing
	return nil
}

func (h *Handle) SaveFastResume() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saveCalls++
	if h.resumeErr != nil {
		return nil, h.resumeErr
	}
	return append([]byte(nil), h.resume...), nil
}

// LoadFastResume accepts anything except input starting with "corrupt".
// Input of the form "pieces:1011" also carries piece flags, see ResumeRecord.
func (h *Handle) LoadFastResume(data []byte) error {
	if bytes.HasPrefix(data, []byte("corrupt")) {
		return errors.Join(domain.ErrCorruptResumeRecord, ErrBadResume)
	}
	var resumed []bool
	if flags, ok := bytes.CutPrefix(data, []byte("pieces:")); ok {
		resumed = make([]bool, len(flags))
		for i, c := range flags {
			resumed[i] = c == '1'
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = append([]byte(nil), data...)
	h.resumed = resumed
	return nil
}

func (h *Handle) ResumedPieces() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.resumed...)
}

// ResumeRecord encodes piece flags in the form LoadFastResume decodes.
func ResumeRecord(have ...bool) []byte {
	buf := []byte("pieces:")
	for _, ok := range have {
		if ok {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}
	}
	return buf
}

func (h *Handle) Descriptor() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasMeta {
		return nil, errors.New("enginetest: no metadata")
	}
	return append([]byte(nil), h.descriptor...), nil
}

func (h *Handle) Subscribe(s ports.PieceEventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, s)
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeCount++
	return nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

func (h *Handle) Registered() bool { return h.registered.Load() }

func (h *Handle) Loaded() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *Handle) HashChecks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashChecks
}

func (h *Handle) Starts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

func (h *Handle) Stops() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCount
}

func (h *Handle) SaveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveCalls
}

func (h *Handle) Settings() domain.TorrentSettings { return h.settings }

var _ ports.Handle = (*Handle)(nil)
