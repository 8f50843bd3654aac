// Package enginetest provides in-memory implementations of the engine ports
// for tests. Nothing here touches the network or the filesystem.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// Descriptor encodes a fake torrent descriptor understood by Engine.
func Descriptor(ih domain.InfoHash, pieces int, name string) []byte {
	return []byte(fmt.Sprintf("fake-torrent:%s:%d:%s", ih.HexString(), pieces, name))
}

func parseDescriptor(data []byte) (domain.InfoHash, int, string, error) {
	parts := strings.SplitN(string(data), ":", 4)
	if len(parts) != 4 || parts[0] != "fake-torrent" {
		return domain.InfoHash{}, 0, "", fmt.Errorf("%w: not a fake descriptor", domain.ErrInvalidSource)
	}
	ih, err := domain.ParseInfoHash(parts[1])
	if err != nil {
		return domain.InfoHash{}, 0, "", err
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return domain.InfoHash{}, 0, "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	return ih, n, parts[3], nil
}

// Magnet builds a minimal magnet URI for ih.
func Magnet(ih domain.InfoHash) string {
	return "magnet:?xt=urn:btih:" + ih.HexString()
}

func parseMagnet(uri string) (domain.InfoHash, error) {
	const prefix = "magnet:?xt=urn:btih:"
	if !strings.HasPrefix(uri, prefix) {
		return domain.InfoHash{}, fmt.Errorf("%w: bad magnet", domain.ErrInvalidSource)
	}
	raw := strings.TrimPrefix(uri, prefix)
	if i := strings.IndexByte(raw, '&'); i >= 0 {
		raw = raw[:i]
	}
	return domain.ParseInfoHash(raw)
}

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

type Backend struct {
	ListenErr error
	DHTErr    error
	StartErr  error
	EngineErr error
	// Delay slows ListenDHT down to widen init races in tests.
	Delay time.Duration

	ListenCalls atomic.Int32
	DHTCalls    atomic.Int32
	EngineCalls atomic.Int32

	mu       sync.Mutex
	listener *Listener
	dht      *DHT
	engine   *Engine
	settings domain.EngineSettings
}

func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) ListenDHT(_ context.Context, port int) (ports.DHTListener, error) {
	b.ListenCalls.Add(1)
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.ListenErr != nil {
		return nil, b.ListenErr
	}
	l := &Listener{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
	return l, nil
}

func (b *Backend) NewDHT(listener ports.DHTListener) (ports.DHT, error) {
	b.DHTCalls.Add(1)
	if b.DHTErr != nil {
		return nil, b.DHTErr
	}
	d := &DHT{startErr: b.StartErr, Nodes: []byte("fake-nodes")}
	b.mu.Lock()
	b.dht = d
	b.mu.Unlock()
	return d, nil
}

func (b *Backend) NewEngine(settings domain.EngineSettings, _ ports.DHT) (ports.Engine, error) {
	b.EngineCalls.Add(1)
	if b.EngineErr != nil {
		return nil, b.EngineErr
	}
	e := NewEngine()
	b.mu.Lock()
	b.engine = e
	b.settings = settings
	b.mu.Unlock()
	return e, nil
}

func (b *Backend) Listener() *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

func (b *Backend) DHT() *DHT {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dht
}

func (b *Backend) Engine() *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine
}

func (b *Backend) Settings() domain.EngineSettings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

// ---------------------------------------------------------------------------
// Listener / DHT
// ---------------------------------------------------------------------------

type Listener struct {
	addr   net.Addr
	closed atomic.Bool
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *Listener) Closed() bool { return l.closed.Load() }

type DHT struct {
	Nodes []byte

	startErr error

	mu      sync.Mutex
	running bool
	closed  bool
	seed    []byte
	started bool
}

func (d *DHT) Start(seed []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.seed = append([]byte(nil), seed...)
	if d.startErr != nil {
		return d.startErr
	}
	d.running = true
	return nil
}

func (d *DHT) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.closed
}

func (d *DHT) SaveNodes() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, domain.ErrDhtNotRunning
	}
	return append([]byte(nil), d.Nodes...), nil
}

func (d *DHT) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.running = false
	return nil
}

// Seed returns the bytes Start was called with.
func (d *DHT) Seed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seed
}

func (d *DHT) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type Engine struct {
	// NewHandleErr fails every handle constructor when set.
	NewHandleErr error

	StartAllCalls atomic.Int32
	StopAllCalls  atomic.Int32

	mu         sync.Mutex
	registered map[domain.InfoHash]*Handle
	created    []*Handle
	closed     bool
}

func NewEngine() *Engine {
	return &Engine{registered: make(map[domain.InfoHash]*Handle)}
}

func (e *Engine) NewMagnetHandle(uri string, settings domain.TorrentSettings) (ports.Handle, error) {
	if e.NewHandleErr != nil {
		return nil, e.NewHandleErr
	}
	ih, err := parseMagnet(uri)
	if err != nil {
		return nil, err
	}
	return e.track(NewHandle(ih, settings)), nil
}

func (e *Engine) NewDescriptorHandle(descriptor []byte, settings domain.TorrentSettings) (ports.Handle, error) {
	if e.NewHandleErr != nil {
		return nil, e.NewHandleErr
	}
	ih, pieces, name, err := parseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	h := NewHandle(ih, settings)
	h.SetMetadata(pieces, name)
	return e.track(h), nil
}

func (e *Engine) NewInfoHashHandle(ih domain.InfoHash, settings domain.TorrentSettings) (ports.Handle, error) {
	if e.NewHandleErr != nil {
		return nil, e.NewHandleErr
	}
	return e.track(NewHandle(ih, settings)), nil
}

func (e *Engine) track(h *Handle) *Handle {
	e.mu.Lock()
	e.created = append(e.created, h)
	e.mu.Unlock()
	return h
}

func (e *Engine) Register(h ports.Handle) error {
	fh, ok := h.(*Handle)
	if !ok {
		return errors.New("enginetest: foreign handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.registered[fh.ih]; exists {
		return domain.ErrAlreadyRegistered
	}
	e.registered[fh.ih] = fh
	fh.registered.Store(true)
	return nil
}

func (e *Engine) Unregister(h ports.Handle) error {
	fh, ok := h.(*Handle)
	if !ok {
		return errors.New("enginetest: foreign handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, exists := e.registered[fh.ih]; !exists || cur != fh {
		return domain.ErrNotFound
	}
	delete(e.registered, fh.ih)
	fh.registered.Store(false)
	return nil
}

func (e *Engine) StartAll() {
	e.StartAllCalls.Add(1)
	for _, h := range e.registeredHandles() {
		_ = h.Start()
	}
}

func (e *Engine) StopAll() {
	e.StopAllCalls.Add(1)
	for _, h := range e.registeredHandles() {
		_ = h.Stop()
	}
}

func (e *Engine) Handles() []ports.Handle {
	hs := e.registeredHandles()
	out := make([]ports.Handle, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

func (e *Engine) registeredHandles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Handle, 0, len(e.registered))
	for _, h := range e.registered {
		out = append(out, h)
	}
	return out
}

// Registered returns the handle registered for ih, if any.
func (e *Engine) Registered(ih domain.InfoHash) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.registered[ih]
	return h, ok
}

// Created returns every handle the engine constructed, registered or not.
func (e *Engine) Created() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Handle(nil), e.created...)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
