package anacrolix

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/domain/ports"
)

// compactNodeLen is one IPv4 compact node entry: 20-byte id, 4-byte IP and
// 2-byte port.
const compactNodeLen = 26

type dhtListener struct {
	conn net.PacketConn
}

func (l *dhtListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *dhtListener) Close() error { return l.conn.Close() }

// dhtNode runs an anacrolix DHT server on the pool's listener.
type dhtNode struct {
	conn   net.PacketConn
	mute   bool
	logger *slog.Logger

	mu      sync.Mutex
	server  *dht.Server
	running bool
	closed  bool
}

func newDHTNode(listener ports.DHTListener, mute bool, logger *slog.Logger) (*dhtNode, error) {
	l, ok := listener.(*dhtListener)
	if !ok {
		return nil, fmt.Errorf("dht listener of type %T not supported", listener)
	}
	return &dhtNode{conn: l.conn, mute: mute, logger: logger}, nil
}

func (d *dhtNode) Start(seed []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dht closed")
	}
	if d.running {
		return nil
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = d.conn
	if d.mute {
		cfg.Logger = mutedLogger()
	}
	server, err := dht.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("new dht server: %w", err)
	}

	nodes, err := decodeNodes(seed)
	if err != nil {
		d.logger.Warn("saved dht nodes unreadable, cold start", slog.String("error", err.Error()))
		nodes = nil
	}
	added := 0
	for _, ni := range nodes {
		if server.AddNode(ni) == nil {
			added++
		}
	}
	d.logger.Info("dht started",
		slog.String("addr", d.conn.LocalAddr().String()),
		slog.Int("seedNodes", added),
	)

	go func() {
		if _, err := server.Bootstrap(); err != nil {
			d.logger.Debug("dht bootstrap finished with error", slog.String("error", err.Error()))
		}
	}()

	d.server = server
	d.running = true
	return nil
}

func (d *dhtNode) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *dhtNode) SaveNodes() ([]byte, error) {
	d.mu.Lock()
	server := d.server
	running := d.running
	d.mu.Unlock()
	if !running || server == nil {
		return nil, domain.ErrDhtNotRunning
	}
	return encodeNodes(server.Nodes()), nil
}

func (d *dhtNode) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.running = false
	if d.server != nil {
		d.server.Close()
	}
	return nil
}

// Server is nil until Start.
func (d *dhtNode) Server() *dht.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.server
}

// encodeNodes writes nodes in compact IPv4 form. Nodes that cannot be
// represented that way are skipped.
func encodeNodes(nodes []krpc.NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, ni := range nodes {
		b, err := krpc.CompactIPv4NodeInfo{ni}.MarshalBinary()
		if err != nil || len(b) != compactNodeLen {
			continue
		}
		out = append(out, b...)
	}
	return out
}

func decodeNodes(data []byte) ([]krpc.NodeInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%compactNodeLen != 0 {
		return nil, fmt.Errorf("node data length %d is not a multiple of %d", len(data), compactNodeLen)
	}
	var nodes krpc.CompactIPv4NodeInfo
	if err := nodes.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return nodes, nil
}

var (
	_ ports.DHTListener = (*dhtListener)(nil)
	_ ports.DHT         = (*dhtNode)(nil)
)
