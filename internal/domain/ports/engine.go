package ports

import (
	"context"
	"net"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

// Backend constructs the process-wide engine pieces. The resource pool calls
// it exactly once per process, in order: ListenDHT, NewDHT, NewEngine.
type Backend interface {
	ListenDHT(ctx context.Context, port int) (DHTListener, error)
	NewDHT(listener DHTListener) (DHT, error)
	NewEngine(settings domain.EngineSettings, dht DHT) (Engine, error)
}

// DHTListener is the UDP endpoint the DHT engine serves on.
type DHTListener interface {
	Addr() net.Addr
	Close() error
}

type DHT interface {
	// Start begins serving, seeded with a previously saved node set when seed
	// is non-empty and cold-started otherwise.
	Start(seed []byte) error
	Running() bool
	// SaveNodes serializes the current node set. Fails with
	// domain.ErrDhtNotRunning when Start was never called.
	SaveNodes() ([]byte, error)
	Close() error
}

// Engine is the shared network engine. Handles are created detached and only
// take part in the swarm once registered.
type Engine interface {
	NewMagnetHandle(uri string, settings domain.TorrentSettings) (Handle, error)
	NewDescriptorHandle(descriptor []byte, settings domain.TorrentSettings) (Handle, error)
	NewInfoHashHandle(ih domain.InfoHash, settings domain.TorrentSettings) (Handle, error)
	// Register fails with domain.ErrAlreadyRegistered when a handle with the
	// same info hash is already registered.
	Register(h Handle) error
	Unregister(h Handle) error
	StartAll()
	StopAll()
	Handles() []Handle
	Close() error
}
