package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/enginetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	root := t.TempDir()
	return Settings{
		DownloadDir: filepath.Join(root, "downloads"),
		CacheDir:    filepath.Join(root, "cache"),
		DHTPort:     54321,
		Engine:      domain.EngineSettings{ListenPort: 54321},
	}
}

func TestGetOrInitBuildsOnce(t *testing.T) {
	backend := enginetest.NewBackend()
	p := New(backend, WithLogger(testLogger()))
	settings := testSettings(t)

	first, err := p.GetOrInit(context.Background(), settings)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	second, err := p.GetOrInit(context.Background(), settings)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same resources on repeated calls")
	}
	if backend.ListenCalls.Load() != 1 || backend.DHTCalls.Load() != 1 || backend.EngineCalls.Load() != 1 {
		t.Fatalf("construction calls = %d/%d/%d, want 1/1/1",
			backend.ListenCalls.Load(), backend.DHTCalls.Load(), backend.EngineCalls.Load())
	}
	for _, dir := range []string{settings.DownloadDir, settings.CacheDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected dir %s to exist: %v", dir, err)
		}
	}
	if !first.DHT.Running() {
		t.Fatalf("expected dht running after init")
	}
}

func TestGetOrInitConcurrentFirstCallers(t *testing.T) {
	backend := enginetest.NewBackend()
	backend.Delay = 20 * time.Millisecond
	p := New(backend, WithLogger(testLogger()))
	settings := testSettings(t)

	const callers = 32
	results := make([]*Resources, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = p.GetOrInit(context.Background(), settings)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got different resources", i)
		}
		if results[i].Engine == nil || results[i].DHT == nil || results[i].Listener == nil {
			t.Fatalf("caller %d saw partial resources", i)
		}
	}
	if got := backend.ListenCalls.Load(); got != 1 {
		t.Fatalf("ListenDHT calls = %d, want 1", got)
	}
	if got := backend.EngineCalls.Load(); got != 1 {
		t.Fatalf("NewEngine calls = %d, want 1", got)
	}
}

func TestGetOrInitFailureIsSticky(t *testing.T) {
	backend := enginetest.NewBackend()
	backend.ListenErr = errors.New("address already in use")
	p := New(backend, WithLogger(testLogger()))
	settings := testSettings(t)

	_, err := p.GetOrInit(context.Background(), settings)
	if !errors.Is(err, domain.ErrPoolInit) {
		t.Fatalf("expected ErrPoolInit, got %v", err)
	}

	backend.ListenErr = nil
	_, err2 := p.GetOrInit(context.Background(), settings)
	if !errors.Is(err2, domain.ErrPoolInit) {
		t.Fatalf("expected sticky ErrPoolInit, got %v", err2)
	}
	if backend.ListenCalls.Load() != 1 {
		t.Fatalf("expected no retry, ListenDHT calls = %d", backend.ListenCalls.Load())
	}
	if p.Resources() != nil {
		t.Fatalf("expected no resources after failed init")
	}
}

func TestGetOrInitCleansUpPartialResources(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*enginetest.Backend)
	}{
		{name: "dht start", configure: func(b *enginetest.Backend) { b.StartErr = errors.New("boom") }},
		{name: "engine", configure: func(b *enginetest.Backend) { b.EngineErr = errors.New("boom") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := enginetest.NewBackend()
			tc.configure(backend)
			p := New(backend, WithLogger(testLogger()))

			if _, err := p.GetOrInit(context.Background(), testSettings(t)); !errors.Is(err, domain.ErrPoolInit) {
				t.Fatalf("expected ErrPoolInit, got %v", err)
			}
			if !backend.Listener().Closed() {
				t.Fatalf("expected listener closed after failed init")
			}
			if !backend.DHT().Closed() {
				t.Fatalf("expected dht closed after failed init")
			}
		})
	}
}

func TestGetOrInitSeedsDHT(t *testing.T) {
	t.Run("explicit state", func(t *testing.T) {
		backend := enginetest.NewBackend()
		p := New(backend, WithLogger(testLogger()))
		settings := testSettings(t)
		settings.DHTState = []byte("explicit")

		if _, err := p.GetOrInit(context.Background(), settings); err != nil {
			t.Fatalf("GetOrInit: %v", err)
		}
		if got := string(backend.DHT().Seed()); got != "explicit" {
			t.Fatalf("seed = %q, want explicit", got)
		}
	})

	t.Run("node store", func(t *testing.T) {
		backend := enginetest.NewBackend()
		store := &enginetest.NodeStore{}
		_ = store.Save([]byte("stored"))
		p := New(backend, WithLogger(testLogger()), WithNodeStore(store))

		if _, err := p.GetOrInit(context.Background(), testSettings(t)); err != nil {
			t.Fatalf("GetOrInit: %v", err)
		}
		if got := string(backend.DHT().Seed()); got != "stored" {
			t.Fatalf("seed = %q, want stored", got)
		}
	})

	t.Run("cold start", func(t *testing.T) {
		backend := enginetest.NewBackend()
		p := New(backend, WithLogger(testLogger()), WithNodeStore(&enginetest.NodeStore{}))

		if _, err := p.GetOrInit(context.Background(), testSettings(t)); err != nil {
			t.Fatalf("GetOrInit: %v", err)
		}
		if got := backend.DHT().Seed(); len(got) != 0 {
			t.Fatalf("seed = %q, want empty", got)
		}
	})
}

func TestEngineSettingsDefaults(t *testing.T) {
	backend := enginetest.NewBackend()
	p := New(backend, WithLogger(testLogger()))
	settings := testSettings(t)
	settings.Engine.EncryptionRequired = true

	res, err := p.GetOrInit(context.Background(), settings)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	got := backend.Settings()
	if got.MaxConnections != 500 || got.MaxHalfOpen != 250 {
		t.Fatalf("connection limits = %d/%d, want 500/250", got.MaxConnections, got.MaxHalfOpen)
	}
	if got.DownloadDir != settings.DownloadDir {
		t.Fatalf("DownloadDir = %q, want %q", got.DownloadDir, settings.DownloadDir)
	}
	if !got.EncryptionPreferred {
		t.Fatalf("required encryption must imply preferred")
	}
	if res.Settings != got {
		t.Fatalf("resources settings differ from engine settings")
	}
}

func TestSaveDhtNodes(t *testing.T) {
	backend := enginetest.NewBackend()
	store := &enginetest.NodeStore{}
	p := New(backend, WithLogger(testLogger()), WithNodeStore(store))

	if _, err := p.SaveDhtNodes(); !errors.Is(err, domain.ErrDhtNotRunning) {
		t.Fatalf("expected ErrDhtNotRunning before init, got %v", err)
	}
	if err := p.PersistDhtNodes(); !errors.Is(err, domain.ErrDhtNotRunning) {
		t.Fatalf("expected ErrDhtNotRunning from persist before init, got %v", err)
	}

	if _, err := p.GetOrInit(context.Background(), testSettings(t)); err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	data, err := p.SaveDhtNodes()
	if err != nil {
		t.Fatalf("SaveDhtNodes: %v", err)
	}
	if string(data) != "fake-nodes" {
		t.Fatalf("nodes = %q", data)
	}
	if err := p.PersistDhtNodes(); err != nil {
		t.Fatalf("PersistDhtNodes: %v", err)
	}
	stored, ok, _ := store.Load()
	if !ok || string(stored) != "fake-nodes" {
		t.Fatalf("stored = %q, %v", stored, ok)
	}
}

func TestStartStopAll(t *testing.T) {
	backend := enginetest.NewBackend()
	p := New(backend, WithLogger(testLogger()))

	// Before init these are no-ops.
	p.StartAll()
	p.StopAll()

	if _, err := p.GetOrInit(context.Background(), testSettings(t)); err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	p.StopAll()
	p.StartAll()
	engine := backend.Engine()
	if engine.StopAllCalls.Load() != 1 || engine.StartAllCalls.Load() != 1 {
		t.Fatalf("StopAll/StartAll calls = %d/%d", engine.StopAllCalls.Load(), engine.StartAllCalls.Load())
	}
}

func TestClose(t *testing.T) {
	backend := enginetest.NewBackend()
	p := New(backend, WithLogger(testLogger()))
	if _, err := p.GetOrInit(context.Background(), testSettings(t)); err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !backend.Engine().Closed() || !backend.DHT().Closed() || !backend.Listener().Closed() {
		t.Fatalf("expected all resources closed")
	}
	if _, err := p.GetOrInit(context.Background(), testSettings(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if _, err := p.SaveDhtNodes(); !errors.Is(err, domain.ErrDhtNotRunning) {
		t.Fatalf("expected ErrDhtNotRunning after Close, got %v", err)
	}
}
