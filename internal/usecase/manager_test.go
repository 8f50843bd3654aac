package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/enginetest"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/pool"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/session"
)

// --- fakes ---

type fakeRepo struct {
	mu        sync.Mutex
	records   map[domain.InfoHash]domain.SessionRecord
	upsertErr error
	listErr   error
	deleteErr error
	upserts   int
	deletes   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[domain.InfoHash]domain.SessionRecord)}
}

func (f *fakeRepo) Upsert(_ context.Context, r domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.records[r.InfoHash] = r
	return nil
}

func (f *fakeRepo) Get(_ context.Context, ih domain.InfoHash) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[ih]
	if !ok {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeRepo) List(_ context.Context, _ domain.SessionFilter) ([]domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.SessionRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ context.Context, ih domain.InfoHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.records[ih]; !ok {
		return domain.ErrNotFound
	}
	delete(f.records, ih)
	return nil
}

func (f *fakeRepo) record(ih domain.InfoHash) (domain.SessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[ih]
	return r, ok
}

type fixture struct {
	backend *enginetest.Backend
	resume  *enginetest.BlobStore
	nodes   *enginetest.NodeStore
	repo    *fakeRepo
	manager *Manager
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	f := &fixture{
		backend: enginetest.NewBackend(),
		resume:  enginetest.NewBlobStore(),
		nodes:   &enginetest.NodeStore{},
		repo:    newFakeRepo(),
	}
	factory := &session.Factory{
		Pool: pool.New(f.backend, pool.WithLogger(logger), pool.WithNodeStore(f.nodes)),
		PoolSettings: pool.Settings{
			DownloadDir: filepath.Join(root, "downloads"),
			CacheDir:    filepath.Join(root, "cache"),
			DHTPort:     54321,
		},
		Resume:      f.resume,
		Descriptors: enginetest.NewBlobStore(),
		Logger:      logger,
	}
	opts = append([]ManagerOption{WithRepository(f.repo), WithLogger(logger)}, opts...)
	f.manager = NewManager(factory, opts...)
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })
	return f
}

func (f *fixture) open(t *testing.T, ih domain.InfoHash, pieces int, name string) *session.Session {
	t.Helper()
	s, err := f.manager.Open(context.Background(), OpenInput{
		Source: domain.TorrentSource{Descriptor: enginetest.Descriptor(ih, pieces, name)},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func (f *fixture) handle(t *testing.T, ih domain.InfoHash) *enginetest.Handle {
	t.Helper()
	h, ok := f.backend.Engine().Registered(ih)
	if !ok {
		t.Fatalf("handle %s not registered", ih)
	}
	return h
}

func testHash(b byte) domain.InfoHash {
	var ih domain.InfoHash
	for i := range ih {
		ih[i] = b
	}
	return ih
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpenStartsAndRecords(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x01)
	s := f.open(t, ih, 4, "album")

	if got := f.handle(t, ih).Starts(); got != 1 {
		t.Fatalf("expected session started once, got %d", got)
	}
	got, err := f.manager.Get(ih)
	if err != nil || got != s {
		t.Fatalf("Get returned %v, %v", got, err)
	}
	rec, ok := f.repo.record(ih)
	if !ok {
		t.Fatalf("expected catalog entry")
	}
	if rec.Status != domain.TorrentActive || rec.PieceCount != 4 || rec.Name != "album" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Source.Descriptor) == 0 {
		t.Fatalf("record must carry the source")
	}
}

func TestOpenPaused(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x02)
	_, err := f.manager.Open(context.Background(), OpenInput{
		Source: domain.TorrentSource{Magnet: enginetest.Magnet(ih)},
		Paused: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := f.handle(t, ih).Starts(); got != 0 {
		t.Fatalf("paused open must not start, got %d starts", got)
	}
	rec, _ := f.repo.record(ih)
	if rec.Status != domain.TorrentStopped {
		t.Fatalf("status = %s, want stopped", rec.Status)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		ih := testHash(0x03)
		f.open(t, ih, 2, "x")
		_, err := f.manager.Open(context.Background(), OpenInput{
			Source: domain.TorrentSource{Magnet: enginetest.Magnet(ih)},
		})
		if !errors.Is(err, domain.ErrAlreadyRegistered) {
			t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
		}
		if f.manager.Len() != 1 {
			t.Fatalf("expected one session, got %d", f.manager.Len())
		}
	})

	t.Run("invalid source", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Open(context.Background(), OpenInput{})
		if !errors.Is(err, domain.ErrInvalidSource) {
			t.Fatalf("expected ErrInvalidSource, got %v", err)
		}
		if errors.Is(err, ErrEngine) {
			t.Fatalf("invalid source must not be reported as engine error")
		}
	})

	t.Run("pool failure", func(t *testing.T) {
		f := newFixture(t)
		f.backend.ListenErr = errors.New("address in use")
		_, err := f.manager.Open(context.Background(), OpenInput{
			Source: domain.TorrentSource{Magnet: enginetest.Magnet(testHash(0x04))},
		})
		if !errors.Is(err, ErrEngine) || !errors.Is(err, domain.ErrPoolInit) {
			t.Fatalf("expected engine error wrapping ErrPoolInit, got %v", err)
		}
	})

	t.Run("catalog failure disposes", func(t *testing.T) {
		f := newFixture(t)
		f.repo.upsertErr = errors.New("db down")
		ih := testHash(0x05)
		_, err := f.manager.Open(context.Background(), OpenInput{
			Source: domain.TorrentSource{Descriptor: enginetest.Descriptor(ih, 2, "x")},
		})
		if !errors.Is(err, ErrRepository) {
			t.Fatalf("expected ErrRepository, got %v", err)
		}
		if f.manager.Len() != 0 {
			t.Fatalf("session must not stay open")
		}
		if _, ok := f.backend.Engine().Registered(ih); ok {
			t.Fatalf("handle must be unregistered")
		}
	})
}

func TestOpenWithoutCatalog(t *testing.T) {
	f := newFixture(t, WithRepository(nil))
	f.open(t, testHash(0x06), 1, "x")
	if f.repo.upserts != 0 {
		t.Fatalf("no catalog writes expected, got %d", f.repo.upserts)
	}
}

func TestObserverAttachedToEverySession(t *testing.T) {
	var mu sync.Mutex
	var got []domain.PieceMapChanged
	f := newFixture(t, WithObserver(func(ev domain.PieceMapChanged) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	ih := testHash(0x07)
	f.open(t, ih, 3, "x")
	f.handle(t, ih).Verify(1, 3, true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].InfoHash != ih || got[0].LastPiece != 1 {
		t.Fatalf("unexpected notifications %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Lookup and removal
// ---------------------------------------------------------------------------

func TestGetUnknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Get(testHash(0x10)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrderedByName(t *testing.T) {
	f := newFixture(t)
	f.open(t, testHash(0x11), 1, "zeta")
	f.open(t, testHash(0x12), 1, "alpha")
	f.open(t, testHash(0x13), 1, "mid")

	list := f.manager.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if list[i].Name != want {
			t.Fatalf("list[%d] = %q, want %q", i, list[i].Name, want)
		}
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x14)
	f.open(t, ih, 2, "x")
	h := f.handle(t, ih)

	if err := f.manager.Remove(context.Background(), ih); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !h.Closed() {
		t.Fatalf("handle must be closed")
	}
	if f.resume.Saves() != 1 {
		t.Fatalf("expected resume record saved on removal, got %d saves", f.resume.Saves())
	}
	if _, ok := f.repo.record(ih); ok {
		t.Fatalf("catalog entry must be deleted")
	}
	if err := f.manager.Remove(context.Background(), ih); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Remove: expected ErrNotFound, got %v", err)
	}
}

func TestRemoveCatalogFailure(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x15)
	f.open(t, ih, 2, "x")
	f.repo.deleteErr = errors.New("db down")

	if err := f.manager.Remove(context.Background(), ih); !errors.Is(err, ErrRepository) {
		t.Fatalf("expected ErrRepository, got %v", err)
	}
	if f.manager.Len() != 0 {
		t.Fatalf("session must be gone even when the catalog fails")
	}
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x20)
	f.open(t, ih, 2, "x")

	st, err := f.manager.Stop(context.Background(), ih)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !st.Paused {
		t.Fatalf("expected paused status, got %+v", st)
	}
	if rec, _ := f.repo.record(ih); rec.Status != domain.TorrentStopped {
		t.Fatalf("catalog status = %s, want stopped", rec.Status)
	}

	st, err = f.manager.Start(context.Background(), ih)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != domain.StateDownloading {
		t.Fatalf("state = %s, want downloading", st.State)
	}
	if rec, _ := f.repo.record(ih); rec.Status != domain.TorrentActive {
		t.Fatalf("catalog status = %s, want active", rec.Status)
	}

	if _, err := f.manager.Start(context.Background(), testHash(0x21)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown session: expected ErrNotFound, got %v", err)
	}
}

func TestHashCheck(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x22)
	f.open(t, ih, 2, "x")

	started, err := f.manager.HashCheck(context.Background(), ih, false)
	if err != nil || !started {
		t.Fatalf("first HashCheck = %v, %v", started, err)
	}
	started, err = f.manager.HashCheck(context.Background(), ih, true)
	if err != nil || started {
		t.Fatalf("HashCheck while hashing = %v, %v; want skipped", started, err)
	}
	if got := f.handle(t, ih).HashChecks(); got != 1 {
		t.Fatalf("engine hash checks = %d, want 1", got)
	}
}

func TestSetComplete(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x23)
	f.open(t, ih, 3, "x")

	st, err := f.manager.SetComplete(context.Background(), ih)
	if err != nil {
		t.Fatalf("SetComplete: %v", err)
	}
	if !st.HasAllPieces || st.VerifiedPieces != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	if rec, _ := f.repo.record(ih); rec.VerifiedPieces != 3 {
		t.Fatalf("catalog verified pieces = %d", rec.VerifiedPieces)
	}
}

func TestSave(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x24)
	f.open(t, ih, 2, "x")
	upserts := f.repo.upserts

	if err := f.manager.Save(context.Background(), ih); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.resume.Saves() != 1 {
		t.Fatalf("expected one resume save, got %d", f.resume.Saves())
	}
	if f.repo.upserts != upserts+1 {
		t.Fatalf("expected catalog refresh")
	}

	f.handle(t, ih).SetResume(nil, errors.New("disk full"))
	if err := f.manager.Save(context.Background(), ih); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Global operations
// ---------------------------------------------------------------------------

func TestStartAllStopAll(t *testing.T) {
	f := newFixture(t)
	f.open(t, testHash(0x30), 1, "x")

	f.manager.StopAll(context.Background())
	f.manager.StartAll(context.Background())

	e := f.backend.Engine()
	if e.StopAllCalls.Load() != 1 || e.StartAllCalls.Load() != 1 {
		t.Fatalf("StartAll/StopAll calls = %d/%d", e.StartAllCalls.Load(), e.StopAllCalls.Load())
	}
}

func TestSaveAllPersistsResumeAndDht(t *testing.T) {
	f := newFixture(t)
	f.open(t, testHash(0x31), 2, "a")
	f.open(t, testHash(0x32), 2, "b")

	if err := f.manager.SaveAll(context.Background()); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if f.resume.Saves() != 2 {
		t.Fatalf("expected 2 resume saves, got %d", f.resume.Saves())
	}
	data, ok, err := f.nodes.Load()
	if err != nil || !ok || string(data) != "fake-nodes" {
		t.Fatalf("dht node set = %q, %v, %v", data, ok, err)
	}
}

func TestSaveAllKeepsGoingPastFailures(t *testing.T) {
	f := newFixture(t)
	bad := testHash(0x33)
	f.open(t, bad, 2, "a")
	f.open(t, testHash(0x34), 2, "b")
	f.handle(t, bad).SetResume(nil, errors.New("disk full"))

	err := f.manager.SaveAll(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if f.resume.Saves() != 1 {
		t.Fatalf("healthy session must still be saved, got %d saves", f.resume.Saves())
	}
	if _, ok, _ := f.nodes.Load(); !ok {
		t.Fatalf("dht node set must still be saved")
	}
}

func TestSaveAllBeforePoolInit(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.SaveAll(context.Background()); err != nil {
		t.Fatalf("SaveAll with nothing open: %v", err)
	}
	if err := f.manager.SaveDht(); !errors.Is(err, domain.ErrDhtNotRunning) {
		t.Fatalf("SaveDht before init: expected ErrDhtNotRunning, got %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x35)
	f.open(t, ih, 2, "x")
	h := f.handle(t, ih)

	if err := f.manager.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !h.Closed() {
		t.Fatalf("handle must be closed")
	}
	if f.resume.Saves() != 1 {
		t.Fatalf("expected resume record saved on close")
	}
	if !f.backend.Engine().Closed() || !f.backend.DHT().Closed() {
		t.Fatalf("shared engine resources must be closed")
	}
	if _, err := f.manager.Open(context.Background(), OpenInput{
		Source: domain.TorrentSource{Magnet: enginetest.Magnet(testHash(0x36))},
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close: expected ErrClosed, got %v", err)
	}
	if err := f.manager.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConcurrentOpens(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x37)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, dup := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Open(context.Background(), OpenInput{
				Source: domain.TorrentSource{Magnet: enginetest.Magnet(ih)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, domain.ErrAlreadyRegistered):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if opened != 1 || dup != callers-1 {
		t.Fatalf("opened=%d duplicates=%d", opened, dup)
	}
	if f.backend.EngineCalls.Load() != 1 {
		t.Fatalf("engine built %d times", f.backend.EngineCalls.Load())
	}
}
