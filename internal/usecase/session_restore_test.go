package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/services/torrent/enginetest"
)

func seedRecord(f *fixture, ih domain.InfoHash, status domain.TorrentStatus, src domain.TorrentSource) {
	f.repo.records[ih] = domain.SessionRecord{
		InfoHash:  ih,
		Status:    status,
		Source:    src,
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func TestHasSource(t *testing.T) {
	tests := []struct {
		name string
		src  domain.TorrentSource
		want bool
	}{
		{"empty", domain.TorrentSource{}, false},
		{"whitespace magnet", domain.TorrentSource{Magnet: "  "}, false},
		{"magnet", domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:abc"}, true},
		{"descriptor", domain.TorrentSource{Descriptor: []byte("d4:infoe")}, true},
		{"info hash", domain.TorrentSource{InfoHash: "aa"}, true},
		{"two sources", domain.TorrentSource{Magnet: "m", InfoHash: "aa"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasSource(tt.src); got != tt.want {
				t.Fatalf("hasSource = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRestoreReopensCatalog(t *testing.T) {
	f := newFixture(t)
	active := testHash(0x40)
	stopped := testHash(0x41)
	seedRecord(f, active, domain.TorrentActive, domain.TorrentSource{Descriptor: enginetest.Descriptor(active, 4, "a")})
	seedRecord(f, stopped, domain.TorrentStopped, domain.TorrentSource{Magnet: enginetest.Magnet(stopped)})

	n, err := f.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 || f.manager.Len() != 2 {
		t.Fatalf("restored %d, open %d; want 2", n, f.manager.Len())
	}
	if got := f.handle(t, active).Starts(); got != 1 {
		t.Fatalf("active entry must be started, got %d starts", got)
	}
	if got := f.handle(t, stopped).Starts(); got != 0 {
		t.Fatalf("stopped entry must stay paused, got %d starts", got)
	}
	if rec, _ := f.repo.record(stopped); rec.Status != domain.TorrentStopped {
		t.Fatalf("stopped entry status = %s", rec.Status)
	}
}

func TestRestoreMarksBrokenEntries(t *testing.T) {
	f := newFixture(t)
	noSource := testHash(0x42)
	badSource := testHash(0x43)
	good := testHash(0x44)
	seedRecord(f, noSource, domain.TorrentActive, domain.TorrentSource{})
	seedRecord(f, badSource, domain.TorrentActive, domain.TorrentSource{Magnet: "not-a-magnet"})
	seedRecord(f, good, domain.TorrentActive, domain.TorrentSource{Magnet: enginetest.Magnet(good)})

	n, err := f.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d, want 1", n)
	}
	for _, ih := range []domain.InfoHash{noSource, badSource} {
		rec, ok := f.repo.record(ih)
		if !ok || rec.Status != domain.TorrentError {
			t.Fatalf("entry %s: status %s, want error", ih, rec.Status)
		}
	}
}

func TestRestoreSkipsAlreadyOpen(t *testing.T) {
	f := newFixture(t)
	ih := testHash(0x45)
	f.open(t, ih, 2, "x")

	n, err := f.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 0 {
		t.Fatalf("restored %d, want 0", n)
	}
	if rec, _ := f.repo.record(ih); rec.Status == domain.TorrentError {
		t.Fatalf("an open session must not be marked as failed")
	}
}

func TestRestoreCatalogErrors(t *testing.T) {
	f := newFixture(t)
	f.repo.listErr = errors.New("db down")
	if _, err := f.manager.Restore(context.Background()); !errors.Is(err, ErrRepository) {
		t.Fatalf("expected ErrRepository, got %v", err)
	}

	f = newFixture(t, WithRepository(nil))
	n, err := f.manager.Restore(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Restore without catalog = %d, %v", n, err)
	}
}
