package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

func TestSourceFromArg(t *testing.T) {
	dir := t.TempDir()
	torrentPath := filepath.Join(dir, "a.torrent")
	if err := os.WriteFile(torrentPath, []byte("d4:infod6:lengthi1eee"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash := strings.Repeat("ab", 20)

	tests := []struct {
		name    string
		arg     string
		check   func(domain.TorrentSource) bool
		wantErr bool
	}{
		{"magnet", " magnet:?xt=urn:btih:" + hash, func(s domain.TorrentSource) bool {
			return strings.HasPrefix(s.Magnet, "magnet:")
		}, false},
		{"upper magnet", "MAGNET:?xt=urn:btih:" + hash, func(s domain.TorrentSource) bool { return s.Magnet != "" }, false},
		{"file", torrentPath, func(s domain.TorrentSource) bool { return len(s.Descriptor) > 0 }, false},
		{"info hash", hash, func(s domain.TorrentSource) bool { return s.InfoHash == hash }, false},
		{"missing file", filepath.Join(dir, "missing.torrent"), nil, true},
		{"directory", dir, nil, true},
		{"bad hash", "xyz", nil, true},
		{"empty", "  ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := sourceFromArg(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", src)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(src) {
				t.Fatalf("unexpected source %+v", src)
			}
		})
	}
}

func TestSourceFromArgInvalidIsTyped(t *testing.T) {
	_, err := sourceFromArg("nothex")
	if !errors.Is(err, domain.ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestProgressLine(t *testing.T) {
	unsized := progressLine(domain.SessionStatus{InfoHash: domain.InfoHash{0xab}, Peers: domain.PeerStats{Connected: 3}})
	if !strings.Contains(unsized, "fetching metadata") || !strings.HasPrefix(unsized, "ab00") {
		t.Fatalf("unsized line = %q", unsized)
	}

	sized := progressLine(domain.SessionStatus{
		Name:           "ubuntu.iso",
		Sized:          true,
		PieceCount:     4,
		VerifiedPieces: 2,
		Progress:       0.5,
		TotalSize:      2_000_000,
	})
	for _, want := range []string{"ubuntu.iso", "2/4 pieces", "1.0 MB / 2.0 MB", "50.0%"} {
		if !strings.Contains(sized, want) {
			t.Fatalf("line %q missing %q", sized, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "quicktorrent version: dev") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "fetch", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("subcommand %s not registered: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("missing --config flag")
	}
}
