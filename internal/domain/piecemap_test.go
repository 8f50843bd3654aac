package domain

import (
	"errors"
	"sync"
	"testing"
)

func TestPieceMapUnsizedIsNotZeroLength(t *testing.T) {
	unsized := NewPieceMap()
	empty := NewSizedPieceMap(0)

	if unsized.Sized() {
		t.Fatalf("unsized map reports sized")
	}
	if !empty.Sized() {
		t.Fatalf("zero-length map reports unsized")
	}
	if snap, ok := unsized.Snapshot(); ok || snap != nil {
		t.Fatalf("unsized snapshot = %v/%v, want nil/false", snap, ok)
	}
	if snap, ok := empty.Snapshot(); !ok || snap == nil || len(snap) != 0 {
		t.Fatalf("empty snapshot = %v/%v, want []/true", snap, ok)
	}
	if unsized.Complete() {
		t.Fatalf("unsized map must not be complete")
	}
}

func TestPieceMapMarkBeforeSized(t *testing.T) {
	m := NewPieceMap()
	if err := m.Mark(0, true); !errors.Is(err, ErrNotSized) {
		t.Fatalf("Mark on unsized map: err = %v, want ErrNotSized", err)
	}
	if err := m.MarkAll(); !errors.Is(err, ErrNotSized) {
		t.Fatalf("MarkAll on unsized map: err = %v, want ErrNotSized", err)
	}
}

func TestPieceMapMarkOutOfRange(t *testing.T) {
	m := NewSizedPieceMap(4)
	for _, idx := range []int{-1, 4, 100} {
		if err := m.Mark(idx, true); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("Mark(%d): err = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestPieceMapEnsureSized(t *testing.T) {
	tests := []struct {
		name    string
		first   int
		second  int
		wantErr error
	}{
		{"SameSizeIsNoop", 100, 100, nil},
		{"DifferentSizeFails", 100, 50, ErrAlreadySized},
		{"ZeroThenZero", 0, 0, nil},
		{"ZeroThenOne", 0, 1, ErrAlreadySized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewPieceMap()
			if err := m.EnsureSized(tc.first); err != nil {
				t.Fatalf("first EnsureSized: %v", err)
			}
			err := m.EnsureSized(tc.second)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("second EnsureSized: unexpected error %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("second EnsureSized: err = %v, want %v", err, tc.wantErr)
			}
			if n, _ := m.Len(); n != tc.first {
				t.Fatalf("Len = %d, want %d", n, tc.first)
			}
		})
	}
}

func TestPieceMapEnsureSizedKeepsMarks(t *testing.T) {
	m := NewSizedPieceMap(3)
	_ = m.Mark(1, true)
	if err := m.EnsureSized(3); err != nil {
		t.Fatalf("EnsureSized: %v", err)
	}
	snap, _ := m.Snapshot()
	if !snap[1] {
		t.Fatalf("EnsureSized with same size reset the map: %v", snap)
	}
}

func TestPieceMapComplete(t *testing.T) {
	m := NewSizedPieceMap(4)
	for i := 0; i < 3; i++ {
		_ = m.Mark(i, true)
	}
	if m.Complete() {
		t.Fatalf("[true,true,true,false] reported complete")
	}
	if err := m.Mark(3, true); err != nil {
		t.Fatalf("Mark(3): %v", err)
	}
	if !m.Complete() {
		t.Fatalf("all-true map not complete")
	}
	_ = m.Mark(2, false)
	if m.Complete() {
		t.Fatalf("map complete after unmarking a piece")
	}
	if got := m.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
}

func TestPieceMapSnapshotDoesNotAlias(t *testing.T) {
	m := NewSizedPieceMap(2)
	snap, _ := m.Snapshot()
	snap[0] = true

	again, _ := m.Snapshot()
	if again[0] {
		t.Fatalf("mutating a snapshot changed the map")
	}

	_ = m.Mark(1, true)
	if snap[1] {
		t.Fatalf("earlier snapshot observed a later write")
	}
}

func TestPieceMapMarkAll(t *testing.T) {
	m := NewSizedPieceMap(5)
	if err := m.MarkAll(); err != nil {
		t.Fatalf("MarkAll: %v", err)
	}
	if !m.Complete() {
		t.Fatalf("map not complete after MarkAll")
	}
}

func TestPieceMapConcurrentWritersNoLostUpdates(t *testing.T) {
	const (
		writers   = 8
		perWriter = 512
	)
	m := NewSizedPieceMap(writers * perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			start := w * perWriter
			for i := start; i < start+perWriter; i++ {
				// Mark then flip odd indices back, so the final value depends on
				// the last write landing.
				if err := m.Mark(i, true); err != nil {
					t.Errorf("Mark(%d): %v", i, err)
					return
				}
				if i%2 == 1 {
					if err := m.Mark(i, false); err != nil {
						t.Errorf("Mark(%d): %v", i, err)
						return
					}
				}
			}
		}(w)
	}

	// Concurrent readers must always see a correctly sized copy.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snap, ok := m.Snapshot()
			if !ok || len(snap) != writers*perWriter {
				t.Errorf("snapshot len = %d/%v", len(snap), ok)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	snap, _ := m.Snapshot()
	for i, got := range snap {
		want := i%2 == 0
		if got != want {
			t.Fatalf("piece %d = %v, want %v", i, got, want)
		}
	}
}

func TestPieceMapConcurrentEnsureSizedSingleWinner(t *testing.T) {
	m := NewPieceMap()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureSized(10)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureSized: %v", err)
		}
	}
	if n, ok := m.Len(); !ok || n != 10 {
		t.Fatalf("Len = %d/%v, want 10/true", n, ok)
	}
}
