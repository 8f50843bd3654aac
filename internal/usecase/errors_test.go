package usecase

import (
	"errors"
	"testing"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

func TestWrapErrors(t *testing.T) {
	tests := []struct {
		name   string
		wrap   func(error) error
		wantIs error
	}{
		{"engine", wrapEngine, ErrEngine},
		{"repository", wrapRepo, ErrRepository},
		{"storage", wrapStorage, ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.wrap(nil); got != nil {
				t.Fatalf("expected nil, got %v", got)
			}
			cause := errors.New("boom")
			got := tt.wrap(cause)
			if got == nil {
				t.Fatalf("expected error, got nil")
			}
			if !errors.Is(got, tt.wantIs) {
				t.Fatalf("expected errors.Is(%v, %v) to be true", got, tt.wantIs)
			}
			if !errors.Is(got, cause) {
				t.Fatalf("wrapped error should keep its cause")
			}
			if got.Error() == cause.Error() {
				t.Fatalf("wrapped error should differ from original")
			}
		})
	}
}

func TestWrapEngineKeepsDomainErrors(t *testing.T) {
	got := wrapEngine(errors.Join(domain.ErrPoolInit, errors.New("bind: address in use")))
	if !errors.Is(got, domain.ErrPoolInit) {
		t.Fatalf("expected pool init error to survive wrapping, got %v", got)
	}
}
