package ports

import (
	"context"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

type SessionRepository interface {
	Upsert(ctx context.Context, r domain.SessionRecord) error
	Get(ctx context.Context, ih domain.InfoHash) (domain.SessionRecord, error)
	List(ctx context.Context, filter domain.SessionFilter) ([]domain.SessionRecord, error)
	Delete(ctx context.Context, ih domain.InfoHash) error
}
