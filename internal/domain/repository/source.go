package repository

import (
	"context"

	"github.com/molpadia/molparelay/internal/domain/entity"
)

// Source opens streaming downloads from the messaging platform.
type Source interface {
	Open(ctx context.Context, ref entity.SourceRef) (*entity.Download, error)
}

// Notifier delivers progress and results back to the user. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n entity.Notification)
}
