package repository

import (
	"context"

	"recurring-payments/internal/domain/model"
)

// EventLogRepository persists lifecycle notifications. Append-only; the engine
// never reads events back.
type EventLogRepository interface {
	Append(ctx context.Context, tx Tx, ev *model.Event) error
}
