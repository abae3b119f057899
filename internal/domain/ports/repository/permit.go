package repository

import (
	"context"

	"recurring-payments/internal/domain/model"
)

type PermitRegistryRepository interface {
	// FindOrCreate returns the registry for (subscriber, asset), creating an
	// empty one lazily on first use.
	FindOrCreate(ctx context.Context, tx Tx, subscriber, asset string) (*model.PermitRegistry, error)
	Find(ctx context.Context, tx Tx, subscriber, asset string) (*model.PermitRegistry, error)
	Save(ctx context.Context, tx Tx, reg *model.PermitRegistry) error
	// Delete reclaims a drained registry.
	Delete(ctx context.Context, tx Tx, subscriber, asset string) error
}
