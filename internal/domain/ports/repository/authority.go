package repository

import (
	"context"

	"recurring-payments/internal/domain/model"
)

type AuthorityRepository interface {
	// Create fails with domain.ErrAlreadyExists once initialized; the platform
	// cannot be re-initialized.
	Create(ctx context.Context, tx Tx, a *model.Authority) error
	Get(ctx context.Context, tx Tx) (*model.Authority, error)
	Save(ctx context.Context, tx Tx, a *model.Authority) error
}
