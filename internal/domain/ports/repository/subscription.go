package repository

import (
	"context"
	"time"

	"recurring-payments/internal/domain/model"
)

type SubscriptionRepository interface {
	// Create fails with domain.ErrAlreadyExists when the identifier is taken.
	Create(ctx context.Context, tx Tx, sub *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	Save(ctx context.Context, tx Tx, sub *model.Subscription) error
	// Delete disposes a terminated subscription record.
	Delete(ctx context.Context, tx Tx, id string) error
	// FindDue lists subscriptions whose payment window is open at now,
	// for the billing scheduler.
	FindDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Subscription, error)
}
