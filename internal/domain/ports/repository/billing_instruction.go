package repository

import (
	"context"

	"recurring-payments/internal/domain/model"
)

type BillingInstructionRepository interface {
	// Save inserts or replaces the instruction for its subscription.
	Save(ctx context.Context, tx Tx, instr *model.BillingInstruction) error
	// Find fails with domain.ErrNotFound when no instruction is registered.
	Find(ctx context.Context, tx Tx, subscriptionID string) (*model.BillingInstruction, error)
	Delete(ctx context.Context, tx Tx, subscriptionID string) error
}
