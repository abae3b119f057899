package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
)

// Ensure billingInstructionRepo implements repository.BillingInstructionRepository
var _ repository.BillingInstructionRepository = (*billingInstructionRepo)(nil)

type billingInstructionRepo struct {
	pool *pgxpool.Pool
}

func NewBillingInstructionRepo(pool *pgxpool.Pool) *billingInstructionRepo {
	return &billingInstructionRepo{pool: pool}
}

func (r *billingInstructionRepo) Save(ctx context.Context, tx repository.Tx, instr *model.BillingInstruction) error {
	const q = `
INSERT INTO billing_instructions
    (subscription_id, amount, fee_bps, partner_fee_bps, frequency,
     subscriber_account, merchant_account, partner_account, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (subscription_id) DO UPDATE SET
    amount=EXCLUDED.amount,
    fee_bps=EXCLUDED.fee_bps,
    partner_fee_bps=EXCLUDED.partner_fee_bps,
    frequency=EXCLUDED.frequency,
    subscriber_account=EXCLUDED.subscriber_account,
    merchant_account=EXCLUDED.merchant_account,
    partner_account=EXCLUDED.partner_account,
    updated_at=EXCLUDED.updated_at;`
	if _, err := execSQL(ctx, r.pool, tx, q,
		instr.SubscriptionID, int64(instr.Amount), int32(instr.FeeBps), int32(instr.PartnerFeeBps),
		int64(instr.Frequency), instr.SubscriberAccount, instr.MerchantAccount, instr.PartnerAccount,
		time.Now()); err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return err
		default:
			return domain.ErrOperationFailed
		}
	}
	return nil
}

func (r *billingInstructionRepo) Find(ctx context.Context, tx repository.Tx, subscriptionID string) (*model.BillingInstruction, error) {
	const q = `
SELECT subscription_id, amount, fee_bps, partner_fee_bps, frequency,
       subscriber_account, merchant_account, partner_account
  FROM billing_instructions
 WHERE subscription_id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, subscriptionID)
	if err != nil {
		return nil, err
	}
	instr := &model.BillingInstruction{}
	var amount, frequency int64
	var feeBps, partnerFeeBps int32
	if err := row.Scan(&instr.SubscriptionID, &amount, &feeBps, &partnerFeeBps, &frequency,
		&instr.SubscriberAccount, &instr.MerchantAccount, &instr.PartnerAccount); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	instr.Amount = uint64(amount)
	instr.FeeBps = uint16(feeBps)
	instr.PartnerFeeBps = uint16(partnerFeeBps)
	instr.Frequency = uint32(frequency)
	return instr, nil
}

func (r *billingInstructionRepo) Delete(ctx context.Context, tx repository.Tx, subscriptionID string) error {
	const q = `DELETE FROM billing_instructions WHERE subscription_id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, subscriptionID)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return err
		default:
			return domain.ErrOperationFailed
		}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
