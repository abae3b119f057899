package usecase

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
	"recurring-payments/internal/infra/logging"
)

// AutoBillingParams are the cleartext execution terms a merchant registers so
// the scheduler can bill on its behalf.
type AutoBillingParams struct {
	ID                string
	Subscriber        string
	Amount            uint64
	FeeBps            uint16
	PartnerFeeBps     uint16
	Frequency         uint32
	SubscriberAccount string
	MerchantAccount   string
	PartnerAccount    string
}

type BillingUseCase interface {
	// ScheduleAutoBilling registers (or replaces) the stored execution terms
	// for a subscription. The terms must re-derive the subscription's
	// commitment digest, so only the parameters fixed at creation time are
	// accepted.
	ScheduleAutoBilling(ctx context.Context, p AutoBillingParams) error
	CancelAutoBilling(ctx context.Context, id, subscriber string) error
}

type billingUC struct {
	policy       model.BillingPolicy
	subs         repository.SubscriptionRepository
	instructions repository.BillingInstructionRepository
	tm           repository.TransactionManager
	log          *zerolog.Logger
}

var _ BillingUseCase = (*billingUC)(nil)

func NewBillingUseCase(
	policy model.BillingPolicy,
	subs repository.SubscriptionRepository,
	instructions repository.BillingInstructionRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *billingUC {
	ucLog := logger.With().Str("component", "BillingUC").Logger()
	return &billingUC{
		policy:       policy,
		subs:         subs,
		instructions: instructions,
		tm:           tm,
		log:          &ucLog,
	}
}

func (uc *billingUC) ScheduleAutoBilling(ctx context.Context, p AutoBillingParams) error {
	defer logging.TraceDuration(uc.log, "BillingUC.ScheduleAutoBilling")()
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		sub, err := uc.subs.FindByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if sub.Subscriber != p.Subscriber {
			return domain.ErrUnauthorized
		}

		presented := model.NewCommitment(p.MerchantAccount, p.SubscriberAccount, p.Frequency, p.PartnerAccount)
		if !sub.Commitment.Equal(presented) {
			return domain.ErrInvalidSubscriptionParameters
		}
		// Fail registration early rather than on every scheduler tick.
		if err := sub.ValidateChargeAmount(p.Amount); err != nil {
			return err
		}
		if _, err := model.SplitFee(uc.policy, p.Amount, p.FeeBps, p.PartnerFeeBps); err != nil {
			return err
		}

		return uc.instructions.Save(ctx, tx, &model.BillingInstruction{
			SubscriptionID:    p.ID,
			Amount:            p.Amount,
			FeeBps:            p.FeeBps,
			PartnerFeeBps:     p.PartnerFeeBps,
			Frequency:         p.Frequency,
			SubscriberAccount: p.SubscriberAccount,
			MerchantAccount:   p.MerchantAccount,
			PartnerAccount:    p.PartnerAccount,
		})
	})
	if err != nil {
		return err
	}
	uc.log.Info().Str("subscription_id", p.ID).Msg("auto billing scheduled")
	return nil
}

func (uc *billingUC) CancelAutoBilling(ctx context.Context, id, subscriber string) error {
	defer logging.TraceDuration(uc.log, "BillingUC.CancelAutoBilling")()
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		sub, err := uc.subs.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Subscriber != subscriber {
			return domain.ErrUnauthorized
		}
		return uc.instructions.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	uc.log.Info().Str("subscription_id", id).Msg("auto billing cancelled")
	return nil
}
