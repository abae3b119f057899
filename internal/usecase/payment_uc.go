package usecase

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/adapter"
	"recurring-payments/internal/domain/ports/repository"
	"recurring-payments/internal/infra/logging"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

// OneTimePaymentParams describes a single pull payment. The payer signed the
// operation, so transfers run under the payer's own authority, not the
// delegate's. PartnerAccount may be empty when no partner takes a cut.
type OneTimePaymentParams struct {
	ID              string // caller-supplied unique identifier (UUID)
	Asset           string
	PayerAccount    string
	MerchantAccount string
	PartnerAccount  string
	Amount          uint64
	FeeBps          uint16
	PartnerFeeBps   uint16
	Refund          model.RefundQuote // token payments only; zero quote is a no-op
}

type PaymentUseCase interface {
	// ProcessNativePayment settles a one-time payment in the chain's native
	// asset. No compute refund: the payer fronted the execution cost.
	ProcessNativePayment(ctx context.Context, p OneTimePaymentParams) error
	// ProcessTokenPayment settles a one-time payment in an asset token and
	// reimburses the operator's execution cost from the payer, uncapped,
	// because the payer authorized the exact refund out-of-band.
	ProcessTokenPayment(ctx context.Context, p OneTimePaymentParams) error
}

type paymentUC struct {
	policy    model.BillingPolicy
	authority repository.AuthorityRepository
	tm        repository.TransactionManager
	transfer  adapter.TransferService
	refunds   refunder
	log       *zerolog.Logger
}

func NewPaymentUseCase(
	policy model.BillingPolicy,
	authority repository.AuthorityRepository,
	events repository.EventLogRepository,
	tm repository.TransactionManager,
	transfer adapter.TransferService,
	clock adapter.Clock,
	logger *zerolog.Logger,
) *paymentUC {
	ucLog := logger.With().Str("component", "PaymentUC").Logger()
	return &paymentUC{
		policy:    policy,
		authority: authority,
		tm:        tm,
		transfer:  transfer,
		refunds:   refunder{policy: policy, transfer: transfer, events: events, clock: clock, log: &ucLog},
		log:       &ucLog,
	}
}

func (uc *paymentUC) ProcessNativePayment(ctx context.Context, p OneTimePaymentParams) error {
	defer logging.TraceDuration(uc.log, "PaymentUC.ProcessNativePayment")()
	return uc.process(ctx, p, false)
}

func (uc *paymentUC) ProcessTokenPayment(ctx context.Context, p OneTimePaymentParams) error {
	defer logging.TraceDuration(uc.log, "PaymentUC.ProcessTokenPayment")()
	return uc.process(ctx, p, true)
}

func (uc *paymentUC) process(ctx context.Context, p OneTimePaymentParams, withRefund bool) error {
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if p.Amount == 0 {
			return domain.ErrZeroAmount
		}
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}

		split, err := model.SplitFee(uc.policy, p.Amount, p.FeeBps, p.PartnerFeeBps)
		if err != nil {
			return err
		}

		if err := uc.transfer.Move(ctx, p.Asset, p.PayerAccount, auth.Owner, p.PayerAccount, split.Protocol); err != nil {
			return err
		}
		if split.Partner > 0 && p.PartnerAccount != "" {
			if err := uc.transfer.Move(ctx, p.Asset, p.PayerAccount, p.PartnerAccount, p.PayerAccount, split.Partner); err != nil {
				return err
			}
		}
		if err := uc.transfer.Move(ctx, p.Asset, p.PayerAccount, p.MerchantAccount, p.PayerAccount, split.Merchant); err != nil {
			return err
		}

		if withRefund {
			// Uncapped and absorbed: a failed reimbursement never unwinds a
			// settled payment.
			if _, err := uc.refunds.settle(ctx, tx, refundBestEffort, p.ID, p.Asset,
				p.PayerAccount, p.PayerAccount, auth.Owner, p.Refund, 0); err != nil {
				return err
			}
		}

		return uc.refunds.appendEvent(ctx, tx, &model.Event{
			Kind:        model.EventPaymentProcessed,
			OperationID: p.ID,
		})
	})
	if err != nil {
		return err
	}
	uc.log.Info().Str("payment_id", p.ID).Uint64("amount", p.Amount).Msg("payment processed")
	return nil
}
