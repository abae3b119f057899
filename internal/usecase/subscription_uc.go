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
var _ SubscriptionUseCase = (*subscriptionUC)(nil)

// CreateSubscriptionParams carries everything needed to open a recurring
// contract. The account fields are bound into the commitment, so later
// executions presenting different accounts are rejected.
type CreateSubscriptionParams struct {
	ID                string // caller-supplied unique identifier (UUID)
	Subscriber        string
	Asset             string
	SubscriberAccount string
	MerchantAccount   string
	PartnerAccount    string
	Amount            uint64
	MaxAmount         uint64
	Allowance         uint64
	Frequency         uint32
	PayAsYouGo        bool
	Refund            model.RefundQuote
}

type ExecuteSubscriptionParams struct {
	ID                string
	Amount            uint64
	FeeBps            uint16
	PartnerFeeBps     uint16
	Frequency         uint32
	SubscriberAccount string
	MerchantAccount   string
	PartnerAccount    string
	Refund            model.RefundQuote
}

type IncreaseAllowanceParams struct {
	ID                string
	Subscriber        string
	SubscriberAccount string
	NewAllowance      uint64
	Refund            model.RefundQuote
}

type UpdateMaxAmountParams struct {
	ID                string
	Subscriber        string
	SubscriberAccount string
	NewMaxAmount      uint64
	Refund            model.RefundQuote
}

// SubscriptionReceipt is the caller-visible outcome of a mutating operation.
type SubscriptionReceipt struct {
	NextPaymentDue     int64
	RemainingAllowance uint64
}

type SubscriptionUseCase interface {
	Create(ctx context.Context, p CreateSubscriptionParams) (*SubscriptionReceipt, error)
	Execute(ctx context.Context, p ExecuteSubscriptionParams) (*SubscriptionReceipt, error)
	// Cancel is the voluntary path: pay-as-you-go contracts are merely
	// stopped and finalized on their next execution; fixed-period contracts
	// close immediately but only while no payment window is open.
	Cancel(ctx context.Context, id, subscriber string) error
	// ForceCancel closes a contract unconditionally. Administrative use.
	ForceCancel(ctx context.Context, id string) error
	IncreaseAllowance(ctx context.Context, p IncreaseAllowanceParams) error
	UpdateMaxAmount(ctx context.Context, p UpdateMaxAmountParams) error
}

type subscriptionUC struct {
	policy    model.BillingPolicy
	subs      repository.SubscriptionRepository
	permits   repository.PermitRegistryRepository
	authority repository.AuthorityRepository
	tm        repository.TransactionManager
	transfer  adapter.TransferService
	clock     adapter.Clock
	refunds   refunder
	log       *zerolog.Logger
}

func NewSubscriptionUseCase(
	policy model.BillingPolicy,
	subs repository.SubscriptionRepository,
	permits repository.PermitRegistryRepository,
	authority repository.AuthorityRepository,
	events repository.EventLogRepository,
	tm repository.TransactionManager,
	transfer adapter.TransferService,
	clock adapter.Clock,
	logger *zerolog.Logger,
) *subscriptionUC {
	ucLog := logger.With().Str("component", "SubscriptionUC").Logger()
	return &subscriptionUC{
		policy:    policy,
		subs:      subs,
		permits:   permits,
		authority: authority,
		tm:        tm,
		transfer:  transfer,
		clock:     clock,
		refunds:   refunder{policy: policy, transfer: transfer, events: events, clock: clock, log: &ucLog},
		log:       &ucLog,
	}
}

func (uc *subscriptionUC) Create(ctx context.Context, p CreateSubscriptionParams) (*SubscriptionReceipt, error) {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.Create")()
	var receipt *SubscriptionReceipt
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}

		commitment := model.NewCommitment(p.MerchantAccount, p.SubscriberAccount, p.Frequency, p.PartnerAccount)
		sub, err := model.NewSubscription(uc.policy, p.ID, p.Subscriber, p.Asset,
			p.Amount, p.MaxAmount, p.Allowance, p.Frequency, p.PayAsYouGo, commitment, uc.clock.Now())
		if err != nil {
			return err
		}

		reg, err := uc.permits.FindOrCreate(ctx, tx, p.Subscriber, p.Asset)
		if err != nil {
			return err
		}
		approveAmount, err := reg.AddAllowance(p.Allowance)
		if err != nil {
			return err
		}
		if err := uc.transfer.Approve(ctx, p.Asset, p.SubscriberAccount, auth.Owner, approveAmount); err != nil {
			return err
		}

		// Refund headroom is the cap minus the opening payment; the payer
		// authorized the transfer themselves at this point.
		refund, err := uc.refunds.settle(ctx, tx, refundBestEffort, p.ID, p.Asset,
			p.SubscriberAccount, p.SubscriberAccount, auth.Owner, p.Refund, p.MaxAmount-p.Amount)
		if err != nil {
			return err
		}
		if err := reg.UseAllowance(refund); err != nil {
			return err
		}
		sub.UsedAllowance = refund

		if err := uc.subs.Create(ctx, tx, sub); err != nil {
			return err
		}
		if err := uc.permits.Save(ctx, tx, reg); err != nil {
			return err
		}

		receipt = &SubscriptionReceipt{
			NextPaymentDue:     sub.NextPaymentDue,
			RemainingAllowance: sub.RemainingAllowance(),
		}
		return uc.refunds.appendEvent(ctx, tx, &model.Event{
			Kind:               model.EventSubscriptionCreated,
			OperationID:        p.ID,
			NextPaymentDue:     receipt.NextPaymentDue,
			RemainingAllowance: receipt.RemainingAllowance,
		})
	})
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("subscription_id", p.ID).Int64("next_due", receipt.NextPaymentDue).Msg("subscription created")
	return receipt, nil
}

func (uc *subscriptionUC) Execute(ctx context.Context, p ExecuteSubscriptionParams) (*SubscriptionReceipt, error) {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.Execute")()
	var receipt *SubscriptionReceipt
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}
		sub, err := uc.subs.FindByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}

		now := uc.clock.Now()
		if !sub.Due(now) {
			return domain.ErrPaymentNotDueYet
		}
		if err := sub.ValidateChargeAmount(p.Amount); err != nil {
			return err
		}

		presented := model.NewCommitment(p.MerchantAccount, p.SubscriberAccount, p.Frequency, p.PartnerAccount)
		if !sub.Commitment.Equal(presented) {
			return domain.ErrInvalidSubscriptionParameters
		}

		if !sub.CanDraw(p.Amount) {
			return domain.ErrInsufficientAllowance
		}
		reg, err := uc.permits.Find(ctx, tx, sub.Subscriber, sub.Asset)
		if err != nil {
			return err
		}
		if !reg.HasEnough(p.Amount) {
			return domain.ErrInsufficientAllowance
		}

		split, err := model.SplitFee(uc.policy, p.Amount, p.FeeBps, p.PartnerFeeBps)
		if err != nil {
			return err
		}

		// Fee, partner fee, then merchant remainder, moved by the platform
		// acting as the payer's delegate.
		if err := uc.transfer.Move(ctx, sub.Asset, p.SubscriberAccount, auth.Owner, auth.Owner, split.Protocol); err != nil {
			return err
		}
		if split.Partner > 0 {
			if err := uc.transfer.Move(ctx, sub.Asset, p.SubscriberAccount, p.PartnerAccount, auth.Owner, split.Partner); err != nil {
				return err
			}
		}
		if err := uc.transfer.Move(ctx, sub.Asset, p.SubscriberAccount, p.MerchantAccount, auth.Owner, split.Merchant); err != nil {
			return err
		}

		// The refund amount enters the used-allowance math below, so a failed
		// refund transfer aborts the execution rather than being absorbed.
		refund, err := uc.refunds.settle(ctx, tx, refundMandatory, p.ID, sub.Asset,
			p.SubscriberAccount, auth.Owner, auth.Owner, p.Refund, sub.MaxAmount-p.Amount)
		if err != nil {
			return err
		}

		totalDraw, err := sub.RecordCharge(p.Amount, refund)
		if err != nil {
			return err
		}
		if err := reg.UseAllowance(totalDraw); err != nil {
			return err
		}
		sub.AdvanceSchedule(uc.policy, p.Frequency, now)

		var remaining uint64
		if sub.Stopped {
			// Stop-then-finalize: the last usage-based bill settles here and
			// the contract closes.
			if err := reg.RevokeAllowance(sub); err != nil {
				return err
			}
			if err := uc.subs.Delete(ctx, tx, sub.ID); err != nil {
				return err
			}
			if err := uc.reconcileRegistry(ctx, tx, reg); err != nil {
				return err
			}
		} else {
			remaining = sub.RemainingAllowance()
			if err := uc.subs.Save(ctx, tx, sub); err != nil {
				return err
			}
			if err := uc.permits.Save(ctx, tx, reg); err != nil {
				return err
			}
		}

		receipt = &SubscriptionReceipt{NextPaymentDue: sub.NextPaymentDue, RemainingAllowance: remaining}
		return uc.refunds.appendEvent(ctx, tx, &model.Event{
			Kind:               model.EventSubscriptionExecuted,
			OperationID:        p.ID,
			NextPaymentDue:     sub.NextPaymentDue,
			RemainingAllowance: remaining,
		})
	})
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("subscription_id", p.ID).Uint64("amount", p.Amount).Msg("subscription executed")
	return receipt, nil
}

func (uc *subscriptionUC) Cancel(ctx context.Context, id, subscriber string) error {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.Cancel")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		sub, err := uc.subs.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Subscriber != subscriber {
			return domain.ErrUnauthorized
		}

		if sub.PayAsYouGo {
			// Closure is deferred to the next execution, which settles the
			// final usage bill and revokes the slice.
			sub.Stopped = true
			return uc.subs.Save(ctx, tx, sub)
		}

		if uc.clock.Now().Unix() >= sub.NextPaymentDue {
			return domain.ErrCannotCancelActiveSubscription
		}
		return uc.closeSubscription(ctx, tx, sub)
	})
}

func (uc *subscriptionUC) ForceCancel(ctx context.Context, id string) error {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.ForceCancel")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		sub, err := uc.subs.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return uc.closeSubscription(ctx, tx, sub)
	})
}

// closeSubscription revokes the slice, disposes the record, reclaims a drained
// registry and emits the cancellation notification.
func (uc *subscriptionUC) closeSubscription(ctx context.Context, tx repository.Tx, sub *model.Subscription) error {
	reg, err := uc.permits.Find(ctx, tx, sub.Subscriber, sub.Asset)
	if err != nil {
		return err
	}
	if err := reg.RevokeAllowance(sub); err != nil {
		return err
	}
	if err := uc.subs.Delete(ctx, tx, sub.ID); err != nil {
		return err
	}
	if err := uc.reconcileRegistry(ctx, tx, reg); err != nil {
		return err
	}
	return uc.refunds.appendEvent(ctx, tx, &model.Event{
		Kind:        model.EventSubscriptionCancelled,
		OperationID: sub.ID,
	})
}

// reconcileRegistry persists the registry, or reclaims it once nothing draws
// from it anymore.
func (uc *subscriptionUC) reconcileRegistry(ctx context.Context, tx repository.Tx, reg *model.PermitRegistry) error {
	if reg.Drained() {
		return uc.permits.Delete(ctx, tx, reg.Subscriber, reg.Asset)
	}
	return uc.permits.Save(ctx, tx, reg)
}

func (uc *subscriptionUC) IncreaseAllowance(ctx context.Context, p IncreaseAllowanceParams) error {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.IncreaseAllowance")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if p.NewAllowance == 0 {
			return domain.ErrZeroAmount
		}
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}
		sub, err := uc.subs.FindByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if sub.Subscriber != p.Subscriber {
			return domain.ErrUnauthorized
		}

		reg, err := uc.permits.Find(ctx, tx, sub.Subscriber, sub.Asset)
		if err != nil {
			return err
		}

		// The new allowance replaces the old slice rather than stacking on
		// top of it: revoke, swap, re-add.
		if err := reg.RevokeAllowance(sub); err != nil {
			return err
		}
		if err := sub.ReplaceAllowance(p.NewAllowance); err != nil {
			return err
		}
		approveAmount, err := reg.AddAllowance(p.NewAllowance)
		if err != nil {
			return err
		}
		if err := uc.transfer.Approve(ctx, sub.Asset, p.SubscriberAccount, auth.Owner, approveAmount); err != nil {
			return err
		}

		refund, err := uc.refunds.settle(ctx, tx, refundAbsorbAll, p.ID, sub.Asset,
			p.SubscriberAccount, p.SubscriberAccount, auth.Owner, p.Refund, sub.MaxAmount-sub.LastPaymentAmount)
		if err != nil {
			return err
		}
		sub.UsedAllowance = refund
		if err := reg.UseAllowance(refund); err != nil {
			return err
		}

		if err := uc.subs.Save(ctx, tx, sub); err != nil {
			return err
		}
		if err := uc.permits.Save(ctx, tx, reg); err != nil {
			return err
		}
		return uc.refunds.appendEvent(ctx, tx, &model.Event{
			Kind:         model.EventAllowanceIncreased,
			OperationID:  p.ID,
			NewAllowance: p.NewAllowance,
		})
	})
}

func (uc *subscriptionUC) UpdateMaxAmount(ctx context.Context, p UpdateMaxAmountParams) error {
	defer logging.TraceDuration(uc.log, "SubscriptionUC.UpdateMaxAmount")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}
		sub, err := uc.subs.FindByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if sub.Subscriber != p.Subscriber {
			return domain.ErrUnauthorized
		}

		lastPayment := sub.LastPaymentAmount
		if err := sub.UpdateMaxAmount(p.NewMaxAmount); err != nil {
			return err
		}

		// The cap change is predicated on this refund settling, so failures
		// propagate instead of degrading to zero.
		refund, err := uc.refunds.settle(ctx, tx, refundMandatory, p.ID, sub.Asset,
			p.SubscriberAccount, p.SubscriberAccount, auth.Owner, p.Refund, p.NewMaxAmount-lastPayment)
		if err != nil {
			return err
		}

		reg, err := uc.permits.Find(ctx, tx, sub.Subscriber, sub.Asset)
		if err != nil {
			return err
		}
		if err := reg.UseAllowance(refund); err != nil {
			return err
		}
		if err := sub.AttributeRefund(refund); err != nil {
			return err
		}

		if err := uc.subs.Save(ctx, tx, sub); err != nil {
			return err
		}
		if err := uc.permits.Save(ctx, tx, reg); err != nil {
			return err
		}
		return uc.refunds.appendEvent(ctx, tx, &model.Event{
			Kind:         model.EventMaxAmountUpdated,
			OperationID:  p.ID,
			NewMaxAmount: p.NewMaxAmount,
		})
	})
}
