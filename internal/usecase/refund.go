package usecase

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/adapter"
	"recurring-payments/internal/domain/ports/repository"
)

// refundMode selects how refund failures are treated at a given call site.
// The asymmetry is deliberate: a secondary reimbursement must never abort a
// one-time payment, a creation, or an allowance increase, but during execution
// the refund has already entered the used-allowance math, and a cap update's
// whole premise is the refund succeeding.
type refundMode int

const (
	// refundBestEffort propagates cap violations but absorbs a failed
	// transfer: zero moved plus a refund-failed notification.
	refundBestEffort refundMode = iota
	// refundAbsorbAll degrades every failure to zero moved.
	refundAbsorbAll
	// refundMandatory propagates every failure.
	refundMandatory
)

// refunder settles compute-cost reimbursements: the platform operator fronted
// an execution cost in the base unit and is repaid in the billed asset.
type refunder struct {
	policy   model.BillingPolicy
	transfer adapter.TransferService
	events   repository.EventLogRepository
	clock    adapter.Clock
	log      *zerolog.Logger
}

// settle converts the quote into tokens, enforces the cap, and moves the
// result from the payer's account to the fee recipient. The returned amount is
// what actually moved; callers fold it into the used counters.
func (r *refunder) settle(ctx context.Context, tx repository.Tx, mode refundMode, operationID, asset, from, authority, feeRecipient string, quote model.RefundQuote, cap uint64) (uint64, error) {
	amount, err := model.RefundAmount(r.policy, quote, cap)
	if err != nil {
		if mode == refundAbsorbAll {
			return 0, nil
		}
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}

	if err := r.transfer.Move(ctx, asset, from, feeRecipient, authority, amount); err != nil {
		if mode == refundMandatory {
			return 0, err
		}
		r.log.Warn().Err(err).Str("operation_id", operationID).Msg("compute refund transfer failed, absorbed")
		if ferr := r.appendEvent(ctx, tx, &model.Event{
			Kind:        model.EventComputeRefundFailed,
			OperationID: operationID,
		}); ferr != nil {
			return 0, ferr
		}
		return 0, nil
	}
	return amount, nil
}

// appendEvent stamps and persists a lifecycle notification inside the
// operation's transaction.
func (r *refunder) appendEvent(ctx context.Context, tx repository.Tx, ev *model.Event) error {
	ev.ID = ulid.Make().String()
	ev.CreatedAt = r.clock.Now()
	return r.events.Append(ctx, tx, ev)
}
