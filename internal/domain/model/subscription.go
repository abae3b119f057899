package model

import (
	"time"

	"recurring-payments/internal/domain"
)

// Subscription is one recurring-billing contract. Allowance bounds the
// cumulative amount the subscription may draw from the shared pool; MaxAmount
// bounds a single payment and is an exclusive cap. UsedAllowance includes
// compute refunds attributed to the subscription.
type Subscription struct {
	ID                string // caller-supplied unique identifier (UUID)
	Subscriber        string
	Asset             string
	NextPaymentDue    int64 // unix seconds
	Allowance         uint64
	UsedAllowance     uint64
	MaxAmount         uint64
	LastPaymentAmount uint64
	Stopped           bool // terminal flag, pay-as-you-go only
	Commitment        Commitment
	PayAsYouGo        bool
	CreatedAt         time.Time
}

// NewSubscription validates the creation parameters and builds the record.
// Immediate-billing subscriptions are due right away; pay-as-you-go bills at
// period end, so the first due date is one full period out.
func NewSubscription(policy BillingPolicy, id, subscriber, asset string, amount, maxAmount, allowance uint64, frequency uint32, payg bool, commitment Commitment, now time.Time) (*Subscription, error) {
	if frequency < policy.MinFrequency {
		return nil, domain.ErrInvalidFrequency
	}
	if maxAmount <= amount {
		return nil, domain.ErrInvalidAmount
	}

	due := now.Unix()
	if payg {
		due = now.Unix() + int64(frequency)
	}

	return &Subscription{
		ID:                id,
		Subscriber:        subscriber,
		Asset:             asset,
		NextPaymentDue:    due,
		Allowance:         allowance,
		UsedAllowance:     0,
		MaxAmount:         maxAmount,
		LastPaymentAmount: amount,
		Stopped:           false,
		Commitment:        commitment,
		PayAsYouGo:        payg,
		CreatedAt:         now,
	}, nil
}

// Due reports whether a payment window is open at now.
func (s *Subscription) Due(now time.Time) bool {
	return now.Unix() >= s.NextPaymentDue
}

// RemainingAllowance is the subscription's unspent slice.
func (s *Subscription) RemainingAllowance() uint64 {
	if s.UsedAllowance > s.Allowance {
		return 0
	}
	return s.Allowance - s.UsedAllowance
}

// ValidateChargeAmount checks a payment amount against the per-period cap.
// The cap is an exclusive upper bound: a payment equal to MaxAmount is
// rejected.
func (s *Subscription) ValidateChargeAmount(amount uint64) error {
	if amount == 0 {
		return domain.ErrZeroAmount
	}
	if amount >= s.MaxAmount {
		return domain.ErrMaxAmountExceeded
	}
	return nil
}

// CanDraw reports whether the subscription's own slice still covers a draw of
// amount. The allowance ceiling is exclusive, like the per-period cap.
func (s *Subscription) CanDraw(amount uint64) bool {
	return saturatingAdd(s.UsedAllowance, amount) < s.Allowance
}

// RecordCharge folds a settled payment plus its attributed refund into the
// used counter and remembers the payment for later cap-change bounds. It
// returns the total draw (payment + refund) the caller must also commit
// against the shared registry.
func (s *Subscription) RecordCharge(amount, refund uint64) (uint64, error) {
	total, ok := checkedAdd(amount, refund)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	used, ok := checkedAdd(s.UsedAllowance, total)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	s.UsedAllowance = used
	s.LastPaymentAmount = amount
	return total, nil
}

// AttributeRefund folds a standalone refund into the used counter without
// touching the last-payment bookkeeping.
func (s *Subscription) AttributeRefund(refund uint64) error {
	used, ok := checkedAdd(s.UsedAllowance, refund)
	if !ok {
		return domain.ErrArithmeticOverflow
	}
	s.UsedAllowance = used
	return nil
}

// AdvanceSchedule moves the due date one period forward. Fixed-period
// subscriptions advance from the previous due date so the schedule never
// drifts; pay-as-you-go advances from now minus the grace skew, because the
// billing scheduler may run on a coarser cadence than the frequency and would
// otherwise push the due time later each cycle.
func (s *Subscription) AdvanceSchedule(policy BillingPolicy, frequency uint32, now time.Time) {
	if s.PayAsYouGo {
		s.NextPaymentDue = now.Unix() + int64(frequency) - policy.PayGoGrace
		return
	}
	s.NextPaymentDue += int64(frequency)
}

// ReplaceAllowance swaps the slice for a bigger one and clears the used
// counter. The caller must have revoked the old slice from the registry first.
func (s *Subscription) ReplaceAllowance(newAllowance uint64) error {
	if newAllowance == 0 {
		return domain.ErrZeroAmount
	}
	if newAllowance <= s.Allowance {
		return domain.ErrInvalidAmount
	}
	s.Allowance = newAllowance
	s.UsedAllowance = 0
	return nil
}

// UpdateMaxAmount raises or lowers the per-period cap, but never below what
// the last settled payment already charged.
func (s *Subscription) UpdateMaxAmount(newMax uint64) error {
	if newMax == 0 {
		return domain.ErrZeroAmount
	}
	if newMax <= s.LastPaymentAmount {
		return domain.ErrMaxAmountInvalid
	}
	s.MaxAmount = newMax
	return nil
}
