package model

import (
	"time"

	"recurring-payments/internal/domain"
)

// PermitRegistry aggregates spending rights for one (subscriber, asset) pair.
// Every subscription that subscriber holds for that asset draws from this one
// pool: TotalAllowance is the sum of the live subscriptions' slices and
// TotalUsed the cumulative amount drawn across them. The registry owns the
// invariant TotalUsed <= TotalAllowance; all cross-subscription arithmetic
// funnels through its checked operations.
type PermitRegistry struct {
	Subscriber     string
	Asset          string
	TotalAllowance uint64
	TotalUsed      uint64
	CreatedAt      time.Time
}

func NewPermitRegistry(subscriber, asset string, now time.Time) *PermitRegistry {
	return &PermitRegistry{Subscriber: subscriber, Asset: asset, CreatedAt: now}
}

// AddAllowance grows the pool by delta and returns the effective allowance the
// custody layer must be told to approve for the delegate. The approval
// replaces (not adds to) any prior approval, which is why the returned value
// already accounts for what remains unspent: remaining + delta.
func (r *PermitRegistry) AddAllowance(delta uint64) (approveAmount uint64, err error) {
	effective, ok := checkedSub(r.TotalAllowance, r.TotalUsed)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	newEffective, ok := checkedAdd(effective, delta)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	total, ok := checkedAdd(r.TotalAllowance, delta)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	r.TotalAllowance = total
	return newEffective, nil
}

// EffectiveAllowance is the amount the delegate may still move: total minus used.
func (r *PermitRegistry) EffectiveAllowance() (uint64, error) {
	effective, ok := checkedSub(r.TotalAllowance, r.TotalUsed)
	if !ok {
		return 0, domain.ErrArithmeticOverflow
	}
	return effective, nil
}

// HasEnough reports whether a further draw of amount would stay within the
// pool. A would-be overflow counts as insufficient rather than wrapping.
func (r *PermitRegistry) HasEnough(amount uint64) bool {
	return saturatingAdd(r.TotalUsed, amount) <= r.TotalAllowance
}

// UseAllowance commits a draw against the pool.
func (r *PermitRegistry) UseAllowance(amount uint64) error {
	used, ok := checkedAdd(r.TotalUsed, amount)
	if !ok {
		return domain.ErrArithmeticOverflow
	}
	if used > r.TotalAllowance {
		return domain.ErrInsufficientAllowance
	}
	r.TotalUsed = used
	return nil
}

// RevokeAllowance removes a terminated subscription's slice from the pool.
// It must be invoked exactly once per subscription termination; a second
// revoke for the same subscription underflows and is rejected here instead of
// silently producing a wrong pool.
func (r *PermitRegistry) RevokeAllowance(sub *Subscription) error {
	total, ok := checkedSub(r.TotalAllowance, sub.Allowance)
	if !ok {
		return domain.ErrArithmeticOverflow
	}
	used, ok := checkedSub(r.TotalUsed, sub.UsedAllowance)
	if !ok {
		return domain.ErrArithmeticOverflow
	}
	r.TotalAllowance = total
	r.TotalUsed = used
	return nil
}

// Drained reports whether the registry no longer backs any allowance and may
// be reclaimed. Reclamation itself is the caller's decision.
func (r *PermitRegistry) Drained() bool { return r.TotalAllowance == 0 }
