package model

import (
	"math/bits"

	"recurring-payments/internal/domain"
)

// RefundQuote carries the inputs of a compute-cost reimbursement: the price of
// one token in the base unit and the execution cost measured in the same base
// unit. Both come from the caller; the engine does not price tokens itself.
type RefundQuote struct {
	TokenPrice  uint64 // base units per token, scaled by BillingPolicy.RefundScale
	ComputeCost uint64 // execution cost in base units
}

// RefundAmount converts an execution cost into the equivalent token amount.
// A zero price or zero cost is a no-op, not an error. When cap is non-zero the
// result may not exceed it; subscription flows pass the per-period headroom as
// the cap, one-time payments pass zero because the payer signed off on the
// exact refund out-of-band.
func RefundAmount(policy BillingPolicy, quote RefundQuote, cap uint64) (uint64, error) {
	if quote.TokenPrice == 0 || quote.ComputeCost == 0 {
		return 0, nil
	}

	hi, lo := bits.Mul64(quote.ComputeCost, quote.TokenPrice)
	if hi >= policy.RefundScale {
		// Quotient would not fit in 64 bits.
		return 0, domain.ErrArithmeticOverflow
	}
	tokens, _ := bits.Div64(hi, lo, policy.RefundScale)

	if cap > 0 && tokens > cap {
		return 0, domain.ErrMaxAmountExceeded
	}
	return tokens, nil
}
