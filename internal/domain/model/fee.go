package model

import (
	"math/bits"

	"recurring-payments/internal/domain"
)

// FeeDenominator is the basis-point scale: rates are expressed out of 10000.
const FeeDenominator = 10000

// BillingPolicy carries the platform-wide billing parameters. It is loaded from
// configuration and passed explicitly to every operation; there is no ambient
// global policy.
type BillingPolicy struct {
	MinContractFeeBps uint16 // floor the platform charges even if the caller asks for less
	MaxFeeBps         uint16 // policy ceiling for both protocol and partner rates
	MinFrequency      uint32 // seconds; shortest billing period accepted at creation
	RefundScale       uint64 // smallest-unit scale used by the compute-refund conversion
	PayGoGrace        int64  // seconds subtracted from a pay-as-you-go reschedule
}

// FeeSplit is the outcome of splitting a payment amount three ways.
// Protocol + Partner + Merchant always equals the original amount.
type FeeSplit struct {
	Protocol uint64
	Partner  uint64
	Merchant uint64
}

// SplitFee computes the protocol and partner fees for a payment and the
// merchant remainder. The protocol rate is floored at the policy minimum, so
// callers cannot undercut the platform fee. The partner fee is carved out of
// what the protocol fee leaves behind, not out of the original amount.
func SplitFee(policy BillingPolicy, amount uint64, feeBps, partnerFeeBps uint16) (FeeSplit, error) {
	if amount == 0 {
		return FeeSplit{}, domain.ErrZeroAmount
	}
	if feeBps > policy.MaxFeeBps || partnerFeeBps > policy.MaxFeeBps {
		return FeeSplit{}, domain.ErrInvalidFeeRate
	}

	effectiveBps := feeBps
	if effectiveBps < policy.MinContractFeeBps {
		effectiveBps = policy.MinContractFeeBps
	}

	protocol := mulDivBps(amount, effectiveBps)

	var partner uint64
	if partnerFeeBps > 0 {
		remaining, ok := checkedSub(amount, protocol)
		if !ok {
			return FeeSplit{}, domain.ErrArithmeticOverflow
		}
		partner = mulDivBps(remaining, partnerFeeBps)
	}

	// Cannot underflow given the derivation above, but checked anyway.
	merchant, ok := checkedSub(amount, protocol)
	if !ok {
		return FeeSplit{}, domain.ErrArithmeticOverflow
	}
	merchant, ok = checkedSub(merchant, partner)
	if !ok {
		return FeeSplit{}, domain.ErrArithmeticOverflow
	}

	return FeeSplit{Protocol: protocol, Partner: partner, Merchant: merchant}, nil
}

// mulDivBps returns floor(amount * bps / 10000) using a 128-bit intermediate,
// so the product cannot wrap even for amounts near 2^64.
func mulDivBps(amount uint64, bps uint16) uint64 {
	hi, lo := bits.Mul64(amount, uint64(bps))
	q, _ := bits.Div64(hi, lo, FeeDenominator)
	return q
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func checkedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}
