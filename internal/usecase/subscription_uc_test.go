package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/usecase"
)

const weekSeconds = 7 * 24 * 3600

func testPolicy() model.BillingPolicy {
	return model.BillingPolicy{
		MinContractFeeBps: 75,
		MaxFeeBps:         1000,
		MinFrequency:      weekSeconds,
		RefundScale:       1_000_000_000,
		PayGoGrace:        3600,
	}
}

// refundOf builds a quote that converts to exactly tokens units under the
// test policy scale.
func refundOf(tokens uint64) model.RefundQuote {
	return model.RefundQuote{TokenPrice: 1_000_000_000, ComputeCost: tokens}
}

type subFixture struct {
	subs    *memSubscriptionRepo
	permits *memPermitRepo
	auths   *memAuthorityRepo
	events  *memEventLog
	xfer    *fakeTransfer
	clock   *fakeClock
	uc      usecase.SubscriptionUseCase
}

func newSubFixture(t *testing.T) *subFixture {
	t.Helper()
	f := &subFixture{
		subs:    newMemSubscriptionRepo(),
		permits: newMemPermitRepo(),
		auths:   newMemAuthorityRepo(),
		events:  newMemEventLog(),
		xfer:    newFakeTransfer(),
		clock:   newFakeClock(time.Unix(1_700_000_000, 0)),
	}
	auth, err := model.NewAuthority("platform-owner", "platform-cosigner", f.clock.Now())
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if err := f.auths.Create(context.Background(), nil, auth); err != nil {
		t.Fatalf("seed authority: %v", err)
	}
	f.uc = usecase.NewSubscriptionUseCase(testPolicy(), f.subs, f.permits, f.auths, f.events,
		noopTxManager{}, f.xfer, f.clock, newTestLogger())
	return f
}

func baseCreateParams() usecase.CreateSubscriptionParams {
	return usecase.CreateSubscriptionParams{
		ID:                "sub-1",
		Subscriber:        "alice",
		Asset:             "usdc",
		SubscriberAccount: "acct-alice",
		MerchantAccount:   "acct-merchant",
		PartnerAccount:    "acct-partner",
		Amount:            100,
		MaxAmount:         500,
		Allowance:         1000,
		Frequency:         weekSeconds,
	}
}

func execParamsFor(p usecase.CreateSubscriptionParams, amount uint64) usecase.ExecuteSubscriptionParams {
	return usecase.ExecuteSubscriptionParams{
		ID:                p.ID,
		Amount:            amount,
		FeeBps:            0,
		PartnerFeeBps:     0,
		Frequency:         p.Frequency,
		SubscriberAccount: p.SubscriberAccount,
		MerchantAccount:   p.MerchantAccount,
		PartnerAccount:    p.PartnerAccount,
	}
}

func TestSubscriptionCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate billing is due at creation", func(t *testing.T) {
		f := newSubFixture(t)
		receipt, err := f.uc.Create(ctx, baseCreateParams())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if got, want := receipt.NextPaymentDue, f.clock.Now().Unix(); got != want {
			t.Errorf("NextPaymentDue = %d, want %d", got, want)
		}
		if receipt.RemainingAllowance != 1000 {
			t.Errorf("RemainingAllowance = %d, want 1000", receipt.RemainingAllowance)
		}
	})

	t.Run("pay-as-you-go bills at period end", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.PayAsYouGo = true
		receipt, err := f.uc.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if got, want := receipt.NextPaymentDue, f.clock.Now().Unix()+weekSeconds; got != want {
			t.Errorf("NextPaymentDue = %d, want %d", got, want)
		}
	})

	t.Run("approves the pooled allowance for the platform", func(t *testing.T) {
		f := newSubFixture(t)
		if _, err := f.uc.Create(ctx, baseCreateParams()); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ap, err := f.xfer.lastApproval()
		if err != nil {
			t.Fatal(err)
		}
		want := approveCall{asset: "usdc", account: "acct-alice", delegate: "platform-owner", amount: 1000}
		if ap != want {
			t.Errorf("approval = %+v, want %+v", ap, want)
		}

		reg, err := f.permits.Find(ctx, nil, "alice", "usdc")
		if err != nil {
			t.Fatalf("Find registry: %v", err)
		}
		if reg.TotalAllowance != 1000 || reg.TotalUsed != 0 {
			t.Errorf("registry = %d/%d, want 1000/0", reg.TotalUsed, reg.TotalAllowance)
		}
		if got := len(f.events.byKind(model.EventSubscriptionCreated)); got != 1 {
			t.Errorf("created events = %d, want 1", got)
		}
	})

	t.Run("second subscription stacks onto the same pool", func(t *testing.T) {
		f := newSubFixture(t)
		if _, err := f.uc.Create(ctx, baseCreateParams()); err != nil {
			t.Fatalf("Create sub-1: %v", err)
		}
		p2 := baseCreateParams()
		p2.ID = "sub-2"
		p2.Allowance = 500
		if _, err := f.uc.Create(ctx, p2); err != nil {
			t.Fatalf("Create sub-2: %v", err)
		}
		ap, err := f.xfer.lastApproval()
		if err != nil {
			t.Fatal(err)
		}
		// The custody approval replaces the prior one, so it covers the whole
		// unspent pool: 1000 remaining + 500 new.
		if ap.amount != 1500 {
			t.Errorf("approval amount = %d, want 1500", ap.amount)
		}
	})

	t.Run("refund is drawn against the new allowance", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.Refund = refundOf(50)
		receipt, err := f.uc.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if receipt.RemainingAllowance != 950 {
			t.Errorf("RemainingAllowance = %d, want 950", receipt.RemainingAllowance)
		}
		reg, _ := f.permits.Find(ctx, nil, "alice", "usdc")
		if reg.TotalUsed != 50 {
			t.Errorf("registry used = %d, want 50", reg.TotalUsed)
		}
	})

	t.Run("refund transfer failure is absorbed", func(t *testing.T) {
		f := newSubFixture(t)
		f.xfer.MoveFunc = func(transferCall) error { return fmt.Errorf("custody layer down") }
		p := baseCreateParams()
		p.Refund = refundOf(50)
		receipt, err := f.uc.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if receipt.RemainingAllowance != 1000 {
			t.Errorf("RemainingAllowance = %d, want 1000 (nothing moved)", receipt.RemainingAllowance)
		}
		if got := len(f.events.byKind(model.EventComputeRefundFailed)); got != 1 {
			t.Errorf("refund-failed events = %d, want 1", got)
		}
	})

	t.Run("refund above the headroom fails the creation", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.Refund = refundOf(p.MaxAmount - p.Amount + 1)
		if _, err := f.uc.Create(ctx, p); !errors.Is(err, domain.ErrMaxAmountExceeded) {
			t.Fatalf("err = %v, want ErrMaxAmountExceeded", err)
		}
		if _, err := f.subs.FindByID(ctx, nil, p.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("subscription persisted after failed creation")
		}
	})

	t.Run("parameter validation", func(t *testing.T) {
		tests := []struct {
			name    string
			mutate  func(*usecase.CreateSubscriptionParams)
			wantErr error
		}{
			{"frequency below minimum", func(p *usecase.CreateSubscriptionParams) { p.Frequency = weekSeconds - 1 }, domain.ErrInvalidFrequency},
			{"cap not above amount", func(p *usecase.CreateSubscriptionParams) { p.MaxAmount = p.Amount }, domain.ErrInvalidAmount},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				f := newSubFixture(t)
				p := baseCreateParams()
				tc.mutate(&p)
				if _, err := f.uc.Create(ctx, p); !errors.Is(err, tc.wantErr) {
					t.Errorf("err = %v, want %v", err, tc.wantErr)
				}
			})
		}
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		f := newSubFixture(t)
		if _, err := f.uc.Create(ctx, baseCreateParams()); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		if _, err := f.uc.Create(ctx, baseCreateParams()); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("err = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestSubscriptionExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("charges, splits and reschedules", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		firstDue := f.clock.Now().Unix()

		receipt, err := f.uc.Execute(ctx, execParamsFor(p, 200))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}

		// FeeBps 0 is floored to the 75 bps minimum: 200 * 75 / 10000 = 1.
		var protocol, merchant *transferCall
		for i := range f.xfer.moves {
			m := &f.xfer.moves[i]
			switch m.to {
			case "platform-owner":
				protocol = m
			case "acct-merchant":
				merchant = m
			}
		}
		if protocol == nil || protocol.amount != 1 {
			t.Fatalf("protocol move = %+v, want amount 1", protocol)
		}
		if merchant == nil || merchant.amount != 199 {
			t.Errorf("merchant move = %+v, want amount 199", merchant)
		}
		if protocol.authority != "platform-owner" {
			t.Errorf("transfers must run under the delegate, got authority %q", protocol.authority)
		}

		if got, want := receipt.NextPaymentDue, firstDue+weekSeconds; got != want {
			t.Errorf("NextPaymentDue = %d, want %d", got, want)
		}
		if receipt.RemainingAllowance != 800 {
			t.Errorf("RemainingAllowance = %d, want 800", receipt.RemainingAllowance)
		}
		reg, _ := f.permits.Find(ctx, nil, "alice", "usdc")
		if reg.TotalUsed != 200 {
			t.Errorf("registry used = %d, want 200", reg.TotalUsed)
		}
		if got := len(f.events.byKind(model.EventSubscriptionExecuted)); got != 1 {
			t.Errorf("executed events = %d, want 1", got)
		}
	})

	t.Run("fixed schedule advances from the due date, not from now", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		firstDue := f.clock.Now().Unix()
		f.clock.Advance(48 * time.Hour) // late execution must not drift the schedule

		receipt, err := f.uc.Execute(ctx, execParamsFor(p, 200))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got, want := receipt.NextPaymentDue, firstDue+weekSeconds; got != want {
			t.Errorf("NextPaymentDue = %d, want %d", got, want)
		}
	})

	t.Run("not due yet", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("first Execute: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); !errors.Is(err, domain.ErrPaymentNotDueYet) {
			t.Errorf("err = %v, want ErrPaymentNotDueYet", err)
		}
	})

	t.Run("per-period cap is exclusive", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, p.MaxAmount)); !errors.Is(err, domain.ErrMaxAmountExceeded) {
			t.Errorf("amount == cap: err = %v, want ErrMaxAmountExceeded", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, p.MaxAmount-1)); err != nil {
			t.Errorf("amount == cap-1: unexpected err %v", err)
		}
	})

	t.Run("allowance ceiling is exclusive", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.Allowance = 300
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 300)); !errors.Is(err, domain.ErrInsufficientAllowance) {
			t.Errorf("draw == allowance: err = %v, want ErrInsufficientAllowance", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 299)); err != nil {
			t.Errorf("draw == allowance-1: unexpected err %v", err)
		}
	})

	t.Run("any differing committed account is rejected", func(t *testing.T) {
		mutations := map[string]func(*usecase.ExecuteSubscriptionParams){
			"merchant":   func(e *usecase.ExecuteSubscriptionParams) { e.MerchantAccount = "acct-evil" },
			"subscriber": func(e *usecase.ExecuteSubscriptionParams) { e.SubscriberAccount = "acct-evil" },
			"partner":    func(e *usecase.ExecuteSubscriptionParams) { e.PartnerAccount = "acct-evil" },
			"frequency":  func(e *usecase.ExecuteSubscriptionParams) { e.Frequency = weekSeconds + 1 },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				f := newSubFixture(t)
				p := baseCreateParams()
				if _, err := f.uc.Create(ctx, p); err != nil {
					t.Fatalf("Create: %v", err)
				}
				e := execParamsFor(p, 200)
				mutate(&e)
				if _, err := f.uc.Execute(ctx, e); !errors.Is(err, domain.ErrInvalidSubscriptionParameters) {
					t.Errorf("err = %v, want ErrInvalidSubscriptionParameters", err)
				}
			})
		}
	})

	t.Run("zero amount", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 0)); !errors.Is(err, domain.ErrZeroAmount) {
			t.Errorf("err = %v, want ErrZeroAmount", err)
		}
	})

	t.Run("refund draws against the allowance alongside the payment", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		e := execParamsFor(p, 200)
		e.Refund = refundOf(10)
		receipt, err := f.uc.Execute(ctx, e)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if receipt.RemainingAllowance != 790 {
			t.Errorf("RemainingAllowance = %d, want 790", receipt.RemainingAllowance)
		}
		reg, _ := f.permits.Find(ctx, nil, "alice", "usdc")
		if reg.TotalUsed != 210 {
			t.Errorf("registry used = %d, want 210", reg.TotalUsed)
		}
	})

	t.Run("refund failure aborts the execution", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		// Fail only the refund leg; the amount is unique among the transfers.
		f.xfer.MoveFunc = func(c transferCall) error {
			if c.amount == 7 {
				return fmt.Errorf("custody layer down")
			}
			return nil
		}
		e := execParamsFor(p, 200)
		e.Refund = refundOf(7)
		if _, err := f.uc.Execute(ctx, e); err == nil {
			t.Fatal("expected error, got nil")
		}
		sub, err := f.subs.FindByID(ctx, nil, p.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if sub.UsedAllowance != 0 {
			t.Errorf("used allowance = %d, want 0 (aborted execution must not persist)", sub.UsedAllowance)
		}
	})

	t.Run("stopped pay-as-you-go finalizes on execution", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.PayAsYouGo = true
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.Cancel(ctx, p.ID, p.Subscriber); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		f.clock.Advance(weekSeconds * time.Second)

		receipt, err := f.uc.Execute(ctx, execParamsFor(p, 200))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if receipt.RemainingAllowance != 0 {
			t.Errorf("RemainingAllowance = %d, want 0 after finalization", receipt.RemainingAllowance)
		}
		if _, err := f.subs.FindByID(ctx, nil, p.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("subscription still present after finalization")
		}
		if _, err := f.permits.Find(ctx, nil, "alice", "usdc"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("drained registry not reclaimed")
		}
	})

	t.Run("pay-as-you-go reschedules from now with the grace skew", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.PayAsYouGo = true
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.clock.Advance(weekSeconds * time.Second)

		receipt, err := f.uc.Execute(ctx, execParamsFor(p, 200))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got, want := receipt.NextPaymentDue, f.clock.Now().Unix()+weekSeconds-3600; got != want {
			t.Errorf("NextPaymentDue = %d, want %d", got, want)
		}
	})
}

func TestSubscriptionCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("only the subscriber may cancel", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.Cancel(ctx, p.ID, "mallory"); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("fixed period blocked while a payment window is open", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		// Due at creation: the window is open right away.
		if err := f.uc.Cancel(ctx, p.ID, p.Subscriber); !errors.Is(err, domain.ErrCannotCancelActiveSubscription) {
			t.Errorf("err = %v, want ErrCannotCancelActiveSubscription", err)
		}
	})

	t.Run("fixed period closes right up to the due boundary", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		f.clock.Advance(weekSeconds*time.Second - time.Second)

		if err := f.uc.Cancel(ctx, p.ID, p.Subscriber); err != nil {
			t.Fatalf("Cancel one second before due: %v", err)
		}
		if _, err := f.subs.FindByID(ctx, nil, p.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("subscription still present after cancel")
		}
		if _, err := f.permits.Find(ctx, nil, "alice", "usdc"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("drained registry not reclaimed")
		}
		if got := len(f.events.byKind(model.EventSubscriptionCancelled)); got != 1 {
			t.Errorf("cancelled events = %d, want 1", got)
		}
	})

	t.Run("fixed period blocked exactly at due", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		f.clock.Advance(weekSeconds * time.Second)

		if err := f.uc.Cancel(ctx, p.ID, p.Subscriber); !errors.Is(err, domain.ErrCannotCancelActiveSubscription) {
			t.Errorf("err = %v, want ErrCannotCancelActiveSubscription", err)
		}
	})

	t.Run("pay-as-you-go cancel only marks the contract stopped", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		p.PayAsYouGo = true
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.Cancel(ctx, p.ID, p.Subscriber); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		sub, err := f.subs.FindByID(ctx, nil, p.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if !sub.Stopped {
			t.Error("subscription not marked stopped")
		}
		if got := len(f.events.byKind(model.EventSubscriptionCancelled)); got != 0 {
			t.Errorf("cancelled events = %d, want 0 until finalization", got)
		}
	})

	t.Run("force cancel ignores the payment window", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.ForceCancel(ctx, p.ID); err != nil {
			t.Fatalf("ForceCancel: %v", err)
		}
		if _, err := f.subs.FindByID(ctx, nil, p.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("subscription still present after force cancel")
		}
	})

	t.Run("cancel leaves a shared pool intact for other subscriptions", func(t *testing.T) {
		f := newSubFixture(t)
		p1 := baseCreateParams()
		if _, err := f.uc.Create(ctx, p1); err != nil {
			t.Fatalf("Create sub-1: %v", err)
		}
		p2 := baseCreateParams()
		p2.ID = "sub-2"
		p2.Allowance = 500
		if _, err := f.uc.Create(ctx, p2); err != nil {
			t.Fatalf("Create sub-2: %v", err)
		}
		if err := f.uc.ForceCancel(ctx, p1.ID); err != nil {
			t.Fatalf("ForceCancel: %v", err)
		}
		reg, err := f.permits.Find(ctx, nil, "alice", "usdc")
		if err != nil {
			t.Fatalf("registry reclaimed while sub-2 still draws from it: %v", err)
		}
		if reg.TotalAllowance != 500 {
			t.Errorf("registry allowance = %d, want 500", reg.TotalAllowance)
		}
	})
}

func TestIncreaseAllowance(t *testing.T) {
	ctx := context.Background()

	increaseParams := func(p usecase.CreateSubscriptionParams, newAllowance uint64) usecase.IncreaseAllowanceParams {
		return usecase.IncreaseAllowanceParams{
			ID:                p.ID,
			Subscriber:        p.Subscriber,
			SubscriberAccount: p.SubscriberAccount,
			NewAllowance:      newAllowance,
		}
	}

	t.Run("replaces the slice and resets the used counter", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		if err := f.uc.IncreaseAllowance(ctx, increaseParams(p, 2000)); err != nil {
			t.Fatalf("IncreaseAllowance: %v", err)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.Allowance != 2000 || sub.UsedAllowance != 0 {
			t.Errorf("subscription = %d/%d, want 0/2000", sub.UsedAllowance, sub.Allowance)
		}
		reg, _ := f.permits.Find(ctx, nil, "alice", "usdc")
		if reg.TotalAllowance != 2000 || reg.TotalUsed != 0 {
			t.Errorf("registry = %d/%d, want 0/2000", reg.TotalUsed, reg.TotalAllowance)
		}
		ap, err := f.xfer.lastApproval()
		if err != nil {
			t.Fatal(err)
		}
		if ap.amount != 2000 {
			t.Errorf("approval amount = %d, want 2000", ap.amount)
		}
		evs := f.events.byKind(model.EventAllowanceIncreased)
		if len(evs) != 1 || evs[0].NewAllowance != 2000 {
			t.Errorf("allowance-increased events = %+v, want one with NewAllowance 2000", evs)
		}
	})

	t.Run("approval covers the rest of a shared pool", func(t *testing.T) {
		f := newSubFixture(t)
		p1 := baseCreateParams()
		if _, err := f.uc.Create(ctx, p1); err != nil {
			t.Fatalf("Create sub-1: %v", err)
		}
		p2 := baseCreateParams()
		p2.ID = "sub-2"
		p2.Allowance = 500
		if _, err := f.uc.Create(ctx, p2); err != nil {
			t.Fatalf("Create sub-2: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p1, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		if err := f.uc.IncreaseAllowance(ctx, increaseParams(p1, 2000)); err != nil {
			t.Fatalf("IncreaseAllowance: %v", err)
		}
		ap, err := f.xfer.lastApproval()
		if err != nil {
			t.Fatal(err)
		}
		// sub-2's untouched 500 plus sub-1's fresh 2000.
		if ap.amount != 2500 {
			t.Errorf("approval amount = %d, want 2500", ap.amount)
		}
	})

	t.Run("new allowance must grow", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.IncreaseAllowance(ctx, increaseParams(p, p.Allowance)); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("equal allowance: err = %v, want ErrInvalidAmount", err)
		}
		if err := f.uc.IncreaseAllowance(ctx, increaseParams(p, 0)); !errors.Is(err, domain.ErrZeroAmount) {
			t.Errorf("zero allowance: err = %v, want ErrZeroAmount", err)
		}
	})

	t.Run("only the subscriber may increase", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		params := increaseParams(p, 2000)
		params.Subscriber = "mallory"
		if err := f.uc.IncreaseAllowance(ctx, params); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("every refund failure is absorbed", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		// Headroom is cap minus last payment = 300; this quote busts it.
		params := increaseParams(p, 2000)
		params.Refund = refundOf(400)
		if err := f.uc.IncreaseAllowance(ctx, params); err != nil {
			t.Fatalf("IncreaseAllowance with over-cap refund: %v", err)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.UsedAllowance != 0 {
			t.Errorf("used allowance = %d, want 0 (refund degraded to zero)", sub.UsedAllowance)
		}
	})

	t.Run("refund success draws against the fresh slice", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		params := increaseParams(p, 2000)
		params.Refund = refundOf(50)
		if err := f.uc.IncreaseAllowance(ctx, params); err != nil {
			t.Fatalf("IncreaseAllowance: %v", err)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.UsedAllowance != 50 {
			t.Errorf("used allowance = %d, want 50", sub.UsedAllowance)
		}
		reg, _ := f.permits.Find(ctx, nil, "alice", "usdc")
		if reg.TotalUsed != 50 {
			t.Errorf("registry used = %d, want 50", reg.TotalUsed)
		}
	})
}

func TestUpdateMaxAmount(t *testing.T) {
	ctx := context.Background()

	updateParams := func(p usecase.CreateSubscriptionParams, newMax uint64) usecase.UpdateMaxAmountParams {
		return usecase.UpdateMaxAmountParams{
			ID:                p.ID,
			Subscriber:        p.Subscriber,
			SubscriberAccount: p.SubscriberAccount,
			NewMaxAmount:      newMax,
		}
	}

	t.Run("raises the cap", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := f.uc.UpdateMaxAmount(ctx, updateParams(p, 800)); err != nil {
			t.Fatalf("UpdateMaxAmount: %v", err)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.MaxAmount != 800 {
			t.Errorf("MaxAmount = %d, want 800", sub.MaxAmount)
		}
		evs := f.events.byKind(model.EventMaxAmountUpdated)
		if len(evs) != 1 || evs[0].NewMaxAmount != 800 {
			t.Errorf("cap-updated events = %+v, want one with NewMaxAmount 800", evs)
		}
	})

	t.Run("cap may shrink but never below the last payment", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if err := f.uc.UpdateMaxAmount(ctx, updateParams(p, 201)); err != nil {
			t.Errorf("shrink to last payment + 1: %v", err)
		}
		if err := f.uc.UpdateMaxAmount(ctx, updateParams(p, 200)); !errors.Is(err, domain.ErrMaxAmountInvalid) {
			t.Errorf("shrink to last payment: err = %v, want ErrMaxAmountInvalid", err)
		}
		if err := f.uc.UpdateMaxAmount(ctx, updateParams(p, 0)); !errors.Is(err, domain.ErrZeroAmount) {
			t.Errorf("zero cap: err = %v, want ErrZeroAmount", err)
		}
	})

	t.Run("refund failure aborts the update", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.xfer.MoveFunc = func(transferCall) error { return fmt.Errorf("custody layer down") }
		params := updateParams(p, 800)
		params.Refund = refundOf(30)
		if err := f.uc.UpdateMaxAmount(ctx, params); err == nil {
			t.Fatal("expected error, got nil")
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.MaxAmount != 500 {
			t.Errorf("MaxAmount = %d, want 500 (aborted update must not persist)", sub.MaxAmount)
		}
	})

	t.Run("refund folds into the used counter without touching the payment history", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.uc.Execute(ctx, execParamsFor(p, 200)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		params := updateParams(p, 800)
		params.Refund = refundOf(30)
		if err := f.uc.UpdateMaxAmount(ctx, params); err != nil {
			t.Fatalf("UpdateMaxAmount: %v", err)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.UsedAllowance != 230 {
			t.Errorf("used allowance = %d, want 230", sub.UsedAllowance)
		}
		if sub.LastPaymentAmount != 200 {
			t.Errorf("LastPaymentAmount = %d, want 200", sub.LastPaymentAmount)
		}
	})

	t.Run("only the subscriber may update", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		params := updateParams(p, 800)
		params.Subscriber = "mallory"
		if err := f.uc.UpdateMaxAmount(ctx, params); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
}

// A custody layer honors either the payer's own authority or a standing
// delegate approval. Refunds settled inside payer-signed operations must
// therefore run under the subscriber's account, never the bare identity.
func TestRefundTransferAuthority(t *testing.T) {
	ctx := context.Background()

	t.Run("create settles its refund under the subscriber account", func(t *testing.T) {
		f := newSubFixture(t)
		f.xfer.MoveFunc = f.xfer.custodyRule()

		p := baseCreateParams()
		p.Refund = refundOf(50)
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}

		if n := len(f.events.byKind(model.EventComputeRefundFailed)); n != 0 {
			t.Errorf("refund degraded to zero under custody rules, %d failure events", n)
		}
		if len(f.xfer.moves) != 1 {
			t.Fatalf("moves = %+v, want the single refund transfer", f.xfer.moves)
		}
		refund := f.xfer.moves[0]
		if refund.amount != 50 || refund.to != "platform-owner" {
			t.Fatalf("refund transfer mismatch: %+v", refund)
		}
		if refund.authority != "acct-alice" {
			t.Errorf("refund ran under %q, want the subscriber account", refund.authority)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.UsedAllowance != 50 {
			t.Errorf("UsedAllowance = %d, want the settled refund 50", sub.UsedAllowance)
		}
	})

	t.Run("cap update with a refund quote settles under custody rules", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.xfer.MoveFunc = f.xfer.custodyRule()

		params := usecase.UpdateMaxAmountParams{
			ID:                p.ID,
			Subscriber:        p.Subscriber,
			SubscriberAccount: p.SubscriberAccount,
			NewMaxAmount:      800,
			Refund:            refundOf(100),
		}
		if err := f.uc.UpdateMaxAmount(ctx, params); err != nil {
			t.Fatalf("valid cap update aborted: %v", err)
		}

		refund := f.xfer.moves[len(f.xfer.moves)-1]
		if refund.amount != 100 || refund.authority != "acct-alice" {
			t.Fatalf("refund transfer mismatch: %+v", refund)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.MaxAmount != 800 {
			t.Errorf("MaxAmount = %d, want 800", sub.MaxAmount)
		}
	})

	t.Run("allowance increase refund is settled, not silently absorbed", func(t *testing.T) {
		f := newSubFixture(t)
		p := baseCreateParams()
		if _, err := f.uc.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.xfer.MoveFunc = f.xfer.custodyRule()

		params := usecase.IncreaseAllowanceParams{
			ID:                p.ID,
			Subscriber:        p.Subscriber,
			SubscriberAccount: p.SubscriberAccount,
			NewAllowance:      2000,
			Refund:            refundOf(40),
		}
		if err := f.uc.IncreaseAllowance(ctx, params); err != nil {
			t.Fatalf("IncreaseAllowance: %v", err)
		}

		if n := len(f.events.byKind(model.EventComputeRefundFailed)); n != 0 {
			t.Errorf("refund degraded to zero under custody rules, %d failure events", n)
		}
		refund := f.xfer.moves[len(f.xfer.moves)-1]
		if refund.amount != 40 || refund.authority != "acct-alice" {
			t.Fatalf("refund transfer mismatch: %+v", refund)
		}
		sub, _ := f.subs.FindByID(ctx, nil, p.ID)
		if sub.UsedAllowance != 40 {
			t.Errorf("UsedAllowance = %d, want the settled refund 40", sub.UsedAllowance)
		}
	})
}
