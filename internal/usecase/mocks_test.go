package usecase_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

// noopTxManager runs the callback directly; the in-memory repositories below
// have no transactional behavior to coordinate.
type noopTxManager struct{}

func (noopTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// memSubscriptionRepo is a small in-memory implementation used by unit tests.
// It returns copies so an aborted operation cannot leak partial mutations.
type memSubscriptionRepo struct {
	mu    sync.RWMutex
	store map[string]*model.Subscription
}

func newMemSubscriptionRepo() *memSubscriptionRepo {
	return &memSubscriptionRepo{store: make(map[string]*model.Subscription)}
}

func (m *memSubscriptionRepo) Create(ctx context.Context, _ repository.Tx, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[sub.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *sub
	m.store[sub.ID] = &cp
	return nil
}

func (m *memSubscriptionRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSubscriptionRepo) Save(ctx context.Context, _ repository.Tx, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.store[sub.ID] = &cp
	return nil
}

func (m *memSubscriptionRepo) Delete(ctx context.Context, _ repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *memSubscriptionRepo) FindDue(ctx context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.store {
		if now.Unix() >= s.NextPaymentDue {
			cp := *s
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func permitKey(subscriber, asset string) string { return subscriber + "/" + asset }

type memPermitRepo struct {
	mu    sync.RWMutex
	store map[string]*model.PermitRegistry
}

func newMemPermitRepo() *memPermitRepo {
	return &memPermitRepo{store: make(map[string]*model.PermitRegistry)}
}

func (m *memPermitRepo) FindOrCreate(ctx context.Context, _ repository.Tx, subscriber, asset string) (*model.PermitRegistry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.store[permitKey(subscriber, asset)]; ok {
		cp := *r
		return &cp, nil
	}
	reg := model.NewPermitRegistry(subscriber, asset, time.Now())
	cp := *reg
	m.store[permitKey(subscriber, asset)] = &cp
	return reg, nil
}

func (m *memPermitRepo) Find(ctx context.Context, _ repository.Tx, subscriber, asset string) (*model.PermitRegistry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.store[permitKey(subscriber, asset)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memPermitRepo) Save(ctx context.Context, _ repository.Tx, reg *model.PermitRegistry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *reg
	m.store[permitKey(reg.Subscriber, reg.Asset)] = &cp
	return nil
}

func (m *memPermitRepo) Delete(ctx context.Context, _ repository.Tx, subscriber, asset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[permitKey(subscriber, asset)]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, permitKey(subscriber, asset))
	return nil
}

type memAuthorityRepo struct {
	mu   sync.RWMutex
	auth *model.Authority
}

func newMemAuthorityRepo() *memAuthorityRepo { return &memAuthorityRepo{} }

func (m *memAuthorityRepo) Create(ctx context.Context, _ repository.Tx, a *model.Authority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auth != nil {
		return domain.ErrAlreadyExists
	}
	cp := *a
	m.auth = &cp
	return nil
}

func (m *memAuthorityRepo) Get(ctx context.Context, _ repository.Tx) (*model.Authority, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.auth == nil {
		return nil, domain.ErrNotFound
	}
	cp := *m.auth
	return &cp, nil
}

func (m *memAuthorityRepo) Save(ctx context.Context, _ repository.Tx, a *model.Authority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.auth = &cp
	return nil
}

type memInstructionRepo struct {
	mu    sync.Mutex
	store map[string]*model.BillingInstruction
}

func newMemInstructionRepo() *memInstructionRepo {
	return &memInstructionRepo{store: make(map[string]*model.BillingInstruction)}
}

func (m *memInstructionRepo) Save(ctx context.Context, _ repository.Tx, instr *model.BillingInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *instr
	m.store[instr.SubscriptionID] = &cp
	return nil
}

func (m *memInstructionRepo) Find(ctx context.Context, _ repository.Tx, id string) (*model.BillingInstruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instr, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *instr
	return &cp, nil
}

func (m *memInstructionRepo) Delete(ctx context.Context, _ repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, id)
	return nil
}

type memEventLog struct {
	mu     sync.Mutex
	events []*model.Event
}

func newMemEventLog() *memEventLog { return &memEventLog{} }

func (m *memEventLog) Append(ctx context.Context, _ repository.Tx, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *memEventLog) byKind(kind model.EventKind) []*model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type transferCall struct {
	asset     string
	from      string
	to        string
	authority string
	amount    uint64
}

type approveCall struct {
	asset    string
	account  string
	delegate string
	amount   uint64
}

// fakeTransfer records value movements and lets tests inject failures.
type fakeTransfer struct {
	mu        sync.Mutex
	moves     []transferCall
	approvals []approveCall

	// MoveFunc, when set, decides each transfer's outcome.
	MoveFunc   func(c transferCall) error
	ApproveErr error
}

func newFakeTransfer() *fakeTransfer { return &fakeTransfer{} }

func (f *fakeTransfer) Move(ctx context.Context, asset, from, to, authority string, amount uint64) error {
	c := transferCall{asset: asset, from: from, to: to, authority: authority, amount: amount}
	if f.MoveFunc != nil {
		if err := f.MoveFunc(c); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, c)
	return nil
}

func (f *fakeTransfer) Approve(ctx context.Context, asset, account, delegate string, amount uint64) error {
	if f.ApproveErr != nil {
		return f.ApproveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, approveCall{asset: asset, account: account, delegate: delegate, amount: amount})
	return nil
}

// custodyRule mimics a delegation-enforcing custody layer: a transfer needs
// the payer's own authority or a standing approval for the delegate.
func (f *fakeTransfer) custodyRule() func(transferCall) error {
	return func(c transferCall) error {
		if c.authority == c.from {
			return nil
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, a := range f.approvals {
			if a.asset == c.asset && a.account == c.from && a.delegate == c.authority {
				return nil
			}
		}
		return domain.ErrUnauthorized
	}
}

func (f *fakeTransfer) lastApproval() (approveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.approvals) == 0 {
		return approveCall{}, fmt.Errorf("no approvals recorded")
	}
	return f.approvals[len(f.approvals)-1], nil
}

// fakeClock is a settable clock for due-date scenarios.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
