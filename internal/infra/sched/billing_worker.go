package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"recurring-payments/internal/config"
	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/adapter"
	"recurring-payments/internal/domain/ports/repository"
	"recurring-payments/internal/infra/metrics"
	"recurring-payments/internal/infra/redis"
	"recurring-payments/internal/infra/worker"
	"recurring-payments/internal/usecase"
)

// locker is satisfied by redis.RedisLocker.
type locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// BillingWorker periodically finds due subscriptions and executes the ones
// with registered auto-billing terms. Each subscription is billed under a
// redis lock so scheduler replicas never double-charge a period.
type BillingWorker struct {
	interval     time.Duration
	batchSize    int
	lockTTL      time.Duration
	subs         repository.SubscriptionRepository
	instructions repository.BillingInstructionRepository
	subUC        usecase.SubscriptionUseCase
	locks        locker
	pool         *worker.Pool
	clock        adapter.Clock
	log          *zerolog.Logger
}

func NewBillingWorker(
	cfg config.SchedulerConfig,
	lockTTL time.Duration,
	subs repository.SubscriptionRepository,
	instructions repository.BillingInstructionRepository,
	subUC usecase.SubscriptionUseCase,
	locks locker,
	pool *worker.Pool,
	clock adapter.Clock,
	logger *zerolog.Logger,
) *BillingWorker {
	compLog := logger.With().Str("component", "BillingWorker").Logger()
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &BillingWorker{
		interval:     interval,
		batchSize:    batch,
		lockTTL:      lockTTL,
		subs:         subs,
		instructions: instructions,
		subUC:        subUC,
		locks:        locks,
		pool:         pool,
		clock:        clock,
		log:          &compLog,
	}
}

func (w *BillingWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting billing worker")
	// Bill once on startup, then on every tick.
	w.runBatch(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping billing worker")
			return ctx.Err()
		case <-ticker.C:
			w.runBatch(ctx)
		}
	}
}

func (w *BillingWorker) runBatch(ctx context.Context) {
	now := w.clock.Now()
	due, err := w.subs.FindDue(ctx, repository.NoTX, now, w.batchSize)
	if err != nil {
		metrics.IncBillingRun("error")
		w.log.Error().Err(err).Msg("list due subscriptions")
		return
	}
	metrics.SetSubscriptionsDue(len(due))
	if len(due) == 0 {
		metrics.IncBillingRun("ok")
		return
	}

	for _, sub := range due {
		id := sub.ID
		if err := w.pool.Submit(func(ctx context.Context) error {
			return w.billOne(ctx, id)
		}); err != nil {
			// Saturated queue: the subscription stays due and the next tick
			// picks it up again.
			w.log.Warn().Str("subscription_id", id).Err(err).Msg("billing dispatch dropped")
		}
	}
	metrics.IncBillingRun("ok")
	w.log.Info().Int("count", len(due)).Msg("due subscriptions dispatched")
}

func (w *BillingWorker) billOne(ctx context.Context, id string) error {
	key := redis.SubscriptionLockKey(id)
	token, err := w.locks.TryLock(ctx, key, w.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionLocked) {
			return nil
		}
		return err
	}
	defer func() {
		if err := w.locks.Unlock(ctx, key, token); err != nil {
			w.log.Warn().Str("subscription_id", id).Err(err).Msg("unlock failed")
		}
	}()

	instr, err := w.instructions.Find(ctx, repository.NoTX, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Manually billed subscription, not ours to charge.
			return nil
		}
		return err
	}

	// Scheduled charges carry no compute refund; the platform absorbs its
	// own execution cost here.
	_, err = w.subUC.Execute(ctx, usecase.ExecuteSubscriptionParams{
		ID:                id,
		Amount:            instr.Amount,
		FeeBps:            instr.FeeBps,
		PartnerFeeBps:     instr.PartnerFeeBps,
		Frequency:         instr.Frequency,
		SubscriberAccount: instr.SubscriberAccount,
		MerchantAccount:   instr.MerchantAccount,
		PartnerAccount:    instr.PartnerAccount,
		Refund:            model.RefundQuote{},
	})
	switch {
	case err == nil:
		metrics.IncSubscriptionOp("execute", "ok")
		w.log.Info().Str("subscription_id", id).Msg("subscription billed")
	case errors.Is(err, domain.ErrPaymentNotDueYet):
		// Lost the race with a manual execution between FindDue and here.
		metrics.IncSubscriptionOp("execute", "skipped")
	default:
		metrics.IncSubscriptionOp("execute", "error")
		w.log.Error().Str("subscription_id", id).Err(err).Msg("scheduled billing failed")
	}
	return nil
}
