package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/ports/adapter"
)

// Ensure Ledger implements adapter.TransferService
var _ adapter.TransferService = (*Ledger)(nil)

// Ledger is the custody layer: per-asset account balances plus delegate
// approvals, both kept in Postgres. A delegate move consumes approval;
// a payer-signed move (authority == from) does not.
//
// Moves run in their own transaction, deliberately outside the engine's
// operation transaction: a settled transfer stays settled even when the
// operation that requested it later aborts, which mirrors how an external
// custody layer behaves and is what the compute-refund absorption semantics
// are built around. From an operation's point of view the consequence is
// that an abort mid-sequence only rolls back the engine's counters and
// records; transfers settled before the abort are not unwound.
type Ledger struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

func NewLedger(pool *pgxpool.Pool, logger *zerolog.Logger) *Ledger {
	l := logger.With().Str("component", "Ledger").Logger()
	return &Ledger{pool: pool, log: &l}
}

func (l *Ledger) Move(ctx context.Context, asset, from, to, authority string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ErrOperationFailed
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if authority != from {
		const consume = `
UPDATE ledger_approvals SET amount = amount - $4
 WHERE asset=$1 AND account=$2 AND delegate=$3 AND amount >= $4;`
		tag, err := tx.Exec(ctx, consume, asset, from, authority, int64(amount))
		if err != nil {
			return domain.ErrOperationFailed
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUnauthorized
		}
	}

	const debit = `
UPDATE ledger_accounts SET balance = balance - $3
 WHERE asset=$1 AND account=$2 AND balance >= $3;`
	tag, err := tx.Exec(ctx, debit, asset, from, int64(amount))
	if err != nil {
		return domain.ErrOperationFailed
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientFunds
	}

	const credit = `
INSERT INTO ledger_accounts (asset, account, balance, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (asset, account) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance;`
	if _, err := tx.Exec(ctx, credit, asset, to, int64(amount), time.Now()); err != nil {
		return domain.ErrOperationFailed
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ErrOperationFailed
	}
	l.log.Debug().Str("asset", asset).Str("from", from).Str("to", to).Uint64("amount", amount).Msg("transfer settled")
	return nil
}

func (l *Ledger) Approve(ctx context.Context, asset, account, delegate string, amount uint64) error {
	const q = `
INSERT INTO ledger_approvals (asset, account, delegate, amount, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (asset, account, delegate) DO UPDATE SET amount = EXCLUDED.amount;`
	if _, err := l.pool.Exec(ctx, q, asset, account, delegate, int64(amount), time.Now()); err != nil {
		return domain.ErrOperationFailed
	}
	l.log.Debug().Str("asset", asset).Str("account", account).Str("delegate", delegate).Uint64("amount", amount).Msg("approval replaced")
	return nil
}

// Deposit credits an account out of thin air. Operational tooling only; the
// engine itself never mints.
func (l *Ledger) Deposit(ctx context.Context, asset, account string, amount uint64) error {
	const q = `
INSERT INTO ledger_accounts (asset, account, balance, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (asset, account) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance;`
	if _, err := l.pool.Exec(ctx, q, asset, account, int64(amount), time.Now()); err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

// Balance reads an account balance; missing accounts read as zero.
func (l *Ledger) Balance(ctx context.Context, asset, account string) (uint64, error) {
	const q = `SELECT balance FROM ledger_accounts WHERE asset=$1 AND account=$2;`
	var balance int64
	if err := l.pool.QueryRow(ctx, q, asset, account).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, domain.ErrReadDatabaseRow
	}
	return uint64(balance), nil
}
