package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
)

// Ensure eventLogRepo implements repository.EventLogRepository
var _ repository.EventLogRepository = (*eventLogRepo)(nil)

type eventLogRepo struct {
	pool *pgxpool.Pool
}

func NewEventLogRepo(pool *pgxpool.Pool) *eventLogRepo {
	return &eventLogRepo{pool: pool}
}

func (r *eventLogRepo) Append(ctx context.Context, tx repository.Tx, ev *model.Event) error {
	const q = `
INSERT INTO events (id, kind, operation_id, next_payment_due, remaining_allowance, new_allowance, new_max_amount, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q,
		ev.ID, string(ev.Kind), ev.OperationID, ev.NextPaymentDue,
		int64(ev.RemainingAllowance), int64(ev.NewAllowance), int64(ev.NewMaxAmount), ev.CreatedAt)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return err
		default:
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.ErrAlreadyExists
			}
			return domain.ErrOperationFailed
		}
	}
	return nil
}
