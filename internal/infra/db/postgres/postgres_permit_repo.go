package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
)

// Ensure permitRepo implements repository.PermitRegistryRepository
var _ repository.PermitRegistryRepository = (*permitRepo)(nil)

type permitRepo struct {
	pool *pgxpool.Pool
}

func NewPermitRepo(pool *pgxpool.Pool) *permitRepo {
	return &permitRepo{pool: pool}
}

func (r *permitRepo) FindOrCreate(ctx context.Context, tx repository.Tx, subscriber, asset string) (*model.PermitRegistry, error) {
	// Upsert keeps first-use creation race-free under concurrent creations.
	const q = `
INSERT INTO permit_registries (subscriber, asset, total_allowance, total_used, created_at)
VALUES ($1,$2,0,0,$3)
ON CONFLICT (subscriber, asset) DO NOTHING;`
	if _, err := execSQL(ctx, r.pool, tx, q, subscriber, asset, time.Now()); err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	return r.Find(ctx, tx, subscriber, asset)
}

func (r *permitRepo) Find(ctx context.Context, tx repository.Tx, subscriber, asset string) (*model.PermitRegistry, error) {
	const q = `
SELECT subscriber, asset, total_allowance, total_used, created_at
  FROM permit_registries
 WHERE subscriber=$1 AND asset=$2;`
	row, err := pickRow(ctx, r.pool, tx, q, subscriber, asset)
	if err != nil {
		return nil, err
	}
	reg := &model.PermitRegistry{}
	var allowance, used int64
	if err := row.Scan(&reg.Subscriber, &reg.Asset, &allowance, &used, &reg.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	reg.TotalAllowance = uint64(allowance)
	reg.TotalUsed = uint64(used)
	return reg, nil
}

func (r *permitRepo) Save(ctx context.Context, tx repository.Tx, reg *model.PermitRegistry) error {
	const q = `
UPDATE permit_registries SET total_allowance=$3, total_used=$4
 WHERE subscriber=$1 AND asset=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q, reg.Subscriber, reg.Asset,
		int64(reg.TotalAllowance), int64(reg.TotalUsed))
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return err
		default:
			return domain.ErrOperationFailed
		}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *permitRepo) Delete(ctx context.Context, tx repository.Tx, subscriber, asset string) error {
	const q = `DELETE FROM permit_registries WHERE subscriber=$1 AND asset=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q, subscriber, asset)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return err
		default:
			return domain.ErrOperationFailed
		}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
