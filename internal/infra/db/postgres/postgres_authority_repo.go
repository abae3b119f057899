package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"recurring-payments/internal/domain"
	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/repository"
)

// Ensure authorityRepo implements repository.AuthorityRepository
var _ repository.AuthorityRepository = (*authorityRepo)(nil)

// authorityRepo persists the single platform operator record. The table is
// constrained to one row.
type authorityRepo struct {
	pool *pgxpool.Pool
}

func NewAuthorityRepo(pool *pgxpool.Pool) *authorityRepo {
	return &authorityRepo{pool: pool}
}

func (r *authorityRepo) Create(ctx context.Context, tx repository.Tx, a *model.Authority) error {
	const q = `
INSERT INTO platform_authority (id, owner, co_signer, created_at, updated_at)
VALUES (1,$1,$2,$3,$4);`
	_, err := execSQL(ctx, r.pool, tx, q, a.Owner, a.CoSigner, a.CreatedAt, a.UpdatedAt)
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

func (r *authorityRepo) Get(ctx context.Context, tx repository.Tx) (*model.Authority, error) {
	const q = `SELECT owner, co_signer, created_at, updated_at FROM platform_authority WHERE id=1;`
	row, err := pickRow(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	a := &model.Authority{}
	if err := row.Scan(&a.Owner, &a.CoSigner, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return a, nil
}

func (r *authorityRepo) Save(ctx context.Context, tx repository.Tx, a *model.Authority) error {
	const q = `UPDATE platform_authority SET owner=$1, co_signer=$2, updated_at=$3 WHERE id=1;`
	tag, err := execSQL(ctx, r.pool, tx, q, a.Owner, a.CoSigner, a.UpdatedAt)
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
