package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle threaded through repository calls. Its
// concrete type is infra-defined (pgx.Tx for Postgres); repositories must
// gracefully accept nil for the non-transactional path.
type Tx interface{}

// NoTX marks a call that deliberately runs outside any transaction.
var NoTX Tx

// TransactionManager executes a function inside a storage transaction. Every
// engine operation runs under one of these so transfers, counter updates and
// schedule advances commit all-or-nothing.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
