package adapter

import "context"

// TransferService is the value-movement collaborator. The engine issues
// transfer instructions through it but never holds custody itself. Accounts
// are opaque identifiers scoped to one asset; authority is either the payer
// (who signed the operation) or the platform's delegated agent acting under a
// previously approved permit.
type TransferService interface {
	// Move transfers amount from one account to another under the given
	// authority. Binary outcome: nil or an error; no partial transfers.
	Move(ctx context.Context, asset, from, to, authority string, amount uint64) error

	// Approve informs the asset's custody layer of the new ceiling the
	// delegate may move from account without per-transaction payer signatures.
	// The approval replaces any prior one.
	Approve(ctx context.Context, asset, account, delegate string, amount uint64) error
}
