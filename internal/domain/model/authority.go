package model

import (
	"time"

	"recurring-payments/internal/domain"
)

// Authority is the single platform-wide record naming the operator. The owner
// collects protocol fees and acts as the delegated spending agent; ownership
// changes additionally require the co-signer.
type Authority struct {
	Owner     string
	CoSigner  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewAuthority(owner, coSigner string, now time.Time) (*Authority, error) {
	if owner == "" || coSigner == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &Authority{Owner: owner, CoSigner: coSigner, CreatedAt: now, UpdatedAt: now}, nil
}

// Rotate transfers ownership. Both the current owner and the co-signer must
// have signed; the identity layer verifies signatures, this checks the names.
func (a *Authority) Rotate(signer, coSigner, newOwner string, now time.Time) error {
	if newOwner == "" {
		return domain.ErrInvalidArgument
	}
	if signer != a.Owner || coSigner != a.CoSigner {
		return domain.ErrUnauthorized
	}
	a.Owner = newOwner
	a.UpdatedAt = now
	return nil
}
