package usecase

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"recurring-payments/internal/domain/model"
	"recurring-payments/internal/domain/ports/adapter"
	"recurring-payments/internal/domain/ports/repository"
	"recurring-payments/internal/infra/logging"
)

// Compile-time check
var _ AuthorityUseCase = (*authorityUC)(nil)

// AuthorityUseCase manages the single platform operator record and the
// custody-layer delegation that hangs off it.
type AuthorityUseCase interface {
	// Initialize records the operator once; re-initialization fails with
	// domain.ErrAlreadyExists.
	Initialize(ctx context.Context, owner, coSigner string) error
	// UpdateOwner rotates the operator. Requires the current owner and the
	// co-signer.
	UpdateOwner(ctx context.Context, signer, coSigner, newOwner string) error
	// SetDelegate re-issues the custody-layer approval for the current
	// effective allowance of a (subscriber, asset) registry. Used when the
	// payer clobbered their delegation out-of-band; mutates no registry state.
	SetDelegate(ctx context.Context, subscriber, asset, subscriberAccount string) error
}

type authorityUC struct {
	authority repository.AuthorityRepository
	permits   repository.PermitRegistryRepository
	tm        repository.TransactionManager
	transfer  adapter.TransferService
	clock     adapter.Clock
	log       *zerolog.Logger
}

func NewAuthorityUseCase(
	authority repository.AuthorityRepository,
	permits repository.PermitRegistryRepository,
	tm repository.TransactionManager,
	transfer adapter.TransferService,
	clock adapter.Clock,
	logger *zerolog.Logger,
) *authorityUC {
	ucLog := logger.With().Str("component", "AuthorityUC").Logger()
	return &authorityUC{
		authority: authority,
		permits:   permits,
		tm:        tm,
		transfer:  transfer,
		clock:     clock,
		log:       &ucLog,
	}
}

func (uc *authorityUC) Initialize(ctx context.Context, owner, coSigner string) error {
	defer logging.TraceDuration(uc.log, "AuthorityUC.Initialize")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := model.NewAuthority(owner, coSigner, uc.clock.Now())
		if err != nil {
			return err
		}
		if err := uc.authority.Create(ctx, tx, auth); err != nil {
			return err
		}
		uc.log.Info().Str("owner", owner).Msg("platform authority initialized")
		return nil
	})
}

func (uc *authorityUC) UpdateOwner(ctx context.Context, signer, coSigner, newOwner string) error {
	defer logging.TraceDuration(uc.log, "AuthorityUC.UpdateOwner")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}
		if err := auth.Rotate(signer, coSigner, newOwner, uc.clock.Now()); err != nil {
			return err
		}
		if err := uc.authority.Save(ctx, tx, auth); err != nil {
			return err
		}
		uc.log.Info().Str("new_owner", newOwner).Msg("platform owner rotated")
		return nil
	})
}

func (uc *authorityUC) SetDelegate(ctx context.Context, subscriber, asset, subscriberAccount string) error {
	defer logging.TraceDuration(uc.log, "AuthorityUC.SetDelegate")()
	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		auth, err := uc.authority.Get(ctx, tx)
		if err != nil {
			return err
		}
		reg, err := uc.permits.Find(ctx, tx, subscriber, asset)
		if err != nil {
			return err
		}
		effective, err := reg.EffectiveAllowance()
		if err != nil {
			return err
		}
		return uc.transfer.Approve(ctx, asset, subscriberAccount, auth.Owner, effective)
	})
}
