// Package identity resolves channel identifiers to canonical customers and
// links new identifiers to existing ones.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"go.uber.org/zap"
)

type Service struct {
	store      repository.Store
	resolver   *Resolver
	normalizer Normalizer
	logger     *zap.Logger
}

func NewService(store repository.Store, resolver *Resolver, normalizer Normalizer, logger *zap.Logger) *Service {
	return &Service{store: store, resolver: resolver, normalizer: normalizer, logger: logger}
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

func (s *Service) Normalizer() Normalizer {
	return s.normalizer
}

// Resolve normalises ids and returns the best live match in the tenant.
func (s *Service) Resolve(ctx context.Context, tenantID uuid.UUID, ids Identifiers) (*Match, error) {
	normalized, err := ids.Normalize(s.normalizer)
	if err != nil {
		return nil, err
	}
	if normalized.IsEmpty() {
		return nil, fmt.Errorf("resolve: no identifiers: %w", errs.ErrInvalidInput)
	}

	var match *Match
	err = s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		match, err = s.resolver.Resolve(ctx, tx, tenantID, normalized)
		return err
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

type LinkRequest struct {
	TenantID   uuid.UUID
	CustomerID uuid.UUID
	Channel    models.Channel
	Identifier string
	Profile    Profile
}

// LinkIdentity attaches a channel identifier to an existing live customer
// and backfills empty profile fields.
func (s *Service) LinkIdentity(ctx context.Context, req LinkRequest) (*models.Customer, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("link identity: channel %q: %w", req.Channel, errs.ErrInvalidInput)
	}
	kind := req.Channel.IdentifierKind()
	value, err := s.normalizer.Normalize(kind, req.Identifier)
	if err != nil {
		return nil, err
	}
	extra, err := req.Profile.Identifiers(s.normalizer)
	if err != nil {
		return nil, err
	}

	var linked *models.Customer
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		linked, err = LinkTx(ctx, tx, req.TenantID, req.CustomerID, kind, value, req.Identifier, extra, req.Profile)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("identity linked",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("customer_id", linked.ID.String()),
		zap.String("kind", string(kind)),
	)
	return linked, nil
}

// LinkTx is LinkIdentity inside a caller's transaction. value and extra must
// be normalised; raw is the identifier as received.
func LinkTx(ctx context.Context, repo repository.CustomerRepository, tenantID, customerID uuid.UUID, kind models.IdentifierKind, value, raw string, extra Identifiers, p Profile) (*models.Customer, error) {
	rows, err := repo.LockCustomers(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lock customer: %w", err)
	}
	if len(rows) == 0 || !rows[0].IsLive() || rows[0].TenantID != tenantID {
		return nil, fmt.Errorf("link identity: customer %s: %w", customerID, errs.ErrNotFound)
	}
	c := rows[0]

	owner, err := repo.FindLiveByIdentifier(ctx, tenantID, kind, value)
	if err != nil {
		return nil, fmt.Errorf("check %s owner: %w", kind, err)
	}
	if owner != nil && owner.ID != c.ID {
		return nil, &errs.ClaimError{Kind: string(kind), ConflictingCustomerID: owner.ID}
	}

	attached, err := Attach(c, kind, value, raw)
	if err != nil {
		return nil, err
	}
	filled, err := Enrich(ctx, repo, c, extra, kind, p)
	if err != nil {
		return nil, err
	}
	if attached || filled {
		if err := repo.UpdateCustomerProfile(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
