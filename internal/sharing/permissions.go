package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vendorflow/vendorflow/internal/platform/logutil"
)

// GrantRequest describes a permission to grant or the new values of an
// existing one.
type GrantRequest struct {
	GranterUserID  string         `json:"granterUserId"`
	GranteeUserID  string         `json:"granteeUserId"`
	DocumentTypes  []DocumentType `json:"documentTypes"`
	CanRelay       bool           `json:"canRelay"`
	CanViewHistory bool           `json:"canViewHistory"`
	MaxChainDepth  int            `json:"maxChainDepth"`
}

func (r *GrantRequest) validate() error {
	if r.GranterUserID == "" || r.GranteeUserID == "" {
		return fmt.Errorf("%w: granter and grantee are required", ErrValidation)
	}
	if r.GranterUserID == r.GranteeUserID {
		return fmt.Errorf("%w: cannot grant a permission to yourself", ErrValidation)
	}
	return validateGrantScope(r.DocumentTypes, r.MaxChainDepth)
}

func validateGrantScope(types []DocumentType, maxDepth int) error {
	if len(types) == 0 {
		return fmt.Errorf("%w: documentTypes must not be empty", ErrValidation)
	}
	for _, t := range types {
		if t != DocumentTypeAll && !t.Valid() {
			return fmt.Errorf("%w: unknown document type %q", ErrValidation, t)
		}
	}
	if maxDepth != UnlimitedDepth && maxDepth < 1 {
		return fmt.Errorf("%w: maxChainDepth must be >= 1 or -1", ErrValidation)
	}
	return nil
}

// Registry manages permission grants.
type Registry struct {
	backend Backend
	now     func() time.Time
	log     *slog.Logger
}

// NewRegistry creates a permission registry over backend.
func NewRegistry(backend Backend, log *slog.Logger) *Registry {
	return &Registry{backend: backend, now: time.Now, log: logutil.NoopIfNil(log)}
}

func pairKey(granter, grantee string) string {
	return "permission:" + granter + ":" + grantee
}

// Grant creates an active permission, revoking any active grant for the
// same pair in the same atomic unit.
func (r *Registry) Grant(ctx context.Context, req GrantRequest) (*Permission, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	p := &Permission{
		ID:             newID(),
		GranterUserID:  req.GranterUserID,
		GranteeUserID:  req.GranteeUserID,
		DocumentTypes:  slices.Compact(slices.Sorted(slices.Values(req.DocumentTypes))),
		CanRelay:       req.CanRelay,
		CanViewHistory: req.CanViewHistory,
		MaxChainDepth:  req.MaxChainDepth,
		Status:         PermissionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var superseded string
	err := r.backend.Atomic(ctx, pairKey(req.GranterUserID, req.GranteeUserID), func(ctx context.Context, tx Store) error {
		existing, err := tx.Permissions().FindActive(ctx, req.GranterUserID, req.GranteeUserID)
		switch {
		case err == nil:
			existing.Status = PermissionRevoked
			existing.UpdatedAt = now
			if err := tx.Permissions().Update(ctx, existing); err != nil {
				return fmt.Errorf("revoke superseded permission: %w", err)
			}
			superseded = existing.ID
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.Permissions().Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("permission granted",
		"permission_id", p.ID,
		"granter_user_id", p.GranterUserID,
		"grantee_user_id", p.GranteeUserID,
		"superseded_id", superseded)
	return p, nil
}

// Update changes the scope and flags of an active permission. Only the
// granter may update it.
func (r *Registry) Update(ctx context.Context, permissionID, granterUserID string, req GrantRequest) (*Permission, error) {
	if err := validateGrantScope(req.DocumentTypes, req.MaxChainDepth); err != nil {
		return nil, err
	}

	var updated *Permission
	err := r.backend.Atomic(ctx, "permission:"+permissionID, func(ctx context.Context, tx Store) error {
		p, err := tx.Permissions().Get(ctx, permissionID)
		if err != nil {
			return err
		}
		if p.GranterUserID != granterUserID {
			return fmt.Errorf("%w: only the granter may update a permission", ErrPermissionDenied)
		}
		if p.Status != PermissionActive {
			return fmt.Errorf("%w: permission %s is revoked", ErrConflict, permissionID)
		}
		p.DocumentTypes = slices.Compact(slices.Sorted(slices.Values(req.DocumentTypes)))
		p.CanRelay = req.CanRelay
		p.CanViewHistory = req.CanViewHistory
		p.MaxChainDepth = req.MaxChainDepth
		p.UpdatedAt = r.now().UTC()
		if err := tx.Permissions().Update(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Revoke marks a permission revoked. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, permissionID string) (*Permission, error) {
	var out *Permission
	err := r.backend.Atomic(ctx, "permission:"+permissionID, func(ctx context.Context, tx Store) error {
		p, err := tx.Permissions().Get(ctx, permissionID)
		if err != nil {
			return err
		}
		out = p
		if p.Status == PermissionRevoked {
			return nil
		}
		p.Status = PermissionRevoked
		p.UpdatedAt = r.now().UTC()
		return tx.Permissions().Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a permission by id.
func (r *Registry) Get(ctx context.Context, permissionID string) (*Permission, error) {
	return r.backend.Permissions().Get(ctx, permissionID)
}

// Find returns every permission where userID is granter or grantee, active
// and revoked, newest first.
func (r *Registry) Find(ctx context.Context, userID string) ([]*Permission, error) {
	return r.backend.Permissions().ListByUser(ctx, userID)
}

// IsAuthorized reports whether an active grant from granter to grantee
// covers documentType.
func (r *Registry) IsAuthorized(ctx context.Context, granterUserID, granteeUserID string, documentType DocumentType) (bool, error) {
	p, err := activeGrant(ctx, r.backend, granterUserID, granteeUserID)
	if err != nil || p == nil {
		return false, err
	}
	return p.Covers(documentType), nil
}

// activeGrant returns the active grant for the pair, or nil when none exists.
func activeGrant(ctx context.Context, s Store, granterUserID, granteeUserID string) (*Permission, error) {
	p, err := s.Permissions().FindActive(ctx, granterUserID, granteeUserID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
