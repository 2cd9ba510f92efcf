package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tracker maintains the per-document provenance summary. It never enforces
// depth limits; the engine checks them before advancing.
type Tracker struct {
	now func() time.Time
}

// NewTracker creates a provenance tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// OnRootShare creates the provenance row for documentID on its first share
// and returns the row, existing or new. It does not advance the path.
func (t *Tracker) OnRootShare(ctx context.Context, s Store, documentID, ownerUserID string) (*Provenance, error) {
	p, err := s.Provenance().Get(ctx, documentID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := t.now().UTC()
	p = &Provenance{
		DocumentID:      documentID,
		OriginalOwnerID: ownerUserID,
		CurrentHolderID: ownerUserID,
		ChainDepth:      0,
		AccessPath:      []string{ownerUserID},
		IsOriginal:      true,
		CreatedAt:       now,
	}
	if err := s.Provenance().Save(ctx, p); err != nil {
		return nil, fmt.Errorf("create provenance for %s: %w", documentID, err)
	}
	return p, nil
}

// Advance appends recipientUserID to the access path and counts one more
// share. It must run exactly once per created edge, in the same atomic unit.
func (t *Tracker) Advance(ctx context.Context, s Store, documentID, recipientUserID string) (*Provenance, error) {
	p, err := s.Provenance().Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("advance provenance for %s: %w", documentID, err)
	}

	p.AccessPath = append(p.AccessPath, recipientUserID)
	p.CurrentHolderID = recipientUserID
	p.ChainDepth = len(p.AccessPath) - 1
	p.TotalShares++
	p.LastSharedAt = t.now().UTC()
	if err := s.Provenance().Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the provenance row, or nil when the document was never shared.
func (t *Tracker) Get(ctx context.Context, s Store, documentID string) (*Provenance, error) {
	p, err := s.Provenance().Get(ctx, documentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}
