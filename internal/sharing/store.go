package sharing

import (
	"context"
	"time"
)

// DocumentRepo stores document metadata.
type DocumentRepo interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
}

// PermissionRepo stores permission grants. Permissions are never deleted.
type PermissionRepo interface {
	Create(ctx context.Context, p *Permission) error
	Get(ctx context.Context, id string) (*Permission, error)
	Update(ctx context.Context, p *Permission) error

	// ListByUser returns grants where userID is granter or grantee, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Permission, error)

	// FindActive returns the active grant for the pair or ErrNotFound.
	FindActive(ctx context.Context, granterUserID, granteeUserID string) (*Permission, error)
}

// EdgeRepo stores chain edges.
type EdgeRepo interface {
	// Create inserts a new edge. A duplicate share token yields ErrConflict.
	Create(ctx context.Context, e *Edge) error
	Get(ctx context.Context, id string) (*Edge, error)
	GetByToken(ctx context.Context, token string) (*Edge, error)

	// ListByDocument returns the document's edges, oldest first.
	ListByDocument(ctx context.Context, documentID string) ([]*Edge, error)

	UpdateStatus(ctx context.Context, id string, status EdgeStatus) error

	// ListExpired returns active edges whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]*Edge, error)
}

// ProvenanceRepo stores one provenance row per document.
type ProvenanceRepo interface {
	Get(ctx context.Context, documentID string) (*Provenance, error)
	// Save inserts or replaces the row for p.DocumentID.
	Save(ctx context.Context, p *Provenance) error
}

// NotificationRepo stores inbox entries.
type NotificationRepo interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)

	// ListForUser returns entries addressed to userID, newest first.
	ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
}

// Store is the persistence port the engine depends on.
type Store interface {
	Documents() DocumentRepo
	Permissions() PermissionRepo
	Edges() EdgeRepo
	Provenance() ProvenanceRepo
	Notifications() NotificationRepo
}

// Transactor runs fn as one atomic unit against tx: either every write made
// through tx is committed or none is, and readers outside the unit never
// observe a partial result. lockKey names the serialization domain (a
// document id or a permission pair) for backends that lock per key.
type Transactor interface {
	Atomic(ctx context.Context, lockKey string, fn func(ctx context.Context, tx Store) error) error
}

// Viewer is implemented by backends that can run a read-only unit against
// a consistent state without serializing against writers.
type Viewer interface {
	View(ctx context.Context, lockKey string, fn func(ctx context.Context, tx Store) error) error
}

// Backend is a Store that can also run atomic units.
type Backend interface {
	Store
	Transactor
}
