package sharing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// EdgeInput carries the caller-supplied fields of a new edge.
type EdgeInput struct {
	FromUserID    string
	ToUserID      string
	Permissions   EdgePermissions
	ShareReason   string
	ExpiresAt     *time.Time
	MaxChainDepth int
}

// Ledger appends edges to the sharing forest and walks it. Every method
// runs against the Store it is handed, normally an open atomic unit.
type Ledger struct {
	tokens TokenSource
	now    func() time.Time
}

// NewLedger creates a ledger drawing share tokens from tokens.
func NewLedger(tokens TokenSource) *Ledger {
	if tokens == nil {
		tokens = RandomToken
	}
	return &Ledger{tokens: tokens, now: time.Now}
}

// CreateRootEdge records an original share of documentID.
func (l *Ledger) CreateRootEdge(ctx context.Context, s Store, documentID string, in EdgeInput) (*Edge, error) {
	e := l.newEdge(documentID, in)
	e.Depth = 1
	if err := l.insert(ctx, s, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateRelayEdge records a relay from the edge parentEdgeID. The parent
// must be active and allow relaying; the new edge inherits its document.
func (l *Ledger) CreateRelayEdge(ctx context.Context, s Store, parentEdgeID string, in EdgeInput) (*Edge, error) {
	parent, err := s.Edges().Get(ctx, parentEdgeID)
	if err != nil {
		return nil, err
	}
	if parent.Status != EdgeActive {
		return nil, fmt.Errorf("%w: parent chain %s is %s", ErrNotFound, parent.ID, parent.Status)
	}
	if !parent.Permissions.CanRelay {
		return nil, fmt.Errorf("%w: parent chain does not allow relaying", ErrPermissionDenied)
	}

	e := l.newEdge(parent.DocumentID, in)
	parentID := parent.ID
	e.ParentChainID = &parentID
	e.Depth = parent.Depth + 1
	if err := l.insert(ctx, s, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (l *Ledger) newEdge(documentID string, in EdgeInput) *Edge {
	return &Edge{
		ID:            newID(),
		DocumentID:    documentID,
		FromUserID:    in.FromUserID,
		ToUserID:      in.ToUserID,
		Permissions:   in.Permissions,
		ShareReason:   in.ShareReason,
		ExpiresAt:     in.ExpiresAt,
		Status:        EdgeActive,
		SharedAt:      l.now().UTC(),
		MaxChainDepth: in.MaxChainDepth,
	}
}

// insert assigns a fresh share token, re-rolling on a detected collision.
func (l *Ledger) insert(ctx context.Context, s Store, e *Edge) error {
	for range maxTokenAttempts {
		token, err := l.tokens()
		if err != nil {
			return err
		}
		if _, err := s.Edges().GetByToken(ctx, token); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		e.ShareToken = token
		err = s.Edges().Create(ctx, e)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: could not allocate a unique share token", ErrConflict)
}

// GetByToken returns the edge for token, or nil when the token is unknown.
func (l *Ledger) GetByToken(ctx context.Context, s Store, token string) (*Edge, error) {
	e, err := s.Edges().GetByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// GetHistory returns the document's edges, oldest first.
func (l *Ledger) GetHistory(ctx context.Context, s Store, documentID string) ([]*Edge, error) {
	edges, err := s.Edges().ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(edges, func(a, b *Edge) int { return a.SharedAt.Compare(b.SharedAt) })
	return edges, nil
}

// Revoke sets edgeID and every transitive descendant to revoked and returns
// the ids whose status changed. Already revoked or expired edges keep their
// status but are still traversed. Each edge is visited at most once, so
// corrupt parent pointers cannot loop.
func (l *Ledger) Revoke(ctx context.Context, s Store, edgeID string) ([]string, error) {
	root, err := s.Edges().Get(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	edges, err := s.Edges().ListByDocument(ctx, root.DocumentID)
	if err != nil {
		return nil, err
	}
	forest := newForest(edges)

	var revoked []string
	visited := map[string]bool{}
	queue := []*Edge{root}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if visited[e.ID] {
			continue
		}
		visited[e.ID] = true

		if e.Status == EdgeActive {
			if err := s.Edges().UpdateStatus(ctx, e.ID, EdgeRevoked); err != nil {
				return nil, fmt.Errorf("revoke chain %s: %w", e.ID, err)
			}
			e.Status = EdgeRevoked
			revoked = append(revoked, e.ID)
		}
		queue = append(queue, forest.children[e.ID]...)
	}
	return revoked, nil
}

// Path returns the edges from the root of e's tree down to e, root first.
func (l *Ledger) Path(ctx context.Context, s Store, e *Edge) ([]*Edge, error) {
	path := []*Edge{e}
	seen := map[string]bool{e.ID: true}
	cur := e
	for cur.ParentChainID != nil {
		parent, err := s.Edges().Get(ctx, *cur.ParentChainID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent of chain %s: %w", cur.ID, err)
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("%w: cycle in chain %s", ErrConflict, e.ID)
		}
		if parent.DocumentID != e.DocumentID {
			return nil, fmt.Errorf("%w: chain %s crosses documents", ErrConflict, e.ID)
		}
		seen[parent.ID] = true
		path = append(path, parent)
		cur = parent
	}
	slices.Reverse(path)
	return path, nil
}

// UserPath renders a root-first edge path as the user ids it touches.
func UserPath(path []*Edge) []string {
	if len(path) == 0 {
		return nil
	}
	users := make([]string, 0, len(path)+1)
	users = append(users, path[0].FromUserID)
	for _, e := range path {
		users = append(users, e.ToUserID)
	}
	return users
}

// forest indexes one document's edges by parent.
type forest struct {
	children map[string][]*Edge
}

func newForest(edges []*Edge) *forest {
	f := &forest{children: make(map[string][]*Edge)}
	for _, e := range edges {
		if e.ParentChainID != nil {
			f.children[*e.ParentChainID] = append(f.children[*e.ParentChainID], e)
		}
	}
	return f
}
