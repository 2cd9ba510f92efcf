package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vendorflow/vendorflow/internal/platform/logutil"
)

// Options configures an Engine.
type Options struct {
	// RequireGrant makes every root share consult the permission registry
	// and fail without an active grant covering the document type. When
	// false, pairs without a grant are allowed and pairs with one are still
	// clamped by it.
	RequireGrant bool

	// DefaultMaxChainDepth caps chains whose root share has no grant.
	// UnlimitedDepth (the zero value is treated the same) means no cap.
	DefaultMaxChainDepth int

	Observer Observer
	Logger   *slog.Logger
	Tokens   TokenSource

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Engine orchestrates sharing, relaying, revocation and chain queries.
// Mutations of one document are serialized in-process and committed as one
// atomic unit through the backend.
type Engine struct {
	backend  Backend
	registry *Registry
	ledger   *Ledger
	tracker  *Tracker
	notifier *Notifier
	docLocks *keyedMutex
	opts     Options
	observer Observer
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the engine and its components over backend.
func NewEngine(backend Backend, opts Options) *Engine {
	log := logutil.NoopIfNil(opts.Logger)
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	if opts.DefaultMaxChainDepth == 0 {
		opts.DefaultMaxChainDepth = UnlimitedDepth
	}
	e := &Engine{
		backend:  backend,
		registry: NewRegistry(backend, log),
		ledger:   NewLedger(opts.Tokens),
		tracker:  NewTracker(),
		notifier: NewNotifier(backend),
		docLocks: newKeyedMutex(),
		opts:     opts,
		observer: observer,
		log:      log,
		now:      time.Now,
	}
	if opts.Clock != nil {
		e.setClock(opts.Clock)
	}
	return e
}

// Registry returns the permission registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Notifier returns the inbox notifier.
func (e *Engine) Notifier() *Notifier { return e.notifier }

// ShareRequest asks for a root share of a document.
type ShareRequest struct {
	DocumentID  string
	FromUserID  string
	ToUserID    string
	Permissions EdgePermissions
	ShareReason string
	ExpiresAt   *time.Time
}

// RelayRequest asks to pass a received document further down the chain.
type RelayRequest struct {
	ParentToken string
	FromUserID  string
	ToUserID    string
	Permissions EdgePermissions
	ShareReason string
	ExpiresAt   *time.Time
}

// ShareResult is the outcome of a share or relay.
type ShareResult struct {
	Edge       *Edge
	Provenance *Provenance
	ChainPath  []string
}

// SharedAccess is what a valid share token resolves to.
type SharedAccess struct {
	Document   *Document
	Edge       *Edge
	ChainPath  []string
	ChainDepth int
}

// ChainHistory is the full sharing record of one document.
type ChainHistory struct {
	Edges         []*Edge
	Provenance    *Provenance
	Visualization Visualization
}

// RegisterDocument stores document metadata so it can be shared.
func (e *Engine) RegisterDocument(ctx context.Context, doc Document) (*Document, error) {
	if doc.OwnerUserID == "" {
		return nil, fmt.Errorf("%w: ownerUserId is required", ErrValidation)
	}
	if !doc.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrValidation, doc.Type)
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	doc.CreatedAt = e.now().UTC()
	if err := e.backend.Documents().Create(ctx, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocument returns document metadata.
func (e *Engine) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	return e.backend.Documents().Get(ctx, documentID)
}

func (e *Engine) validateParties(from, to string, expiresAt *time.Time) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrValidation)
	}
	if from == to {
		return fmt.Errorf("%w: cannot share a document with yourself", ErrValidation)
	}
	if expiresAt != nil && !expiresAt.After(e.now()) {
		return fmt.Errorf("%w: expiresAt must be in the future", ErrValidation)
	}
	return nil
}

// atomic serializes fn with every other mutation of documentID and runs it
// as one backend unit.
func (e *Engine) atomic(ctx context.Context, documentID string, fn func(ctx context.Context, tx Store) error) error {
	unlock := e.docLocks.Lock(documentID)
	defer unlock()
	return e.backend.Atomic(ctx, "document:"+documentID, fn)
}

// view runs a read-only fn against one consistent state of documentID.
// Backends without a Viewer fall back to an atomic unit.
func (e *Engine) view(ctx context.Context, documentID string, fn func(ctx context.Context, tx Store) error) error {
	if v, ok := e.backend.(Viewer); ok {
		return v.View(ctx, "document:"+documentID, fn)
	}
	return e.backend.Atomic(ctx, "document:"+documentID, fn)
}

// ShareDocument creates a root edge from the document owner to a recipient.
func (e *Engine) ShareDocument(ctx context.Context, req ShareRequest) (*ShareResult, error) {
	if err := e.validateParties(req.FromUserID, req.ToUserID, req.ExpiresAt); err != nil {
		return nil, err
	}
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrValidation)
	}

	var (
		result  *ShareResult
		notices []NotificationType
	)
	err := e.atomic(ctx, req.DocumentID, func(ctx context.Context, tx Store) error {
		doc, err := tx.Documents().Get(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if doc.OwnerUserID != req.FromUserID {
			return fmt.Errorf("%w: only the document owner can start a chain; relay a received share instead", ErrPermissionDenied)
		}

		grant, err := activeGrant(ctx, tx, req.FromUserID, req.ToUserID)
		if err != nil {
			return err
		}
		if grant != nil && !grant.Covers(doc.Type) {
			grant = nil
		}
		if grant == nil && e.opts.RequireGrant {
			e.observer.ShareDenied(DenialNoGrant)
			return fmt.Errorf("%w: no active grant from %s to %s for %s documents",
				ErrPermissionDenied, req.FromUserID, req.ToUserID, doc.Type)
		}

		perms := req.Permissions
		maxDepth := e.opts.DefaultMaxChainDepth
		if grant != nil {
			perms.CanRelay = perms.CanRelay && grant.CanRelay
			maxDepth = grant.MaxChainDepth
		}

		edge, err := e.ledger.CreateRootEdge(ctx, tx, doc.ID, EdgeInput{
			FromUserID:    req.FromUserID,
			ToUserID:      req.ToUserID,
			Permissions:   perms,
			ShareReason:   req.ShareReason,
			ExpiresAt:     req.ExpiresAt,
			MaxChainDepth: maxDepth,
		})
		if err != nil {
			return err
		}
		if _, err := e.tracker.OnRootShare(ctx, tx, doc.ID, req.FromUserID); err != nil {
			return err
		}
		prov, err := e.tracker.Advance(ctx, tx, doc.ID, req.ToUserID)
		if err != nil {
			return err
		}

		notices, err = e.announceShare(ctx, tx, edge, prov)
		if err != nil {
			return err
		}
		result = &ShareResult{Edge: edge, Provenance: prov, ChainPath: []string{edge.FromUserID, edge.ToUserID}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.committed(ShareKindRoot, notices)
	e.log.Info("document shared",
		"document_id", result.Edge.DocumentID,
		"chain_id", result.Edge.ID,
		"from_user_id", result.Edge.FromUserID,
		"to_user_id", result.Edge.ToUserID)
	return result, nil
}

// RelayDocument creates a relay edge below the edge identified by the
// parent token. Rights are checked against the parent edge, never a fresh
// grant, and can only narrow.
func (e *Engine) RelayDocument(ctx context.Context, req RelayRequest) (*ShareResult, error) {
	if err := e.validateParties(req.FromUserID, req.ToUserID, req.ExpiresAt); err != nil {
		return nil, err
	}
	if req.ParentToken == "" {
		return nil, fmt.Errorf("%w: parent token is required", ErrValidation)
	}

	probe, err := e.ledger.GetByToken(ctx, e.backend, req.ParentToken)
	if err != nil {
		return nil, err
	}
	if probe == nil {
		return nil, fmt.Errorf("%w: unknown share token", ErrNotFound)
	}

	var (
		result  *ShareResult
		notices []NotificationType
	)
	err = e.atomic(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
		parent, err := tx.Edges().Get(ctx, probe.ID)
		if err != nil {
			return err
		}
		if parent.ToUserID != req.FromUserID {
			return fmt.Errorf("%w: only the recipient of a share can relay it", ErrPermissionDenied)
		}
		path, err := e.ledger.Path(ctx, tx, parent)
		if err != nil {
			return err
		}
		now := e.now()
		for _, hop := range path {
			if !hop.Usable(now) {
				e.observer.ShareDenied(DenialExpired)
				return fmt.Errorf("%w: chain %s is no longer active", ErrNotFound, hop.ID)
			}
		}
		if !parent.Permissions.CanRelay {
			e.observer.ShareDenied(DenialRelayDisabled)
			return fmt.Errorf("%w: the parent share does not allow relaying", ErrPermissionDenied)
		}

		grant, err := activeGrant(ctx, tx, req.FromUserID, req.ToUserID)
		if err != nil {
			return err
		}
		limit := parent.MaxChainDepth
		perms := req.Permissions.Clamp(parent.Permissions)
		if grant != nil {
			limit = minDepth(limit, grant.MaxChainDepth)
			perms.CanRelay = perms.CanRelay && grant.CanRelay
		}
		depth := parent.Depth + 1
		if limit != UnlimitedDepth && depth > limit {
			e.observer.ShareDenied(DenialDepthExceeded)
			return fmt.Errorf("%w: relay would reach depth %d, limit is %d", ErrDepthExceeded, depth, limit)
		}

		edge, err := e.ledger.CreateRelayEdge(ctx, tx, parent.ID, EdgeInput{
			FromUserID:    req.FromUserID,
			ToUserID:      req.ToUserID,
			Permissions:   perms,
			ShareReason:   req.ShareReason,
			ExpiresAt:     earliest(req.ExpiresAt, parent.ExpiresAt),
			MaxChainDepth: limit,
		})
		if err != nil {
			return err
		}
		prov, err := e.tracker.Advance(ctx, tx, edge.DocumentID, req.ToUserID)
		if err != nil {
			return err
		}

		notices, err = e.announceShare(ctx, tx, edge, prov)
		if err != nil {
			return err
		}
		result = &ShareResult{Edge: edge, Provenance: prov, ChainPath: UserPath(append(path, edge))}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.committed(ShareKindRelay, notices)
	e.log.Info("document relayed",
		"document_id", result.Edge.DocumentID,
		"chain_id", result.Edge.ID,
		"parent_chain_id", *result.Edge.ParentChainID,
		"from_user_id", result.Edge.FromUserID,
		"to_user_id", result.Edge.ToUserID,
		"depth", result.Edge.Depth)
	return result, nil
}

// announceShare notifies the recipient and, when the new edge exhausts the
// depth budget, the original owner.
func (e *Engine) announceShare(ctx context.Context, tx Store, edge *Edge, prov *Provenance) ([]NotificationType, error) {
	sent := []NotificationType{NotificationShareRequest}
	if _, err := e.notifier.Notify(ctx, tx, Notice{
		FromUserID: edge.FromUserID,
		ToUserID:   edge.ToUserID,
		Type:       NotificationShareRequest,
		Message:    fmt.Sprintf("%s shared a document with you", edge.FromUserID),
		DocumentID: edge.DocumentID,
		ChainID:    edge.ID,
		Metadata: map[string]any{
			"depth":       edge.Depth,
			"shareReason": edge.ShareReason,
			"permissions": edge.Permissions,
		},
	}); err != nil {
		return nil, err
	}

	if edge.MaxChainDepth != UnlimitedDepth && edge.Depth >= edge.MaxChainDepth && prov.OriginalOwnerID != edge.ToUserID {
		if _, err := e.notifier.Notify(ctx, tx, Notice{
			FromUserID: edge.FromUserID,
			ToUserID:   prov.OriginalOwnerID,
			Type:       NotificationChainComplete,
			Message:    "your document reached the end of its sharing chain",
			DocumentID: edge.DocumentID,
			ChainID:    edge.ID,
			Metadata:   map[string]any{"depth": edge.Depth, "accessPath": prov.AccessPath},
		}); err != nil {
			return nil, err
		}
		sent = append(sent, NotificationChainComplete)
	}
	return sent, nil
}

func (e *Engine) committed(kind string, notices []NotificationType) {
	if kind != "" {
		e.observer.ShareCreated(kind)
	}
	for _, t := range notices {
		e.observer.NotificationEmitted(t)
	}
}

// RevokeChain revokes edgeID and its whole subtree. The edge's sender, any
// upstream sender on its path, or the document's original owner may revoke.
// It returns the ids of edges that changed status; revoking an already
// revoked edge returns none.
func (e *Engine) RevokeChain(ctx context.Context, edgeID, revokedByUserID string) ([]string, error) {
	probe, err := e.backend.Edges().Get(ctx, edgeID)
	if err != nil {
		return nil, err
	}

	var (
		revoked []string
		notices []NotificationType
	)
	err = e.atomic(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
		edge, err := tx.Edges().Get(ctx, edgeID)
		if err != nil {
			return err
		}
		if err := e.authorizeRevoke(ctx, tx, edge, revokedByUserID); err != nil {
			return err
		}
		revoked, notices, err = e.revokeSubtree(ctx, tx, edge, revokedByUserID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.committed("", notices)
	if len(revoked) > 0 {
		e.observer.EdgesRevoked(len(revoked))
		e.log.Info("chain revoked",
			"document_id", probe.DocumentID,
			"chain_id", edgeID,
			"revoked_by", revokedByUserID,
			"revoked_count", len(revoked))
	}
	return revoked, nil
}

// GetChain returns one edge by id.
func (e *Engine) GetChain(ctx context.Context, edgeID string) (*Edge, error) {
	return e.backend.Edges().Get(ctx, edgeID)
}

func (e *Engine) authorizeRevoke(ctx context.Context, tx Store, edge *Edge, userID string) error {
	if edge.FromUserID == userID {
		return nil
	}
	prov, err := e.tracker.Get(ctx, tx, edge.DocumentID)
	if err != nil {
		return err
	}
	if prov != nil && prov.OriginalOwnerID == userID {
		return nil
	}
	path, err := e.ledger.Path(ctx, tx, edge)
	if err != nil {
		return err
	}
	for _, hop := range path {
		if hop.FromUserID == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: only an upstream holder can revoke this share", ErrPermissionDenied)
}

// revokeSubtree cascades the revocation and notifies the revoked edge's
// recipient and its direct children's recipients, once each. extra, when
// set, is an additional notice sent in the same unit.
func (e *Engine) revokeSubtree(ctx context.Context, tx Store, edge *Edge, byUserID string, extra *Notice) ([]string, []NotificationType, error) {
	if edge.Status == EdgeRevoked {
		return nil, nil, nil
	}

	edges, err := tx.Edges().ListByDocument(ctx, edge.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	children := newForest(edges).children[edge.ID]

	revoked, err := e.ledger.Revoke(ctx, tx, edge.ID)
	if err != nil {
		return nil, nil, err
	}
	changed := make(map[string]bool, len(revoked))
	for _, id := range revoked {
		changed[id] = true
	}

	var notices []NotificationType
	notified := map[string]bool{byUserID: true}
	notify := func(to, chainID string) error {
		if notified[to] {
			return nil
		}
		notified[to] = true
		_, err := e.notifier.Notify(ctx, tx, Notice{
			FromUserID: byUserID,
			ToUserID:   to,
			Type:       NotificationShareRevoked,
			Message:    "access to a shared document was revoked",
			DocumentID: edge.DocumentID,
			ChainID:    chainID,
			Metadata:   map[string]any{"revokedChainId": edge.ID, "revokedCount": len(revoked)},
		})
		if err == nil {
			notices = append(notices, NotificationShareRevoked)
		}
		return err
	}

	if changed[edge.ID] {
		if err := notify(edge.ToUserID, edge.ID); err != nil {
			return nil, nil, err
		}
	}
	for _, child := range children {
		if !changed[child.ID] {
			continue
		}
		if err := notify(child.ToUserID, child.ID); err != nil {
			return nil, nil, err
		}
	}

	if extra != nil {
		if _, err := e.notifier.Notify(ctx, tx, *extra); err != nil {
			return nil, nil, err
		}
		notices = append(notices, extra.Type)
	}
	return revoked, notices, nil
}

// AcceptShare lets the recipient of a live share acknowledge it; the sender
// is notified.
func (e *Engine) AcceptShare(ctx context.Context, token, userID string) (*Edge, error) {
	probe, err := e.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var notices []NotificationType
	var edge *Edge
	err = e.atomic(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
		edge, err = tx.Edges().Get(ctx, probe.ID)
		if err != nil {
			return err
		}
		if edge.ToUserID != userID {
			return fmt.Errorf("%w: only the recipient can accept a share", ErrPermissionDenied)
		}
		if !edge.Usable(e.now()) {
			return fmt.Errorf("%w: share is %s", ErrExpired, edge.Status)
		}
		if _, err := e.notifier.Notify(ctx, tx, Notice{
			FromUserID: userID,
			ToUserID:   edge.FromUserID,
			Type:       NotificationShareAccepted,
			Message:    fmt.Sprintf("%s accepted your shared document", userID),
			DocumentID: edge.DocumentID,
			ChainID:    edge.ID,
		}); err != nil {
			return err
		}
		notices = append(notices, NotificationShareAccepted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed("", notices)
	return edge, nil
}

// RejectShare lets the recipient refuse a share. The edge and its subtree
// are revoked and the sender is notified. Rejecting a revoked share is a
// no-op.
func (e *Engine) RejectShare(ctx context.Context, token, userID string) ([]string, error) {
	probe, err := e.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var (
		revoked []string
		notices []NotificationType
	)
	err = e.atomic(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
		edge, err := tx.Edges().Get(ctx, probe.ID)
		if err != nil {
			return err
		}
		if edge.ToUserID != userID {
			return fmt.Errorf("%w: only the recipient can reject a share", ErrPermissionDenied)
		}
		revoked, notices, err = e.revokeSubtree(ctx, tx, edge, userID, &Notice{
			FromUserID: userID,
			ToUserID:   edge.FromUserID,
			Type:       NotificationShareRejected,
			Message:    fmt.Sprintf("%s rejected your shared document", userID),
			DocumentID: edge.DocumentID,
			ChainID:    edge.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.committed("", notices)
	if len(revoked) > 0 {
		e.observer.EdgesRevoked(len(revoked))
	}
	return revoked, nil
}

func (e *Engine) resolveToken(ctx context.Context, token string) (*Edge, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: share token is required", ErrValidation)
	}
	edge, err := e.ledger.GetByToken(ctx, e.backend, token)
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, fmt.Errorf("%w: unknown share token", ErrNotFound)
	}
	return edge, nil
}

// AccessSharedDocument resolves a share token. Every edge from the root
// down to the token's edge must be active and unexpired.
func (e *Engine) AccessSharedDocument(ctx context.Context, token string) (*SharedAccess, error) {
	probe, err := e.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var access *SharedAccess
	err = e.view(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
		edge, err := tx.Edges().Get(ctx, probe.ID)
		if err != nil {
			return err
		}
		path, err := e.ledger.Path(ctx, tx, edge)
		if err != nil {
			return err
		}
		now := e.now()
		for _, hop := range path {
			if !hop.Usable(now) {
				return fmt.Errorf("%w: share is no longer active", ErrExpired)
			}
		}
		doc, err := tx.Documents().Get(ctx, edge.DocumentID)
		if err != nil {
			return err
		}
		access = &SharedAccess{
			Document:   doc,
			Edge:       edge,
			ChainPath:  UserPath(path),
			ChainDepth: edge.Depth,
		}
		return nil
	})
	if errors.Is(err, ErrExpired) {
		e.observer.ShareDenied(DenialExpired)
	}
	if err != nil {
		return nil, err
	}
	return access, nil
}

// GetChainHistory returns every edge of the document, its provenance and a
// node/edge projection for rendering. The original owner may always view
// it; others need an active grant from the owner with canViewHistory.
func (e *Engine) GetChainHistory(ctx context.Context, documentID, viewerUserID string) (*ChainHistory, error) {
	var history *ChainHistory
	err := e.view(ctx, documentID, func(ctx context.Context, tx Store) error {
		doc, err := tx.Documents().Get(ctx, documentID)
		if err != nil {
			return err
		}
		if viewerUserID != doc.OwnerUserID {
			grant, err := activeGrant(ctx, tx, doc.OwnerUserID, viewerUserID)
			if err != nil {
				return err
			}
			if grant == nil || !grant.CanViewHistory {
				return fmt.Errorf("%w: viewing this chain requires a history grant from the owner", ErrPermissionDenied)
			}
		}

		edges, err := e.ledger.GetHistory(ctx, tx, documentID)
		if err != nil {
			return err
		}
		prov, err := e.tracker.Get(ctx, tx, documentID)
		if err != nil {
			return err
		}
		history = &ChainHistory{
			Edges:         edges,
			Provenance:    prov,
			Visualization: Visualize(doc.OwnerUserID, edges),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// ExpireStale marks active edges past their expiry as expired and returns
// how many changed.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	now := e.now()
	stale, err := e.backend.Edges().ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, probe := range stale {
		changed := false
		err := e.atomic(ctx, probe.DocumentID, func(ctx context.Context, tx Store) error {
			edge, err := tx.Edges().Get(ctx, probe.ID)
			if err != nil {
				return err
			}
			if edge.Status != EdgeActive || !edge.ExpiredAt(now) {
				return nil
			}
			if err := tx.Edges().UpdateStatus(ctx, edge.ID, EdgeExpired); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			return expired, fmt.Errorf("expire chain %s: %w", probe.ID, err)
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		e.log.Info("expired stale shares", "count", expired)
	}
	return expired, nil
}

func minDepth(a, b int) int {
	switch {
	case a == UnlimitedDepth:
		return b
	case b == UnlimitedDepth:
		return a
	default:
		return min(a, b)
	}
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

// setClock replaces the time source of the engine and its components.
func (e *Engine) setClock(now func() time.Time) {
	e.now = now
	e.ledger.now = now
	e.tracker.now = now
	e.notifier.now = now
	e.registry.now = now
}
