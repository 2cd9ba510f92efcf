// Package storetest is the conformance suite every store driver runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
)

// Opener returns a fresh, initialized driver. The suite closes it.
type Opener func(t *testing.T) store.Driver

// base is a fixed instant at microsecond precision so every backend stores
// it exactly.
var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort")

// Run runs the full suite against drivers produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d store.Driver)
	}{
		{"Documents", testDocuments},
		{"PermissionsLifecycle", testPermissionsLifecycle},
		{"PermissionsSingleActivePerPair", testPermissionsSingleActive},
		{"PermissionsListNewestFirst", testPermissionsList},
		{"EdgesCreateAndLookup", testEdges},
		{"EdgesDuplicateToken", testEdgesDuplicateToken},
		{"EdgesListExpired", testEdgesListExpired},
		{"ProvenanceUpsert", testProvenance},
		{"NotificationsInbox", testNotifications},
		{"AtomicCommit", testAtomicCommit},
		{"AtomicRollback", testAtomicRollback},
		{"EngineRoundTrip", testEngineRoundTrip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := open(t)
			t.Cleanup(func() { d.Close() })
			tt.fn(t, d)
		})
	}
}

func mustDocument(t *testing.T, s sharing.Store, id, owner string) *sharing.Document {
	t.Helper()
	doc := &sharing.Document{ID: id, Type: sharing.DocumentTypeW9, OwnerUserID: owner, Name: id + ".pdf", CreatedAt: base}
	if err := s.Documents().Create(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func edge(id, doc, from, to, token string, parent *string, at time.Time) *sharing.Edge {
	depth := 1
	if parent != nil {
		depth = 2
	}
	return &sharing.Edge{
		ID:            id,
		DocumentID:    doc,
		FromUserID:    from,
		ToUserID:      to,
		ParentChainID: parent,
		ShareToken:    token,
		Permissions:   sharing.EdgePermissions{CanRelay: true, CanView: true},
		Status:        sharing.EdgeActive,
		SharedAt:      at,
		Depth:         depth,
		MaxChainDepth: sharing.UnlimitedDepth,
	}
}

func testDocuments(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustDocument(t, d, "doc-1", "alice")

	got, err := d.Documents().Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerUserID != "alice" || got.Type != sharing.DocumentTypeW9 || !got.CreatedAt.Equal(base) {
		t.Errorf("unexpected document %+v", got)
	}

	if _, err := d.Documents().Get(ctx, "missing"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	dup := &sharing.Document{ID: "doc-1", Type: sharing.DocumentTypeW9, OwnerUserID: "bob", CreatedAt: base}
	if err := d.Documents().Create(ctx, dup); !errors.Is(err, sharing.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}
}

func permission(id, granter, grantee string, at time.Time) *sharing.Permission {
	return &sharing.Permission{
		ID:             id,
		GranterUserID:  granter,
		GranteeUserID:  grantee,
		DocumentTypes:  []sharing.DocumentType{sharing.DocumentTypeBanking, sharing.DocumentTypeW9},
		CanRelay:       true,
		CanViewHistory: false,
		MaxChainDepth:  3,
		Status:         sharing.PermissionActive,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func testPermissionsLifecycle(t *testing.T, d store.Driver) {
	ctx := context.Background()
	p := permission("perm-1", "alice", "bob", base)
	if err := d.Permissions().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := d.Permissions().FindActive(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if got.ID != "perm-1" || len(got.DocumentTypes) != 2 || got.MaxChainDepth != 3 {
		t.Errorf("unexpected permission %+v", got)
	}
	if _, err := d.Permissions().FindActive(ctx, "bob", "alice"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("grants are directed; expected ErrNotFound, got %v", err)
	}

	got.Status = sharing.PermissionRevoked
	got.UpdatedAt = base.Add(time.Minute)
	if err := d.Permissions().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := d.Permissions().FindActive(ctx, "alice", "bob"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected no active grant after revoke, got %v", err)
	}
	reread, err := d.Permissions().Get(ctx, "perm-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread.Status != sharing.PermissionRevoked || !reread.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("update not persisted: %+v", reread)
	}

	if err := d.Permissions().Update(ctx, permission("ghost", "a", "b", base)); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating a missing permission, got %v", err)
	}
}

func testPermissionsSingleActive(t *testing.T, d store.Driver) {
	ctx := context.Background()
	if err := d.Permissions().Create(ctx, permission("perm-1", "alice", "bob", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := d.Permissions().Create(ctx, permission("perm-2", "alice", "bob", base.Add(time.Second)))
	if !errors.Is(err, sharing.ErrConflict) {
		t.Fatalf("expected ErrConflict for a second active grant, got %v", err)
	}

	revoked := permission("perm-3", "alice", "bob", base.Add(2*time.Second))
	revoked.Status = sharing.PermissionRevoked
	if err := d.Permissions().Create(ctx, revoked); err != nil {
		t.Errorf("revoked rows do not count toward uniqueness: %v", err)
	}
}

func testPermissionsList(t *testing.T, d store.Driver) {
	ctx := context.Background()
	first := permission("perm-a", "alice", "bob", base)
	first.Status = sharing.PermissionRevoked
	for _, p := range []*sharing.Permission{
		first,
		permission("perm-b", "alice", "bob", base.Add(time.Minute)),
		permission("perm-c", "carol", "alice", base.Add(2*time.Minute)),
		permission("perm-d", "carol", "dave", base.Add(3*time.Minute)),
	} {
		if err := d.Permissions().Create(ctx, p); err != nil {
			t.Fatalf("Create %s: %v", p.ID, err)
		}
	}

	list, err := d.Permissions().ListByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	want := []string{"perm-c", "perm-b", "perm-a"}
	if len(list) != len(want) {
		t.Fatalf("expected %d permissions, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
}

func testEdges(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustDocument(t, d, "doc-1", "alice")
	root := edge("edge-1", "doc-1", "alice", "bob", "tok-1", nil, base)
	exp := base.Add(time.Hour)
	root.ExpiresAt = &exp
	root.ShareReason = "onboarding"
	parent := "edge-1"
	child := edge("edge-2", "doc-1", "bob", "carol", "tok-2", &parent, base.Add(time.Second))

	for _, e := range []*sharing.Edge{child, root} {
		if err := d.Edges().Create(ctx, e); err != nil {
			t.Fatalf("Create %s: %v", e.ID, err)
		}
	}

	got, err := d.Edges().GetByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if got.ID != "edge-1" || !got.IsRoot() || got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("unexpected root edge %+v", got)
	}
	if got.ShareReason != "onboarding" || !got.Permissions.CanRelay || got.Permissions.CanDownload {
		t.Errorf("fields not round-tripped: %+v", got)
	}

	c, err := d.Edges().Get(ctx, "edge-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.ParentChainID == nil || *c.ParentChainID != "edge-1" || c.Depth != 2 || c.MaxChainDepth != sharing.UnlimitedDepth {
		t.Errorf("unexpected child edge %+v", c)
	}

	list, err := d.Edges().ListByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListByDocument: %v", err)
	}
	if len(list) != 2 || list[0].ID != "edge-1" || list[1].ID != "edge-2" {
		t.Errorf("expected oldest first, got %v", edgeIDs(list))
	}

	if err := d.Edges().UpdateStatus(ctx, "edge-2", sharing.EdgeRevoked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	c, _ = d.Edges().Get(ctx, "edge-2")
	if c.Status != sharing.EdgeRevoked {
		t.Errorf("expected revoked, got %s", c.Status)
	}

	if _, err := d.Edges().GetByToken(ctx, "nope"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown token, got %v", err)
	}
	if err := d.Edges().UpdateStatus(ctx, "nope", sharing.EdgeRevoked); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown edge, got %v", err)
	}
}

func testEdgesDuplicateToken(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustDocument(t, d, "doc-1", "alice")
	if err := d.Edges().Create(ctx, edge("edge-1", "doc-1", "alice", "bob", "same", nil, base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := d.Edges().Create(ctx, edge("edge-2", "doc-1", "alice", "carol", "same", nil, base))
	if !errors.Is(err, sharing.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate token, got %v", err)
	}
}

func testEdgesListExpired(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustDocument(t, d, "doc-1", "alice")
	past := base.Add(-time.Minute)
	future := base.Add(time.Minute)

	stale := edge("stale", "doc-1", "alice", "bob", "t1", nil, base.Add(-time.Hour))
	stale.ExpiresAt = &past
	fresh := edge("fresh", "doc-1", "alice", "carol", "t2", nil, base)
	fresh.ExpiresAt = &future
	forever := edge("forever", "doc-1", "alice", "dave", "t3", nil, base)
	gone := edge("gone", "doc-1", "alice", "erin", "t4", nil, base)
	gone.ExpiresAt = &past
	gone.Status = sharing.EdgeRevoked

	for _, e := range []*sharing.Edge{stale, fresh, forever, gone} {
		if err := d.Edges().Create(ctx, e); err != nil {
			t.Fatalf("Create %s: %v", e.ID, err)
		}
	}

	list, err := d.Edges().ListExpired(ctx, base)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(list) != 1 || list[0].ID != "stale" {
		t.Errorf("expected only the active stale edge, got %v", edgeIDs(list))
	}
}

func testProvenance(t *testing.T, d store.Driver) {
	ctx := context.Background()
	if _, err := d.Provenance().Get(ctx, "doc-1"); !errors.Is(err, sharing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p := &sharing.Provenance{
		DocumentID:      "doc-1",
		OriginalOwnerID: "alice",
		CurrentHolderID: "alice",
		AccessPath:      []string{"alice"},
		IsOriginal:      true,
		CreatedAt:       base,
	}
	if err := d.Provenance().Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p.AccessPath = append(p.AccessPath, "bob")
	p.CurrentHolderID = "bob"
	p.ChainDepth = 1
	p.TotalShares = 1
	p.LastSharedAt = base.Add(time.Second)
	if err := d.Provenance().Save(ctx, p); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	got, err := d.Provenance().Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fmt.Sprint(got.AccessPath) != "[alice bob]" || got.CurrentHolderID != "bob" || got.TotalShares != 1 || got.ChainDepth != 1 {
		t.Errorf("unexpected provenance %+v", got)
	}
	if !got.LastSharedAt.Equal(base.Add(time.Second)) || !got.CreatedAt.Equal(base) {
		t.Errorf("timestamps not round-tripped: %+v", got)
	}
}

func testNotifications(t *testing.T, d store.Driver) {
	ctx := context.Background()
	for i, id := range []string{"n-1", "n-2", "n-3"} {
		n := &sharing.Notification{
			ID:               id,
			FromUserID:       "alice",
			ToUserID:         "bob",
			DocumentID:       "doc-1",
			ChainID:          "edge-1",
			NotificationType: sharing.NotificationShareRequest,
			Message:          "shared",
			Metadata:         map[string]any{"depth": i + 1},
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
		if err := d.Notifications().Create(ctx, n); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	other := &sharing.Notification{ID: "n-x", FromUserID: "bob", ToUserID: "carol", NotificationType: sharing.NotificationShareAccepted, CreatedAt: base}
	if err := d.Notifications().Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.Notifications().MarkRead(ctx, "n-2"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	all, err := d.Notifications().ListForUser(ctx, "bob", false)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if got := notificationIDs(all); got != "[n-3 n-2 n-1]" {
		t.Errorf("expected newest first, got %s", got)
	}
	if all[0].Metadata["depth"] == nil {
		t.Error("metadata not round-tripped")
	}

	unread, err := d.Notifications().ListForUser(ctx, "bob", true)
	if err != nil {
		t.Fatalf("ListForUser unread: %v", err)
	}
	if got := notificationIDs(unread); got != "[n-3 n-1]" {
		t.Errorf("expected unread only, got %s", got)
	}

	count, err := d.Notifications().CountUnread(ctx, "bob")
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 unread, got %d", count)
	}

	if err := d.Notifications().MarkRead(ctx, "missing"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testAtomicCommit(t *testing.T, d store.Driver) {
	ctx := context.Background()
	err := d.Atomic(ctx, "doc-1", func(ctx context.Context, tx sharing.Store) error {
		mustDocument(t, tx, "doc-1", "alice")
		if err := tx.Edges().Create(ctx, edge("edge-1", "doc-1", "alice", "bob", "tok", nil, base)); err != nil {
			return err
		}
		// Reads inside the unit see its own writes.
		if _, err := tx.Edges().GetByToken(ctx, "tok"); err != nil {
			return err
		}
		return tx.Provenance().Save(ctx, &sharing.Provenance{DocumentID: "doc-1", OriginalOwnerID: "alice", CurrentHolderID: "bob", AccessPath: []string{"alice", "bob"}, CreatedAt: base, LastSharedAt: base})
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	if _, err := d.Edges().Get(ctx, "edge-1"); err != nil {
		t.Errorf("committed edge missing: %v", err)
	}
	if _, err := d.Provenance().Get(ctx, "doc-1"); err != nil {
		t.Errorf("committed provenance missing: %v", err)
	}
}

func testAtomicRollback(t *testing.T, d store.Driver) {
	ctx := context.Background()
	mustDocument(t, d, "doc-1", "alice")

	err := d.Atomic(ctx, "doc-1", func(ctx context.Context, tx sharing.Store) error {
		if err := tx.Edges().Create(ctx, edge("edge-1", "doc-1", "alice", "bob", "tok", nil, base)); err != nil {
			return err
		}
		if err := tx.Notifications().Create(ctx, &sharing.Notification{ID: "n-1", FromUserID: "alice", ToUserID: "bob", NotificationType: sharing.NotificationShareRequest, CreatedAt: base}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected the unit's error back, got %v", err)
	}

	if _, err := d.Edges().Get(ctx, "edge-1"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("rolled back edge is visible: %v", err)
	}
	if _, err := d.Edges().GetByToken(ctx, "tok"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("rolled back token is visible: %v", err)
	}
	if n, _ := d.Notifications().CountUnread(ctx, "bob"); n != 0 {
		t.Errorf("rolled back notification is visible: %d", n)
	}
}

// testEngineRoundTrip drives the engine end to end on the driver.
func testEngineRoundTrip(t *testing.T, d store.Driver) {
	ctx := context.Background()
	e := sharing.NewEngine(d, sharing.Options{})

	doc, err := e.RegisterDocument(ctx, sharing.Document{Type: sharing.DocumentTypeInsurance, OwnerUserID: "alice"})
	if err != nil {
		t.Fatalf("RegisterDocument: %v", err)
	}
	root, err := e.ShareDocument(ctx, sharing.ShareRequest{
		DocumentID:  doc.ID,
		FromUserID:  "alice",
		ToUserID:    "bob",
		Permissions: sharing.EdgePermissions{CanRelay: true, CanView: true},
	})
	if err != nil {
		t.Fatalf("ShareDocument: %v", err)
	}
	relay, err := e.RelayDocument(ctx, sharing.RelayRequest{
		ParentToken: root.Edge.ShareToken,
		FromUserID:  "bob",
		ToUserID:    "carol",
		Permissions: sharing.EdgePermissions{CanView: true},
	})
	if err != nil {
		t.Fatalf("RelayDocument: %v", err)
	}
	if fmt.Sprint(relay.Provenance.AccessPath) != "[alice bob carol]" {
		t.Errorf("unexpected access path %v", relay.Provenance.AccessPath)
	}

	revoked, err := e.RevokeChain(ctx, root.Edge.ID, "alice")
	if err != nil {
		t.Fatalf("RevokeChain: %v", err)
	}
	if len(revoked) != 2 {
		t.Errorf("expected 2 revoked edges, got %v", revoked)
	}
	if _, err := e.AccessSharedDocument(ctx, relay.Edge.ShareToken); !errors.Is(err, sharing.ErrExpired) {
		t.Errorf("expected ErrExpired after revoke, got %v", err)
	}

	inbox, unread, err := e.Notifier().ListFor(ctx, "carol", false)
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if unread != len(inbox) || len(inbox) != 2 {
		t.Errorf("expected share_request and share_revoked for carol, got %d (%d unread)", len(inbox), unread)
	}
}

func edgeIDs(edges []*sharing.Edge) []string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.ID
	}
	return ids
}

func notificationIDs(list []*sharing.Notification) string {
	ids := make([]string, len(list))
	for i, n := range list {
		ids[i] = n.ID
	}
	return fmt.Sprint(ids)
}
