package sharing_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

func TestGrantValidation(t *testing.T) {
	f := newFixture(t, sharing.Options{})
	reg := f.engine.Registry()

	tests := []struct {
		name string
		req  sharing.GrantRequest
	}{
		{"self grant", sharing.GrantRequest{GranterUserID: "alice", GranteeUserID: "alice", DocumentTypes: []sharing.DocumentType{"w9"}, MaxChainDepth: -1}},
		{"no types", sharing.GrantRequest{GranterUserID: "alice", GranteeUserID: "bob", MaxChainDepth: -1}},
		{"unknown type", sharing.GrantRequest{GranterUserID: "alice", GranteeUserID: "bob", DocumentTypes: []sharing.DocumentType{"payroll"}, MaxChainDepth: -1}},
		{"zero depth", sharing.GrantRequest{GranterUserID: "alice", GranteeUserID: "bob", DocumentTypes: []sharing.DocumentType{"w9"}, MaxChainDepth: 0}},
		{"missing grantee", sharing.GrantRequest{GranterUserID: "alice", DocumentTypes: []sharing.DocumentType{"w9"}, MaxChainDepth: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Grant(f.ctx, tt.req); !errors.Is(err, sharing.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestGrantNormalizesDocumentTypes(t *testing.T) {
	f := newFixture(t, sharing.Options{})
	p := f.grant(sharing.GrantRequest{
		GranterUserID: "alice", GranteeUserID: "bob", MaxChainDepth: 3,
		DocumentTypes: []sharing.DocumentType{"w9", "banking", "w9"},
	})
	if !slices.Equal(p.DocumentTypes, []sharing.DocumentType{"banking", "w9"}) {
		t.Errorf("unexpected types %v", p.DocumentTypes)
	}
}

func TestIsAuthorized(t *testing.T) {
	f := newFixture(t, sharing.Options{})
	reg := f.engine.Registry()
	p := f.grant(sharing.GrantRequest{
		GranterUserID: "alice", GranteeUserID: "bob", MaxChainDepth: -1,
		DocumentTypes: []sharing.DocumentType{sharing.DocumentTypeInsurance},
	})

	tests := []struct {
		granter, grantee string
		typ              sharing.DocumentType
		want             bool
	}{
		{"alice", "bob", sharing.DocumentTypeInsurance, true},
		{"alice", "bob", sharing.DocumentTypeW9, false},
		{"bob", "alice", sharing.DocumentTypeInsurance, false},
	}
	for _, tt := range tests {
		got, err := reg.IsAuthorized(f.ctx, tt.granter, tt.grantee, tt.typ)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("IsAuthorized(%s, %s, %s) = %v, want %v", tt.granter, tt.grantee, tt.typ, got, tt.want)
		}
	}

	if _, err := reg.Revoke(f.ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := reg.IsAuthorized(f.ctx, "alice", "bob", sharing.DocumentTypeInsurance); ok {
		t.Error("a revoked grant must not authorize")
	}
}

func TestUpdatePermission(t *testing.T) {
	f := newFixture(t, sharing.Options{})
	reg := f.engine.Registry()
	p := f.grant(sharing.GrantRequest{GranterUserID: "alice", GranteeUserID: "bob", MaxChainDepth: 2})

	scope := sharing.GrantRequest{DocumentTypes: []sharing.DocumentType{"license"}, CanRelay: true, CanViewHistory: true, MaxChainDepth: 4}
	if _, err := reg.Update(f.ctx, p.ID, "bob", scope); !errors.Is(err, sharing.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied for the grantee, got %v", err)
	}

	updated, err := reg.Update(f.ctx, p.ID, "alice", scope)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.CanRelay || !updated.CanViewHistory || updated.MaxChainDepth != 4 || !updated.UpdatedAt.After(p.UpdatedAt) {
		t.Errorf("unexpected update %+v", updated)
	}

	if _, err := reg.Revoke(f.ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Update(f.ctx, p.ID, "alice", scope); !errors.Is(err, sharing.ErrConflict) {
		t.Errorf("expected ErrConflict updating a revoked grant, got %v", err)
	}
	again, err := reg.Revoke(f.ctx, p.ID)
	if err != nil || again.Status != sharing.PermissionRevoked {
		t.Errorf("revoking twice should be a no-op, got %+v, %v", again, err)
	}
	if _, err := reg.Revoke(f.ctx, "missing"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNotifierMarkRead(t *testing.T) {
	f, _, _, _ := threeHop(t, sharing.Options{})
	n := f.engine.Notifier()

	list, unread, err := n.ListFor(f.ctx, "bob", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || unread != 1 {
		t.Fatalf("expected one unread entry, got %d (%d unread)", len(list), unread)
	}
	id := list[0].ID

	if err := n.MarkRead(f.ctx, id, "carol"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user's entry, got %v", err)
	}
	if err := n.MarkRead(f.ctx, id, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := n.MarkRead(f.ctx, id, "bob"); err != nil {
		t.Errorf("marking twice should be a no-op, got %v", err)
	}

	list, unread, err = n.ListFor(f.ctx, "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 || unread != 0 {
		t.Errorf("expected an empty unread inbox, got %d (%d unread)", len(list), unread)
	}
}
