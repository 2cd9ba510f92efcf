package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/appctx"
	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store/memory"
)

// testUser stands in for the bearer auth gate.
func testUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-Test-User"); u != "" {
			r = r.WithContext(appctx.WithUserID(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

type testAPI struct {
	t      *testing.T
	router chi.Router
}

func newTestAPI(t *testing.T, opts sharing.Options) *testAPI {
	t.Helper()
	engine := sharing.NewEngine(memory.New(), opts)
	h := api.NewHandler(engine, func(token string) string { return "https://vendors.example.com/s/" + token }, nil)

	r := chi.NewRouter()
	r.Use(testUser)
	r.Get("/healthz", api.HealthHandler)
	r.Post("/api/documents", h.HandleRegisterDocument)
	r.Get("/api/documents/{documentId}", h.HandleGetDocument)
	r.Get("/api/documents/{documentId}/chain", h.HandleChainHistory)
	r.Post("/api/shares", h.HandleCreateShare)
	r.Post("/api/shares/relay", h.HandleRelayShare)
	r.Get("/api/shared/{token}", h.HandleAccessShared)
	r.Post("/api/shared/{token}/accept", h.HandleAcceptShare)
	r.Post("/api/shared/{token}/reject", h.HandleRejectShare)
	r.Post("/api/chains/{chainId}/revoke", h.HandleRevokeChain)
	r.Get("/api/permissions", h.HandleListPermissions)
	r.Post("/api/permissions", h.HandleGrantPermission)
	r.Put("/api/permissions/{permissionId}", h.HandleUpdatePermission)
	r.Delete("/api/permissions/{permissionId}", h.HandleRevokePermission)
	r.Get("/api/notifications", h.HandleListNotifications)
	r.Post("/api/notifications/{notificationId}/read", h.HandleMarkNotificationRead)
	return &testAPI{t: t, router: r}
}

// do sends body as JSON as user and decodes the response into out when
// out is non-nil.
func (a *testAPI) do(method, path, user string, body any, out any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		if err := json.NewDecoder(rr.Body).Decode(out); err != nil {
			a.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return rr
}

func (a *testAPI) expect(rr *httptest.ResponseRecorder, status int, reason string) {
	a.t.Helper()
	if rr.Code != status {
		a.t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	if reason == "" {
		return
	}
	var env api.ErrorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		a.t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.ReasonCode != reason {
		a.t.Errorf("reason = %q, want %q", env.Error.ReasonCode, reason)
	}
	if env.Error.Code != http.StatusText(status) {
		a.t.Errorf("code = %q, want %q", env.Error.Code, http.StatusText(status))
	}
}

func (a *testAPI) registerDoc(owner string) sharing.Document {
	a.t.Helper()
	var doc sharing.Document
	rr := a.do(http.MethodPost, "/api/documents", owner,
		api.RegisterDocumentRequest{DocumentType: sharing.DocumentTypeW9, Name: "w9.pdf"}, &doc)
	a.expect(rr, http.StatusCreated, "")
	return doc
}

func (a *testAPI) grant(granter, grantee string, maxDepth int) sharing.Permission {
	a.t.Helper()
	var p sharing.Permission
	rr := a.do(http.MethodPost, "/api/permissions", granter, sharing.GrantRequest{
		GranteeUserID: grantee,
		DocumentTypes: []sharing.DocumentType{sharing.DocumentTypeAll},
		CanRelay:      true,
		MaxChainDepth: maxDepth,
	}, &p)
	a.expect(rr, http.StatusCreated, "")
	return p
}

var allPerms = sharing.EdgePermissions{CanRelay: true, CanView: true, CanDownload: true}

func TestShareRelayAccessFlow(t *testing.T) {
	a := newTestAPI(t, sharing.Options{RequireGrant: true})
	doc := a.registerDoc("alice")
	if doc.OwnerUserID != "alice" {
		t.Fatalf("owner = %q", doc.OwnerUserID)
	}
	a.grant("alice", "bob", 2)

	var root api.ShareResponse
	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
		DocumentID: doc.ID, ToUserID: "bob", Permissions: allPerms, ShareReason: "onboarding",
	}, &root), http.StatusCreated, "")
	if root.Chain.Depth != 1 || root.Chain.ParentChainID != nil {
		t.Errorf("root edge = %+v", root.Chain)
	}
	if root.ShareLink != "https://vendors.example.com/s/"+root.Chain.ShareToken {
		t.Errorf("shareLink = %q", root.ShareLink)
	}

	var relay api.ShareResponse
	a.expect(a.do(http.MethodPost, "/api/shares/relay", "bob", api.RelayShareRequest{
		ParentToken: root.Chain.ShareToken, ToUserID: "carol", Permissions: allPerms,
	}, &relay), http.StatusCreated, "")
	if got := strings.Join(relay.ChainPath, ","); got != "alice,bob,carol" {
		t.Errorf("chainPath = %s", got)
	}

	// Depth cap 2 is reached.
	a.expect(a.do(http.MethodPost, "/api/shares/relay", "carol", api.RelayShareRequest{
		ParentToken: relay.Chain.ShareToken, ToUserID: "dave", Permissions: allPerms,
	}, nil), http.StatusUnprocessableEntity, api.ReasonDepthExceeded)

	// Anonymous access by token.
	var access api.SharedDocumentResponse
	a.expect(a.do(http.MethodGet, "/api/shared/"+relay.Chain.ShareToken, "", nil, &access), http.StatusOK, "")
	if access.ChainDepth != 2 || access.Document.ID != doc.ID {
		t.Errorf("access = %+v", access)
	}

	var history api.ChainHistoryResponse
	a.expect(a.do(http.MethodGet, "/api/documents/"+doc.ID+"/chain", "alice", nil, &history), http.StatusOK, "")
	if len(history.ChainHistory) != 2 || history.Provenance.TotalShares != 2 {
		t.Errorf("history = %+v", history)
	}
	for _, e := range history.ChainHistory {
		if e.ShareToken != "" {
			t.Errorf("edge %s leaked a token to the owner", e.ID)
		}
	}
	if len(history.VisualizationData.Nodes) != 3 {
		t.Errorf("nodes = %d, want 3", len(history.VisualizationData.Nodes))
	}

	// Revoking the root cuts off carol too.
	var revoked api.RevokeResponse
	a.expect(a.do(http.MethodPost, "/api/chains/"+root.Chain.ID+"/revoke", "alice", nil, &revoked), http.StatusOK, "")
	if len(revoked.RevokedIDs) != 2 {
		t.Errorf("revoked = %v", revoked.RevokedIDs)
	}
	if c := revoked.RevokedChain; c == nil || c.ID != root.Chain.ID || c.Status != sharing.EdgeRevoked || c.ShareToken != "" {
		t.Errorf("unexpected revokedChain %+v", c)
	}
	a.expect(a.do(http.MethodGet, "/api/shared/"+relay.Chain.ShareToken, "", nil, nil), http.StatusGone, api.ReasonShareExpired)
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t, sharing.Options{RequireGrant: true})
	doc := a.registerDoc("alice")

	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
		DocumentID: doc.ID, ToUserID: "bob", Permissions: allPerms,
	}, nil), http.StatusForbidden, api.ReasonPermissionDenied)

	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
		DocumentID: doc.ID, ToUserID: "alice", Permissions: allPerms,
	}, nil), http.StatusBadRequest, api.ReasonInvalidField)

	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
		DocumentID: "missing", ToUserID: "bob", Permissions: allPerms,
	}, nil), http.StatusNotFound, api.ReasonNotFound)

	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{ToUserID: "bob"}, nil),
		http.StatusBadRequest, api.ReasonMissingField)

	a.expect(a.do(http.MethodPost, "/api/shares", "alice", `{"documentId": "x", "bogus": 1}`, nil),
		http.StatusBadRequest, api.ReasonBadRequest)

	a.expect(a.do(http.MethodGet, "/api/shared/unknown-token", "", nil, nil), http.StatusNotFound, api.ReasonNotFound)

	a.expect(a.do(http.MethodPost, "/api/shares", "", api.CreateShareRequest{}, nil),
		http.StatusUnauthorized, api.ReasonUnauthenticated)
}

func TestGetDocumentIsOwnerOnly(t *testing.T) {
	a := newTestAPI(t, sharing.Options{})
	doc := a.registerDoc("alice")

	var got sharing.Document
	a.expect(a.do(http.MethodGet, "/api/documents/"+doc.ID, "alice", nil, &got), http.StatusOK, "")
	if got.Name != "w9.pdf" {
		t.Errorf("name = %q", got.Name)
	}
	a.expect(a.do(http.MethodGet, "/api/documents/"+doc.ID, "mallory", nil, nil), http.StatusNotFound, api.ReasonNotFound)
}

func TestPermissionEndpoints(t *testing.T) {
	a := newTestAPI(t, sharing.Options{})

	a.expect(a.do(http.MethodPost, "/api/permissions", "alice", sharing.GrantRequest{
		GranterUserID: "bob", GranteeUserID: "carol", DocumentTypes: []sharing.DocumentType{sharing.DocumentTypeW9},
	}, nil), http.StatusForbidden, api.ReasonPermissionDenied)

	p := a.grant("alice", "bob", 3)
	if p.GranterUserID != "alice" || p.Status != sharing.PermissionActive {
		t.Fatalf("grant = %+v", p)
	}

	var listed api.PermissionsResponse
	a.expect(a.do(http.MethodGet, "/api/permissions", "bob", nil, &listed), http.StatusOK, "")
	if len(listed.Permissions) != 1 {
		t.Fatalf("bob sees %d permissions", len(listed.Permissions))
	}

	update := sharing.GrantRequest{DocumentTypes: []sharing.DocumentType{sharing.DocumentTypeBanking}, MaxChainDepth: 1}
	a.expect(a.do(http.MethodPut, "/api/permissions/"+p.ID, "bob", update, nil), http.StatusForbidden, api.ReasonPermissionDenied)

	var updated sharing.Permission
	a.expect(a.do(http.MethodPut, "/api/permissions/"+p.ID, "alice", update, &updated), http.StatusOK, "")
	if updated.MaxChainDepth != 1 || updated.CanRelay {
		t.Errorf("updated = %+v", updated)
	}

	a.expect(a.do(http.MethodDelete, "/api/permissions/"+p.ID, "mallory", nil, nil), http.StatusNotFound, api.ReasonNotFound)

	var revoked sharing.Permission
	a.expect(a.do(http.MethodDelete, "/api/permissions/"+p.ID, "bob", nil, &revoked), http.StatusOK, "")
	if revoked.Status != sharing.PermissionRevoked {
		t.Errorf("status = %q", revoked.Status)
	}

	a.expect(a.do(http.MethodPut, "/api/permissions/"+p.ID, "alice", update, nil), http.StatusConflict, api.ReasonConflict)
}

func TestNotificationEndpoints(t *testing.T) {
	a := newTestAPI(t, sharing.Options{})
	doc := a.registerDoc("alice")

	var root api.ShareResponse
	a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
		DocumentID: doc.ID, ToUserID: "bob", Permissions: allPerms,
	}, &root), http.StatusCreated, "")

	var inbox api.NotificationsResponse
	a.expect(a.do(http.MethodGet, "/api/notifications?unreadOnly=true", "bob", nil, &inbox), http.StatusOK, "")
	if inbox.UnreadCount != 1 || len(inbox.Notifications) != 1 {
		t.Fatalf("inbox = %+v", inbox)
	}
	n := inbox.Notifications[0]
	if n.NotificationType != sharing.NotificationShareRequest {
		t.Errorf("type = %q", n.NotificationType)
	}

	a.expect(a.do(http.MethodPost, "/api/notifications/"+n.ID+"/read", "alice", nil, nil), http.StatusNotFound, api.ReasonNotFound)

	var ok map[string]bool
	a.expect(a.do(http.MethodPost, "/api/notifications/"+n.ID+"/read", "bob", nil, &ok), http.StatusOK, "")
	if !ok["success"] {
		t.Error("expected success")
	}

	a.expect(a.do(http.MethodGet, "/api/notifications?unreadOnly=true", "bob", nil, &inbox), http.StatusOK, "")
	if inbox.UnreadCount != 0 || len(inbox.Notifications) != 0 {
		t.Errorf("after read = %+v", inbox)
	}

	a.expect(a.do(http.MethodGet, "/api/notifications?unreadOnly=maybe", "bob", nil, nil), http.StatusBadRequest, api.ReasonInvalidField)
}

func TestAcceptAndReject(t *testing.T) {
	a := newTestAPI(t, sharing.Options{})
	doc := a.registerDoc("alice")

	share := func(to string) api.ShareResponse {
		var res api.ShareResponse
		a.expect(a.do(http.MethodPost, "/api/shares", "alice", api.CreateShareRequest{
			DocumentID: doc.ID, ToUserID: to, Permissions: allPerms,
		}, &res), http.StatusCreated, "")
		return res
	}

	toBob := share("bob")
	a.expect(a.do(http.MethodPost, "/api/shared/"+toBob.Chain.ShareToken+"/accept", "carol", nil, nil),
		http.StatusForbidden, api.ReasonPermissionDenied)
	a.expect(a.do(http.MethodPost, "/api/shared/"+toBob.Chain.ShareToken+"/accept", "bob", nil, nil), http.StatusOK, "")

	toCarol := share("carol")
	var rejected api.RejectResponse
	a.expect(a.do(http.MethodPost, "/api/shared/"+toCarol.Chain.ShareToken+"/reject", "carol", nil, &rejected), http.StatusOK, "")
	if !rejected.Success || len(rejected.RevokedIDs) != 1 {
		t.Errorf("reject = %+v", rejected)
	}
	a.expect(a.do(http.MethodGet, "/api/shared/"+toCarol.Chain.ShareToken, "", nil, nil), http.StatusGone, api.ReasonShareExpired)

	var inbox api.NotificationsResponse
	a.expect(a.do(http.MethodGet, "/api/notifications", "alice", nil, &inbox), http.StatusOK, "")
	var types []string
	for _, n := range inbox.Notifications {
		types = append(types, string(n.NotificationType))
	}
	if got := strings.Join(types, ","); got != "share_rejected,share_accepted" {
		t.Errorf("alice inbox = %s", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{sharing.ErrValidation, http.StatusBadRequest},
		{sharing.ErrNotFound, http.StatusNotFound},
		{sharing.ErrPermissionDenied, http.StatusForbidden},
		{sharing.ErrDepthExceeded, http.StatusUnprocessableEntity},
		{sharing.ErrExpired, http.StatusGone},
		{sharing.ErrConflict, http.StatusConflict},
		{http.ErrHandlerTimeout, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := api.Classify(tt.err); got != tt.status {
			t.Errorf("Classify(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rr := httptest.NewRecorder()
	api.WriteSharingError(rr, nil, http.ErrHandlerTimeout)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), http.ErrHandlerTimeout.Error()) {
		t.Error("internal error text leaked to the client")
	}
}
