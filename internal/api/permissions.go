package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// PermissionsResponse is the body of GET /api/permissions.
type PermissionsResponse struct {
	Permissions []*sharing.Permission `json:"permissions"`
}

// HandleListPermissions handles GET /api/permissions: every grant the caller
// gave or received.
func (h *Handler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	perms, err := h.engine.Registry().Find(r.Context(), userID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	if perms == nil {
		perms = []*sharing.Permission{}
	}
	WriteJSON(w, http.StatusOK, PermissionsResponse{Permissions: perms})
}

// HandleGrantPermission handles POST /api/permissions. The caller is the
// granter; a body naming someone else is refused.
func (h *Handler) HandleGrantPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req sharing.GrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.GranterUserID != "" && req.GranterUserID != userID {
		WriteSharingError(w, h.log(r), fmt.Errorf("%w: permissions can only be granted as yourself", sharing.ErrPermissionDenied))
		return
	}
	req.GranterUserID = userID

	p, err := h.engine.Registry().Grant(r.Context(), req)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// HandleUpdatePermission handles PUT /api/permissions/{permissionId}.
func (h *Handler) HandleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req sharing.GrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.engine.Registry().Update(r.Context(), chi.URLParam(r, "permissionId"), userID, req)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Info("permission updated", "permission_id", p.ID)
	WriteJSON(w, http.StatusOK, p)
}

// HandleRevokePermission handles DELETE /api/permissions/{permissionId}.
// Either side of the grant may revoke it; anyone else sees 404.
func (h *Handler) HandleRevokePermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	permissionID := chi.URLParam(r, "permissionId")
	existing, err := h.engine.Registry().Get(r.Context(), permissionID)
	if err == nil && existing.GranterUserID != userID && existing.GranteeUserID != userID {
		err = fmt.Errorf("%w: permission %s", sharing.ErrNotFound, permissionID)
	}
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}

	p, err := h.engine.Registry().Revoke(r.Context(), permissionID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Info("permission revoked", "permission_id", p.ID)
	WriteJSON(w, http.StatusOK, p)
}
