package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// CreateShareRequest is the body of POST /api/shares.
type CreateShareRequest struct {
	DocumentID  string                  `json:"documentId"`
	ToUserID    string                  `json:"toUserId"`
	ShareReason string                  `json:"shareReason,omitempty"`
	Permissions sharing.EdgePermissions `json:"permissions"`
	ExpiresAt   *time.Time              `json:"expiresAt,omitempty"`
}

// RelayShareRequest is the body of POST /api/shares/relay.
type RelayShareRequest struct {
	ParentToken string                  `json:"parentToken"`
	ToUserID    string                  `json:"toUserId"`
	ShareReason string                  `json:"shareReason,omitempty"`
	Permissions sharing.EdgePermissions `json:"permissions"`
	ExpiresAt   *time.Time              `json:"expiresAt,omitempty"`
}

// ShareResponse is returned for root shares and relays.
type ShareResponse struct {
	Chain     *sharing.Edge `json:"chain"`
	ShareLink string        `json:"shareLink"`
	ChainPath []string      `json:"chainPath,omitempty"`
}

// SharedDocumentResponse is the body of GET /api/shared/{token}.
type SharedDocumentResponse struct {
	Document   *sharing.Document `json:"document"`
	Chain      *sharing.Edge     `json:"chain"`
	ChainPath  []string          `json:"chainPath"`
	ChainDepth int               `json:"chainDepth"`
}

// RevokeResponse is the body of POST /api/chains/{chainId}/revoke.
// RevokedChain is the edge as stored after the cascade.
type RevokeResponse struct {
	RevokedChain *sharing.Edge `json:"revokedChain"`
	RevokedIDs   []string      `json:"revokedIds"`
}

// RejectResponse is the body of POST /api/shared/{token}/reject.
type RejectResponse struct {
	Success    bool     `json:"success"`
	RevokedIDs []string `json:"revokedIds"`
}

// HandleCreateShare handles POST /api/shares.
func (h *Handler) HandleCreateShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateShareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DocumentID == "" {
		WriteBadRequest(w, ReasonMissingField, "documentId is required")
		return
	}
	if req.ToUserID == "" {
		WriteBadRequest(w, ReasonMissingField, "toUserId is required")
		return
	}

	res, err := h.engine.ShareDocument(r.Context(), sharing.ShareRequest{
		DocumentID:  req.DocumentID,
		FromUserID:  userID,
		ToUserID:    req.ToUserID,
		Permissions: req.Permissions,
		ShareReason: req.ShareReason,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Debug("share link issued", "chain_id", res.Edge.ID, h.tokenAttr(res.Edge.ShareToken))
	WriteJSON(w, http.StatusCreated, ShareResponse{
		Chain:     res.Edge,
		ShareLink: h.shareLink(res.Edge.ShareToken),
	})
}

// HandleRelayShare handles POST /api/shares/relay.
func (h *Handler) HandleRelayShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req RelayShareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParentToken == "" {
		WriteBadRequest(w, ReasonMissingField, "parentToken is required")
		return
	}
	if req.ToUserID == "" {
		WriteBadRequest(w, ReasonMissingField, "toUserId is required")
		return
	}

	res, err := h.engine.RelayDocument(r.Context(), sharing.RelayRequest{
		ParentToken: req.ParentToken,
		FromUserID:  userID,
		ToUserID:    req.ToUserID,
		Permissions: req.Permissions,
		ShareReason: req.ShareReason,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Debug("share link issued", "chain_id", res.Edge.ID, h.tokenAttr(res.Edge.ShareToken))
	WriteJSON(w, http.StatusCreated, ShareResponse{
		Chain:     res.Edge,
		ShareLink: h.shareLink(res.Edge.ShareToken),
		ChainPath: res.ChainPath,
	})
}

// HandleAccessShared handles GET /api/shared/{token}. It needs no login:
// the token is the capability.
func (h *Handler) HandleAccessShared(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	access, err := h.engine.AccessSharedDocument(r.Context(), token)
	if err != nil {
		h.log(r).Debug("shared access refused", h.tokenAttr(token), "error", err)
		WriteSharingError(w, h.log(r), err)
		return
	}
	WriteJSON(w, http.StatusOK, SharedDocumentResponse{
		Document:   access.Document,
		Chain:      access.Edge,
		ChainPath:  access.ChainPath,
		ChainDepth: access.ChainDepth,
	})
}

// HandleAcceptShare handles POST /api/shared/{token}/accept.
func (h *Handler) HandleAcceptShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	edge, err := h.engine.AcceptShare(r.Context(), chi.URLParam(r, "token"), userID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Info("share accepted", "document_id", edge.DocumentID, "chain_id", edge.ID)
	WriteJSON(w, http.StatusOK, map[string]any{"chain": edge})
}

// HandleRejectShare handles POST /api/shared/{token}/reject.
func (h *Handler) HandleRejectShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	revoked, err := h.engine.RejectShare(r.Context(), chi.URLParam(r, "token"), userID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Info("share rejected", "revoked", len(revoked))
	WriteJSON(w, http.StatusOK, RejectResponse{Success: true, RevokedIDs: nonNil(revoked)})
}

// HandleRevokeChain handles POST /api/chains/{chainId}/revoke.
func (h *Handler) HandleRevokeChain(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	chainID := chi.URLParam(r, "chainId")
	revoked, err := h.engine.RevokeChain(r.Context(), chainID, userID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	chain, err := h.engine.GetChain(r.Context(), chainID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	if chain.ToUserID != userID {
		chain.ShareToken = ""
	}
	WriteJSON(w, http.StatusOK, RevokeResponse{RevokedChain: chain, RevokedIDs: nonNil(revoked)})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
