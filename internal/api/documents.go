package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// RegisterDocumentRequest is the body of POST /api/documents. The caller
// becomes the owner.
type RegisterDocumentRequest struct {
	ID           string               `json:"id,omitempty"`
	DocumentType sharing.DocumentType `json:"documentType"`
	Name         string               `json:"name,omitempty"`
}

// ChainHistoryResponse is the body of GET /api/documents/{documentId}/chain.
type ChainHistoryResponse struct {
	ChainHistory      []*sharing.Edge       `json:"chainHistory"`
	Provenance        *sharing.Provenance   `json:"provenance"`
	VisualizationData sharing.Visualization `json:"visualizationData"`
}

// HandleRegisterDocument handles POST /api/documents.
func (h *Handler) HandleRegisterDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req RegisterDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DocumentType == "" {
		WriteBadRequest(w, ReasonMissingField, "documentType is required")
		return
	}

	doc, err := h.engine.RegisterDocument(r.Context(), sharing.Document{
		ID:          req.ID,
		Type:        req.DocumentType,
		OwnerUserID: userID,
		Name:        req.Name,
	})
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	h.log(r).Info("document registered", "document_id", doc.ID, "document_type", doc.Type)
	WriteJSON(w, http.StatusCreated, doc)
}

// HandleGetDocument handles GET /api/documents/{documentId}. Only the owner
// sees the record; recipients reach documents through their share token.
func (h *Handler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	doc, err := h.engine.GetDocument(r.Context(), chi.URLParam(r, "documentId"))
	if err == nil && doc.OwnerUserID != userID {
		err = sharing.ErrNotFound
	}
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

// HandleChainHistory handles GET /api/documents/{documentId}/chain.
// Share tokens are blanked on edges the viewer did not receive.
func (h *Handler) HandleChainHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	history, err := h.engine.GetChainHistory(r.Context(), chi.URLParam(r, "documentId"), userID)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}

	edges := make([]*sharing.Edge, len(history.Edges))
	for i, e := range history.Edges {
		c := *e
		if c.ToUserID != userID {
			c.ShareToken = ""
		}
		edges[i] = &c
	}
	WriteJSON(w, http.StatusOK, ChainHistoryResponse{
		ChainHistory:      edges,
		Provenance:        history.Provenance,
		VisualizationData: history.Visualization,
	})
}
