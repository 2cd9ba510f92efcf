// Package api implements the JSON handlers in front of the sharing engine.
// Handlers stay thin: decode, call the engine as the authenticated user,
// encode. Engine errors become the standard error envelope.
package api

import (
	"net/http"
)

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthHandler handles GET /healthz requests.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
