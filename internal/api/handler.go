package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vendorflow/vendorflow/internal/platform/appctx"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"
	"github.com/vendorflow/vendorflow/internal/sharing"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the sharing API. Every handler acts as the user the auth
// gate stored in the request context.
type Handler struct {
	engine       *sharing.Engine
	shareLink    func(token string) string
	logger       *slog.Logger
	logSensitive bool
}

// NewHandler creates the API handler. shareLink turns a share token into
// the public link returned to clients.
func NewHandler(engine *sharing.Engine, shareLink func(string) string, logger *slog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		shareLink: shareLink,
		logger:    logutil.NoopIfNil(logger),
	}
}

// LogSensitive allows share tokens in log lines.
func (h *Handler) LogSensitive(allow bool) { h.logSensitive = allow }

// log returns the request-scoped logger when the middleware attached one.
func (h *Handler) log(r *http.Request) *slog.Logger {
	if l, ok := appctx.LoggerFromContext(r.Context()); ok {
		return l
	}
	return h.logger
}

// tokenAttr renders a share token for logging.
func (h *Handler) tokenAttr(token string) slog.Attr {
	if h.logSensitive {
		return slog.String("share_token", token)
	}
	return slog.String("share_token", "[REDACTED]")
}

// currentUser returns the authenticated user or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := appctx.UserID(r.Context())
	if userID == "" {
		WriteUnauthorized(w, ReasonUnauthenticated, "authentication required")
		return "", false
	}
	return userID, true
}

// decodeJSON decodes a bounded request body into v, rejecting unknown
// fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("unexpected data after the JSON body")
	}
	if err != nil {
		WriteBadRequest(w, ReasonBadRequest, fmt.Sprintf("failed to parse request: %v", err))
		return false
	}
	return true
}
