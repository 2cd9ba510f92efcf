package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
	"github.com/vendorflow/vendorflow/internal/platform/http/interceptors"
	"github.com/vendorflow/vendorflow/internal/platform/http/interceptors/ratelimit"
	httpmw "github.com/vendorflow/vendorflow/internal/platform/http/middleware"
)

// RouteGroup defines an endpoint group with its auth requirements.
type RouteGroup struct {
	Name         string
	PathPrefix   string
	RequiresAuth bool
}

// routeGroups defines all endpoint groups and their auth requirements.
// This table is the single source of truth for gating decisions.
var routeGroups = []RouteGroup{
	{Name: "health", PathPrefix: "/healthz", RequiresAuth: false},
	{Name: "metrics", PathPrefix: "/metrics", RequiresAuth: false},
	{Name: "api", PathPrefix: "/api", RequiresAuth: true},
}

// sharedPrefix is where share tokens are redeemed.
const sharedPrefix = "/api/shared/"

// GetRouteGroups returns the route group definitions for testing.
func GetRouteGroups() []RouteGroup {
	return routeGroups
}

// IsAuthRequired reports whether r needs a bearer token. The one exception
// inside /api is GET /api/shared/{token}, where the token itself is the
// credential. Accepting or rejecting a share still needs a login.
func IsAuthRequired(r *http.Request) bool {
	path := r.URL.Path
	if r.Method == http.MethodGet && strings.HasPrefix(path, sharedPrefix) {
		rest := strings.TrimPrefix(path, sharedPrefix)
		if rest != "" && !strings.Contains(rest, "/") {
			return false
		}
	}

	for _, rg := range routeGroups {
		if pathMatchesPrefix(path, rg.PathPrefix) {
			return rg.RequiresAuth
		}
	}

	// Default: require auth for unknown paths
	return true
}

// pathMatchesPrefix checks if path equals or is a subpath of prefix.
func pathMatchesPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix) && path[len(prefix)] == '/'
}

// setupRoutes creates the chi router with all route groups mounted.
func (s *Server) setupRoutes() (chi.Router, error) {
	r := chi.NewRouter()

	// Always-on transport middleware (order is invariant):
	// RequestID -> request-scoped logger -> access log -> recoverer -> metrics -> auth gate
	r.Use(chimw.RequestID)
	r.Use(httpmw.RequestLoggerMiddleware(s.logger))
	r.Use(httpmw.AccessLogMiddleware(s.logger))
	r.Use(chimw.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}
	r.Use(auth.NewAuthGate(auth.AuthGateConfig{
		RequireAuth: IsAuthRequired,
		Log:         s.logger,
		Tokens:      s.deps.Tokens,
	}))

	limit, err := s.sharedLimiter()
	if err != nil {
		return nil, err
	}

	r.Get("/healthz", api.HealthHandler)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	h := s.deps.API
	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", h.HandleRegisterDocument)
		r.Get("/documents/{documentId}", h.HandleGetDocument)
		r.Get("/documents/{documentId}/chain", h.HandleChainHistory)

		r.Post("/shares", h.HandleCreateShare)
		r.Post("/shares/relay", h.HandleRelayShare)

		r.With(limit).Get("/shared/{token}", h.HandleAccessShared)
		r.Post("/shared/{token}/accept", h.HandleAcceptShare)
		r.Post("/shared/{token}/reject", h.HandleRejectShare)

		r.Post("/chains/{chainId}/revoke", h.HandleRevokeChain)

		r.Get("/permissions", h.HandleListPermissions)
		r.Post("/permissions", h.HandleGrantPermission)
		r.Put("/permissions/{permissionId}", h.HandleUpdatePermission)
		r.Delete("/permissions/{permissionId}", h.HandleRevokePermission)

		r.Get("/notifications", h.HandleListNotifications)
		r.Post("/notifications/{notificationId}/read", h.HandleMarkNotificationRead)
	})

	return r, nil
}

// sharedLimiter builds the rate limit for anonymous token redemption from
// [http.interceptors.ratelimit]. Without that section the route is not
// limited.
func (s *Server) sharedLimiter() (func(http.Handler) http.Handler, error) {
	conf := s.cfg.Interceptor(ratelimit.Name)
	if conf == nil {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	mw, err := interceptors.Build(ratelimit.Name, conf, interceptors.Deps{
		Counter:  s.deps.Counter,
		ClientIP: httpmw.ClientIP,
		Log:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s interceptor: %w", ratelimit.Name, err)
	}
	return mw, nil
}
