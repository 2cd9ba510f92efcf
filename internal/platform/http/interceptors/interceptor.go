// Package interceptors provides optional HTTP middleware built by name from
// [http.interceptors.<name>] config sections.
package interceptors

import (
	"log/slog"
	"net/http"

	"github.com/vendorflow/vendorflow/internal/platform/cache"
)

// Middleware is an HTTP middleware function.
type Middleware func(http.Handler) http.Handler

// Deps are the shared services an interceptor may use.
type Deps struct {
	Counter  cache.Counter
	ClientIP func(*http.Request) string
	Log      *slog.Logger
}

// NewInterceptor is the constructor function type for interceptors.
type NewInterceptor func(conf map[string]any, d Deps) (Middleware, error)
