package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/cache/memory"
	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
	"github.com/vendorflow/vendorflow/internal/platform/metrics"
	"github.com/vendorflow/vendorflow/internal/sharing"
	storemem "github.com/vendorflow/vendorflow/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type trackingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c *trackingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *auth.Tokens) {
	t.Helper()
	cfg := config.DevConfig()
	cfg.Auth.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	engine := sharing.NewEngine(storemem.New(), sharing.Options{})
	counter := memory.New(time.Minute, 0)
	t.Cleanup(func() { counter.Close() })

	s, err := New(cfg, nil, Deps{
		API:     api.NewHandler(engine, cfg.ShareLink, nil),
		Tokens:  tokens,
		Metrics: metrics.New(),
		Counter: counter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, tokens
}

func bearer(t *testing.T, tokens *auth.Tokens, user string) string {
	t.Helper()
	raw, err := tokens.Mint(user, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return "Bearer " + raw
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(config.DevConfig(), nil, Deps{}); !errors.Is(err, ErrMissingDeps) {
		t.Fatalf("expected ErrMissingDeps, got %v", err)
	}
}

func TestNewFailsWhenRateLimitHasNoCounter(t *testing.T) {
	cfg := config.DevConfig()
	tokens, _ := auth.NewTokens(testSecret, "")
	engine := sharing.NewEngine(storemem.New(), sharing.Options{})
	_, err := New(cfg, nil, Deps{API: api.NewHandler(engine, cfg.ShareLink, nil), Tokens: tokens})
	if err == nil || !strings.Contains(err.Error(), "ratelimit") {
		t.Fatalf("expected a ratelimit build error, got %v", err)
	}
}

func TestIsAuthRequired(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/healthz", false},
		{http.MethodGet, "/metrics", false},
		{http.MethodGet, "/api/shared/abc123", false},
		{http.MethodPost, "/api/shared/abc123", true},
		{http.MethodPost, "/api/shared/abc123/accept", true},
		{http.MethodGet, "/api/shared/abc123/accept", true},
		{http.MethodGet, "/api/shared/", true},
		{http.MethodGet, "/api/documents/d1", true},
		{http.MethodGet, "/apix", true},
		{http.MethodGet, "/healthzz", true},
		{http.MethodGet, "/unknown", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		if got := IsAuthRequired(r); got != tt.want {
			t.Errorf("IsAuthRequired(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestRoutesAreGated(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("anonymous notifications = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.Header.Set("Authorization", bearer(t, tokens, "alice"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated notifications = %d, body %s", rr.Code, rr.Body.String())
	}

	// Anonymous token redemption reaches the handler (404 for an unknown token).
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/shared/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("shared = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "vendorflow_http_request_duration_seconds") {
		t.Errorf("metrics = %d", rr.Code)
	}
}

func TestSharedRouteIsRateLimited(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.HTTP.Interceptors["ratelimit"] = map[string]any{"requests_per_window": 2, "window_seconds": 60}
	})
	h := s.Handler()

	var last int
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/shared/nope", nil))
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}

	// Other routes are not limited.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
}

func TestShutdownClosesInReverseOrder(t *testing.T) {
	s, _ := newTestServer(t, nil)
	var order []string
	s.OnShutdown("store", &trackingCloser{name: "store", order: &order})
	s.OnShutdown("cache", &trackingCloser{name: "cache", order: &order, err: errors.New("boom")})

	err := s.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected the close error to surface, got %v", err)
	}
	if strings.Join(order, ",") != "cache,store" {
		t.Errorf("close order = %v", order)
	}
}
