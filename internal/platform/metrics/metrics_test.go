package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

func TestObserverCounters(t *testing.T) {
	m := New()
	m.ShareCreated(sharing.ShareKindRoot)
	m.ShareCreated(sharing.ShareKindRelay)
	m.ShareCreated(sharing.ShareKindRelay)
	m.ShareDenied(sharing.DenialDepthExceeded)
	m.EdgesRevoked(3)
	m.NotificationEmitted(sharing.NotificationShareRequest)

	if got := testutil.ToFloat64(m.shares.WithLabelValues("relay")); got != 2 {
		t.Errorf("relay shares = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.denials.WithLabelValues("depth_exceeded")); got != 1 {
		t.Errorf("depth denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.revoked); got != 3 {
		t.Errorf("revoked = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("share_request")); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/shared/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/shared/secret-token-value", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if n := testutil.CollectAndCount(m.httpDuration); n != 1 {
		t.Fatalf("expected one series, got %d", n)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	if !strings.Contains(out, `route="/api/shared/{token}"`) || !strings.Contains(out, `status="410"`) {
		t.Errorf("expected the route pattern and status in the exposition:\n%s", out)
	}
	if strings.Contains(out, "secret-token-value") {
		t.Error("the raw path leaked into a label")
	}
	if !strings.Contains(out, "go_goroutines") {
		t.Error("expected runtime collectors")
	}
}
