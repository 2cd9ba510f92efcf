// Package ratelimit provides a fixed-window rate limiting interceptor on
// top of the cache counter.
package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/appctx"
	"github.com/vendorflow/vendorflow/internal/platform/cache"
	"github.com/vendorflow/vendorflow/internal/platform/cfg"
	"github.com/vendorflow/vendorflow/internal/platform/http/interceptors"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"
)

// Name is the registry and config name of this interceptor.
const Name = "ratelimit"

func init() {
	interceptors.Register(Name, New)
}

// Config defines rate limiting parameters decoded from interceptor config.
type Config struct {
	RequestsPerWindow int64 `mapstructure:"requests_per_window"`
	WindowSeconds     int   `mapstructure:"window_seconds"`
}

// ApplyDefaults sets reasonable defaults for unconfigured fields.
func (c *Config) ApplyDefaults() {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = 60
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 60
	}
}

// Limiter counts requests per client IP in fixed windows.
type Limiter struct {
	cache   cache.Counter
	keyFunc func(*http.Request) string
	limit   int64
	window  time.Duration
	log     *slog.Logger
}

// New creates a ratelimit interceptor from its [http.interceptors.ratelimit]
// section.
func New(conf map[string]any, d interceptors.Deps) (interceptors.Middleware, error) {
	var c Config
	if err := cfg.Decode(conf, &c); err != nil {
		return nil, err
	}
	if c.RequestsPerWindow < 0 || c.WindowSeconds < 0 {
		return nil, errors.New("ratelimit: requests_per_window and window_seconds must not be negative")
	}
	if d.Counter == nil {
		return nil, errors.New("ratelimit: a cache counter is required")
	}
	keyFunc := d.ClientIP
	if keyFunc == nil {
		keyFunc = func(r *http.Request) string { return r.RemoteAddr }
	}

	limiter := &Limiter{
		cache:   d.Counter,
		keyFunc: keyFunc,
		limit:   c.RequestsPerWindow,
		window:  time.Duration(c.WindowSeconds) * time.Second,
		log:     logutil.NoopIfNil(d.Log),
	}
	return limiter.Wrap, nil
}

// Wrap is the middleware function that applies rate limiting.
func (l *Limiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyFunc(r)
		count, resetAt, err := l.cache.Increment(r.Context(), "ratelimit:"+key, 1, l.window)
		if err != nil {
			// Fail open.
			l.log.Warn("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > l.limit {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			appctx.GetLogger(r.Context()).Warn("rate limited", "count", count, "limit", l.limit)
			api.WriteTooManyRequests(w, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
