// Package httpapi implements the thin /api/v1 HTTP surface (spec.md §6):
// bearer-token admission, per-IP rate limiting, panic recovery, and
// structured request logging, grounded on
// infrastructure/middleware/{serviceauth,ratelimit,recovery,logging}.go —
// reworked self-contained (the teacher's versions reference an
// inconsistent embedded import path across files) and simplified from
// RSA-signed service JWTs down to the single shared bearer token spec.md
// §6 actually calls for.
package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// BearerAuth rejects any request missing "Authorization: Bearer <token>"
// with a matching token, except for the paths in skip.
func BearerAuth(token string, skip map[string]bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			const prefix = "Bearer "
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, prefix) || strings.TrimPrefix(h, prefix) != token {
				writeError(w, r, apierrors.New(apierrors.CodeValidation, "missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a per-client-IP token-bucket limiter, grounded on
// infrastructure/middleware/ratelimit.go's keyed-limiter pattern.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	log      *logging.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerWindow requests per
// window, per client IP (spec.md §6: "429 on exceeding 100 requests per
// 60s per client IP").
func NewRateLimiter(requestsPerWindow int, window time.Duration, log *logging.Logger) *RateLimiter {
	perSecond := float64(requestsPerWindow) / window.Seconds()
	return &RateLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(perSecond),
		burst:    requestsPerWindow,
		log:      log,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler bypasses /health and /metrics (spec.md §6) and 429s everything else
// once a client IP exceeds its budget.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := clientIP(r)
		if !rl.get(key).Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code: "RATE_LIMITED", Message: "rate limit exceeded",
				Details: map[string]any{"retry_after": "60s"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}

// Recovery converts a panic in any downstream handler into a 500 response
// instead of crashing the process, grounded on
// infrastructure/middleware/recovery.go.
func Recovery(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]interface{}{
						"panic": rec, "path": r.URL.Path, "method": r.Method,
					}).Error("panic recovered in http handler")
					writeError(w, r, apierrors.New(apierrors.CodeConfiguration, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogging logs method/path/status/duration per request and records
// the request metric, grounded on infrastructure/middleware/logging.go.
func RequestLogging(log *logging.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			d := time.Since(start)
			log.WithFields(map[string]interface{}{
				"method": r.Method, "path": r.URL.Path, "status": rec.status, "duration_ms": d.Milliseconds(),
			}).Info("http request")
			if m != nil {
				m.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(rec.status), d)
			}
		})
	}
}
