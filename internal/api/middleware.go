package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"savesync/internal/logging"
	"savesync/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID tags each request with an ID, reusing one set by a proxy.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logger wraps a handler with request logging and metrics.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordAPIRequest(r.Method, route, strconv.Itoa(wrapped.status), elapsed)

		// Status and metrics are polled constantly.
		if route == "/metrics" || (route == "/api/status" && wrapped.status == http.StatusOK) {
			return
		}

		logging.HTTP.Info().
			Str("request_id", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Str("ip", extractIP(r)).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // empty disables cross-origin access
}

// CORS adds CORS headers for the configured origins.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}
	allowAll := allowedSet["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			if len(allowedSet) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-Name, Save_file_name")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general API requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// UploadRequestsPerMinute is the rate limit for upload requests per IP
	UploadRequestsPerMinute float64
	// UploadBurstSize is the maximum burst for uploads
	UploadBurstSize int
}

// DefaultRateLimitConfig returns the defaults used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:       2,
		BurstSize:               10,
		UploadRequestsPerMinute: 10,
		UploadBurstSize:         3,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter manages per-IP rate limiters.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (rl *ipRateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (rl *ipRateLimiter) sweep(idle time.Duration, now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > idle {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

// RateLimiter applies per-IP token buckets, with a stricter bucket for
// uploads. It implements suture.Service to evict idle visitors.
type RateLimiter struct {
	general *ipRateLimiter
	upload  *ipRateLimiter
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		general: newIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
		upload:  newIPRateLimiter(cfg.UploadRequestsPerMinute/60, cfg.UploadBurstSize),
		now:     time.Now,
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return rl.Limit(nil)(next)
}

// Limit is Middleware with a hook called for every rejected upload before
// the 429 is written.
func (rl *RateLimiter) Limit(onUploadRejected func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			isUpload := r.Method == http.MethodPost && r.URL.Path == "/api/upload"
			limiter := rl.general
			if isUpload {
				limiter = rl.upload
			}

			if !limiter.allow(ip, rl.now()) {
				metrics.RateLimitedTotal.Inc()
				logging.HTTP.Warn().Str("ip", ip).Str("method", r.Method).Str("path", r.URL.Path).Msg("rate limit exceeded")
				if isUpload && onUploadRejected != nil {
					onUploadRejected(r)
				}
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Sweep drops visitors idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	now := rl.now()
	return rl.general.sweep(idle, now) + rl.upload.sweep(idle, now)
}

// Serve evicts idle visitors every few minutes until ctx is done.
func (rl *RateLimiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := rl.Sweep(30 * time.Minute); n > 0 {
				logging.HTTP.Debug().Int("count", n).Msg("evicted idle rate limit entries")
			}
		}
	}
}

func (rl *RateLimiter) String() string {
	return "rate-limiter"
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
