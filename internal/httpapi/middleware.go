package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/rickgao/tokenmarket/internal/metrics"
)

// HolderHeader carries the authenticated holder id.
const HolderHeader = "X-Holder-ID"

type holderKey struct{}

// holderID returns the caller set by requireHolder.
func holderID(ctx context.Context) string {
	id, _ := ctx.Value(holderKey{}).(string)
	return id
}

// requireHolder rejects requests without a holder identity.
func requireHolder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HolderHeader)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing " + HolderHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), holderKey{}, id)))
	})
}

// PaymentHeader carries the payment collaborator's shared secret.
const PaymentHeader = "X-Payment-Token"

// requirePaymentToken admits only callers presenting token.
func requirePaymentToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(PaymentHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "payment collaborator credentials required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit configures per-holder limiting.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per holder. Idle buckets are evicted.
type rateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	logger   *slog.Logger
	clockNow func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newRateLimiter(limit RateLimit, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		idle:     10 * time.Minute,
		logger:   logger,
		clockNow: time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *rateLimiter) allow(id string) bool {
	now := l.clockNow()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[id]
	if !ok {
		perSecond := l.limit.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := holderID(r.Context())
		if !l.allow(id) {
			l.logger.Debug("rate limited", "holder_id", id, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: http.StatusText(http.StatusTooManyRequests), Retryable: true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack supports websocket upgrades behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// observe records latency per route pattern.
func observe(m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(route, r.Method, rec.status, time.Since(start))
			logger.Debug("http request",
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
