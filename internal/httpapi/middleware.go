package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/parlakisik/campus-exchange/internal/ratelimit"
	"github.com/parlakisik/campus-exchange/internal/service"
)

type contextKey string

const requestInfoKey contextKey = "request_info"

// requestInfo is shared by the middleware chain. Auth runs inside the logging
// middleware, so it records the actor here instead of on a derived context.
type requestInfo struct {
	id    string
	actor service.Actor
	authd bool
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info
	}
	return nil
}

// RequestIDFrom returns the request id assigned by the RequestID middleware.
func RequestIDFrom(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// ActorFrom returns the authenticated caller.
func ActorFrom(ctx context.Context) (service.Actor, bool) {
	if info := requestInfoFrom(ctx); info != nil && info.authd {
		return info.actor, true
	}
	return service.Actor{}, false
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = generateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestInfoKey, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		actor, _ := ActorFrom(r.Context())
		slog.InfoContext(r.Context(), "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFrom(r.Context()),
			"actor_id", actor.ID,
			"size", wrapped.size,
		)
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic_recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
					"request_id", RequestIDFrom(r.Context()),
				)
				writeError(w, r, http.StatusInternalServerError, apiError{
					Code:    "internal_error",
					Kind:    string(service.KindInternal),
					Message: "An internal error occurred",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimited admits requests per authenticated actor. Limiter failures fail
// open so a cache outage does not block dispute filing.
func rateLimited(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := ActorFrom(r.Context())
			d, err := limiter.Allow(r.Context(), actor.ID)
			if err != nil {
				slog.WarnContext(r.Context(), "rate_limit_unavailable", "actor_id", actor.ID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
				writeError(w, r, http.StatusTooManyRequests, apiError{
					Code:      "rate_limit_exceeded",
					Kind:      "rate_limited",
					Message:   "too many requests, retry later",
					Retryable: true,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
