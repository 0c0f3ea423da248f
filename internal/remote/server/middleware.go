// Package server implements the h3-server HTTP handlers and middleware.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h3org/h3sync/internal/remote"
)

type contextKey string

const contextKeyRequest contextKey = "request"

// Token permissions. Read-only tokens may replicate but not commit.
const (
	PermRead  = "ro"
	PermWrite = "rw"
)

// TokenInfo holds the metadata for an authenticated token.
type TokenInfo struct {
	ID         string    `json:"id"`
	TokenHash  string    `json:"token_hash"`
	Desc       string    `json:"description"`
	Permission string    `json:"permission"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc string, permission string) (rawToken string, info *TokenInfo, err error)
}

// requestInfo is shared by every middleware of one request. Inner layers
// fill it in; the access log, which runs outermost, reads it afterwards.
type requestInfo struct {
	ID         string
	TokenID    string
	Permission string
}

func infoFrom(r *http.Request) *requestInfo {
	if ri, ok := r.Context().Value(contextKeyRequest).(*requestInfo); ok {
		return ri
	}
	return &requestInfo{}
}

// requestIDMiddleware tags the request with the client's X-Request-ID when it
// is a UUID (a client reuses one per sync run) or a fresh one otherwise.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(remote.RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		ri := &requestInfo{ID: id}
		w.Header().Set(remote.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequest, ri)))
	})
}

// loggingMiddleware writes one access log line per request.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode == http.StatusTooManyRequests:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
				level = slog.LevelDebug
			}
			ri := infoFrom(r)
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", ri.ID,
				"token_id", ri.TokenID,
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", "error", rec, "request_id", requestID(r))
					if rw.statusCode == 0 {
						writeError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authenticator checks bearer tokens. Last-used updates run in the
// background, at most maxTouches at a time; extra updates are dropped.
type authenticator struct {
	tokens  TokenStore
	logger  *slog.Logger
	touches chan struct{}
}

const maxTouches = 20

func newAuthenticator(tokens TokenStore, logger *slog.Logger) *authenticator {
	return &authenticator{tokens: tokens, logger: logger, touches: make(chan struct{}, maxTouches)}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid Authorization header")
			return
		}

		info, err := a.tokens.GetByHash(HashToken(raw))
		if err != nil || info == nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
			return
		}
		a.touch(info.ID)

		ri := infoFrom(r)
		ri.TokenID, ri.Permission = info.ID, info.Permission
		if r.Context().Value(contextKeyRequest) == nil {
			r = r.WithContext(context.WithValue(r.Context(), contextKeyRequest, ri))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) touch(id string) {
	select {
	case a.touches <- struct{}{}:
		go func() {
			defer func() { <-a.touches }()
			if err := a.tokens.UpdateLastUsed(id); err != nil {
				a.logger.Warn("failed to update token last_used_at", "error", err, "token_id", id)
			}
		}()
	default:
	}
}

// requireWrite rejects tokens without commit permission.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if infoFrom(r).Permission != PermWrite {
			writeError(w, http.StatusForbidden, "forbidden", "read-only token cannot commit journal entries")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter counts requests per token in fixed one-minute windows. Reads
// and commits have separate budgets: a sync uploads its queue one commit at a
// time, so commits arrive in bursts that should not starve replication.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	done    chan struct{}
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for k, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

// allow counts one request against key and reports how long to wait when
// the budget is spent.
func (rl *rateLimiter) allow(key string, perMinute int) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	win, ok := rl.windows[key]
	if !ok || now.After(win.resetAt) {
		win = &window{resetAt: now.Add(time.Minute)}
		rl.windows[key] = win
	}
	win.count++
	if win.count > perMinute {
		return false, win.resetAt.Sub(now)
	}
	return true, 0
}

// limit returns middleware enforcing perMinute requests of one class per
// token, or per client address before authentication.
func (rl *rateLimiter) limit(class string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := infoFrom(r).TokenID
			if key == "" {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				key = "addr:" + host
			}

			ok, wait := rl.allow(class+"|"+key, perMinute)
			if !ok {
				secs := int(wait.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate_limited", class+" rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
