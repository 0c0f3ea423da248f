package server

import (
	"compress/gzip"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/remote/metastore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	MaxPageSize       int    // journal items per query page
	RequestsPerMinute int    // per-token read budget
	CommitsPerMinute  int    // per-token commit budget
	AdminToken        string // for admin endpoints
	Webhooks          *WebhookNotifier
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    4 * 1024 * 1024, // 4MB
		MaxPageSize:       metastore.DefaultPageSize,
		RequestsPerMinute: 600,
		CommitsPerMinute:  1200,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(meta metastore.MetaStore, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter()
	auth := newAuthenticator(tokens, logger).middleware
	api := &api{meta: meta, cfg: cfg, logger: logger}

	// applyMiddleware runs the first middleware outermost.
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.limit("read", cfg.RequestsPerMinute))
	}
	withAuthWrite := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireWrite, rl.limit("commit", cfg.CommitsPerMinute))
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		if _, err := meta.Head(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: master store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	mux.Handle("GET /api/v1/tables/{table}/scopes/{scope}/highest", withAuth(api.handleHighest))
	mux.Handle("GET /api/v1/tables/{table}/records/{code}", withAuth(api.handleGetRecord))
	mux.Handle("POST /api/v1/journal", withAuthWrite(api.handleCommit))
	mux.Handle("GET /api/v1/journal/head", withAuth(api.handleHead))
	mux.Handle("POST /api/v1/journal/query", withAuth(api.handleQuery))
	mux.Handle("GET /api/v1/info", withAuth(api.handleInfo))

	handler := applyMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)

	cleanup := func() {
		rl.Stop()
		cfg.Webhooks.Close()
	}

	return handler, cleanup
}

// applyMiddleware wraps h so the first middleware in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type api struct {
	meta   metastore.MetaStore
	cfg    *ServerConfig
	logger *slog.Logger
}

func (a *api) handleHighest(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseKind(r.PathValue("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	scope := r.PathValue("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "scope is required")
		return
	}

	serial, err := a.meta.HighestSyncedSerial(r.Context(), kind, scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote.SerialResponse{Serial: serial})
}

func (a *api) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseKind(r.PathValue("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rec, err := a.meta.GetRecord(r.Context(), kind, r.PathValue("code"))
	switch {
	case errors.Is(err, metastore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %s not found", kind, r.PathValue("code")))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// commitStatus maps a commit outcome onto the HTTP status the client decodes.
func commitStatus(o remote.Outcome) int {
	switch o {
	case remote.OutcomeAccepted:
		return http.StatusCreated
	case remote.OutcomeConflict:
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

func (a *api) handleCommit(w http.ResponseWriter, r *http.Request) {
	var item models.JournalItem
	if err := readJSON(r, a.cfg.MaxRequestBody, &item); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if item.Entry == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "entry is required")
		return
	}

	result, err := a.meta.Commit(r.Context(), &item)
	if err != nil {
		a.logger.Error("commit", "key", item.Entry.Key, "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch {
	case result.Outcome == remote.OutcomeAccepted && result.Replayed:
		a.logger.Info("journal entry resent, returning original acceptance",
			"serial", result.Serial,
			"key", item.Entry.Key,
			"entry_id", item.Entry.ID,
		)
	case result.Outcome == remote.OutcomeAccepted:
		a.logger.Info("journal entry accepted",
			"serial", result.Serial,
			"type", item.Entry.Type,
			"key", item.Entry.Key,
			"origin", item.Entry.Origin,
		)
		accepted := item.Clone()
		accepted.Entry.Serial = result.Serial
		accepted.Entry.Status = models.StatusAccepted
		accepted.Entry.ProcessedTimestamp = result.ProcessedAt
		a.cfg.Webhooks.NotifyCommit(accepted)
	default:
		a.logger.Warn("journal entry refused",
			"outcome", result.Outcome,
			"key", item.Entry.Key,
			"reason", result.Reason,
			"request_id", requestID(r),
		)
	}
	writeJSON(w, commitStatus(result.Outcome), result)
}

func (a *api) handleHead(w http.ResponseWriter, r *http.Request) {
	head, err := a.meta.Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote.SerialResponse{Serial: head})
}

func (a *api) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q remote.JournalQuery
	if err := readJSON(r, a.cfg.MaxRequestBody, &q); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if q.After < 0 || (q.Until > 0 && q.Until < q.After) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid range (%d, %d]", q.After, q.Until))
		return
	}
	if q.Limit <= 0 || q.Limit > a.cfg.MaxPageSize {
		q.Limit = a.cfg.MaxPageSize
	}

	page, err := a.meta.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		writeJSON(w, http.StatusOK, page)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if err := json.NewEncoder(gz).Encode(page); err != nil {
		a.logger.Error("encode journal page", "error", err, "request_id", requestID(r))
	}
}

func (a *api) handleInfo(w http.ResponseWriter, r *http.Request) {
	head, err := a.meta.Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote.ServerInfo{Head: head, Backend: a.meta.Backend()})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func requestID(r *http.Request) string {
	return infoFrom(r).ID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.ErrorResponse{Error: code, Message: message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}
	if err := json.NewDecoder(io.LimitReader(body, maxSize)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Token Handlers ---

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
			Permission  string `json:"permission"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
			return
		}
		if req.Permission == "" {
			req.Permission = PermRead
		}
		if req.Permission != PermRead && req.Permission != PermWrite {
			writeError(w, http.StatusBadRequest, "bad_request", "permission must be 'ro' or 'rw'")
			return
		}

		rawToken, info, err := tokens.CreateToken(req.Description, req.Permission)
		if err != nil {
			logger.Error("create token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		logger.Info("token created", "token_id", info.ID, "permission", info.Permission)

		writeJSON(w, http.StatusCreated, remote.AdminToken{
			Token:       rawToken,
			ID:          info.ID,
			Description: info.Desc,
			Permission:  info.Permission,
		})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		// Metadata only, never hashes.
		entries := make([]remote.AdminToken, len(list))
		for i, t := range list {
			entries[i] = remote.AdminToken{ID: t.ID, Description: t.Desc, Permission: t.Permission}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "token ID required")
			return
		}

		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		logger.Info("token deleted", "token_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}
