// Package remote defines the master-store contract, the HTTP wire types used
// between h3 clients and h3-server, and the HTTP client.
package remote

import (
	"context"
	"time"
)

// Outcome classifies a commit attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeConflict Outcome = "CONFLICT"
	OutcomeFailed   Outcome = "FAILED"
)

// CommitResult is the answer to a commit. Serial and ProcessedAt are set only
// for ACCEPTED; Reason explains CONFLICT and FAILED. Replayed marks an
// ACCEPTED answer for an entry ID the master had already journaled.
type CommitResult struct {
	Outcome     Outcome   `json:"outcome"`
	Serial      int64     `json:"serial,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
	Reason      string    `json:"reason,omitempty"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// SerialResponse carries a single serial (highest per pair, or journal head).
type SerialResponse struct {
	Serial int64 `json:"serial"`
}

// JournalQuery selects journal items with After < serial <= Until (Until 0
// means no upper bound) visible through Scopes and Origins.
type JournalQuery struct {
	After   int64    `json:"after"`
	Until   int64    `json:"until,omitempty"`
	Scopes  []string `json:"scopes"`
	Origins []string `json:"origins"`
	Limit   int      `json:"limit,omitempty"`
}

// ErrorResponse is the JSON error body returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServerInfo summarizes the master store.
type ServerInfo struct {
	Head    int64  `json:"head"`
	Backend string `json:"backend"`
}

// RequestIDHeader correlates client calls with server log lines.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID tags ctx so every HTTP call made with it carries id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
