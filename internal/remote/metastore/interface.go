// Package metastore provides the server-side master store: the authoritative
// records, the global journal and the per-pair serial high-water marks.
package metastore

import (
	"context"
	"errors"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
)

// ErrNotFound is returned for a code with no authoritative record.
var ErrNotFound = errors.New("not found")

// DefaultPageSize caps a journal query when the caller sets no limit.
const DefaultPageSize = 500

// MetaStore is a Master that can also answer the paged journal queries the
// HTTP server exposes.
type MetaStore interface {
	remote.Master

	// Head returns the highest journal serial, 0 when the journal is empty.
	Head(ctx context.Context) (int64, error)

	// Query returns visible items with After < serial <= Until in ascending
	// order, at most Limit of them.
	Query(ctx context.Context, q remote.JournalQuery) (*remote.JournalPage, error)

	// GetRecord returns the authoritative record, or ErrNotFound.
	GetRecord(ctx context.Context, kind models.Kind, code string) (*models.Record, error)

	// Backend names the storage engine.
	Backend() string

	// Close releases resources.
	Close() error
}
