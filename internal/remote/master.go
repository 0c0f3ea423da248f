package remote

import (
	"context"

	"github.com/h3org/h3sync/internal/models"
)

// Master is the authoritative store: the sole allocator of real serials.
type Master interface {
	// HighestSyncedSerial returns the highest serial ever assigned in the pair.
	HighestSyncedSerial(ctx context.Context, kind models.Kind, scope string) (int64, error)

	// Commit writes the record, assigns the next global journal serial and
	// stores the entry, all or nothing. Storage-level refusals are reported in
	// the result; a non-nil error means the outcome is unknown (transport).
	Commit(ctx context.Context, item *models.JournalItem) (*CommitResult, error)

	// JournalSince returns the visible items with serial > cursor in ascending order.
	JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error)
}

// JournalPage is one page of a journal query.
type JournalPage struct {
	Items []*models.JournalItem `json:"items"`
	// More is set when the limit cut the page short.
	More bool `json:"more"`
}
