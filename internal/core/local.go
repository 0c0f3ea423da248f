package core

import (
	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/store"
)

// LocalStore is the replica the engine reads and writes. *store.Store
// implements it.
type LocalStore interface {
	GetRecord(kind models.Kind, code string) (*store.Row, error)
	ListRecords(kind models.Kind) ([]*store.Row, error)
	HighestSerial(kind models.Kind, scope string) (int64, error)
	NextSerial(kind models.Kind, scope string) (int64, error)

	Enqueue(item *models.JournalItem) error
	QueuedEntries() ([]*models.JournalItem, error)
	MarkAccepted(localSerial int64) error
	PurgeProvisional() (int, error)
	ApplyRebase(plan *store.RebasePlan) error
	RejectEntry(localSerial int64) (*models.JournalItem, error)

	Apply(item *models.JournalItem) error
	Cursor() (int64, error)
	SetCursor(n int64) error
	History(limit int) ([]*models.JournalItem, error)

	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

var _ LocalStore = (*store.Store)(nil)
