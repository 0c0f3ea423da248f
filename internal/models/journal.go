package models

import "time"

// EntryType is the mutation a journal entry records.
type EntryType string

const (
	EntryCreate EntryType = "CREATE"
	EntryUpdate EntryType = "UPDATE"
	EntryDelete EntryType = "DELETE"
)

// EntryStatus tracks a journal entry through upload.
type EntryStatus string

const (
	StatusUnsubmitted EntryStatus = "UNSUBMITTED"
	StatusAccepted    EntryStatus = "ACCEPTED"
	StatusModified    EntryStatus = "MODIFIED"
	StatusRejected    EntryStatus = "REJECTED"
)

// JournalEntry is one CREATE/UPDATE/DELETE mutation. Serial is negative while
// the entry only exists in a local queue and positive once the remote
// authority has accepted it. ID is assigned when the entry is queued and
// travels with it, so the authority can recognise a resent commit.
type JournalEntry struct {
	ID                 string      `json:"id,omitempty"`
	Serial             int64       `json:"serial"`
	Origin             string      `json:"origin"`
	Type               EntryType   `json:"type"`
	Table              Kind        `json:"table"`
	Key                string      `json:"key"`
	Status             EntryStatus `json:"status"`
	LocalTimestamp     time.Time   `json:"local_timestamp"`
	ProcessedTimestamp time.Time   `json:"processed_timestamp,omitzero"`
}

// Queued reports whether the entry lives only in a local queue.
func (e *JournalEntry) Queued() bool {
	return e.Serial < 0
}

// JournalItem pairs an entry with the record snapshot it carries. For DELETE
// entries the snapshot is the last known state of the removed record.
type JournalItem struct {
	Entry  *JournalEntry `json:"entry"`
	Record *Record       `json:"record,omitempty"`
}

// Clone returns a deep copy.
func (it *JournalItem) Clone() *JournalItem {
	e := *it.Entry
	return &JournalItem{Entry: &e, Record: it.Record.Clone()}
}

// TableScope names a serial sequence.
type TableScope struct {
	Table Kind
	Scope string
}

func (ts TableScope) String() string {
	return string(ts.Table) + "/" + ts.Scope
}
