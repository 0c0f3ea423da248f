package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/h3org/h3sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotQueued is returned when an operation needs an UNSUBMITTED queued entry.
var ErrNotQueued = errors.New("entry is not an unsubmitted queued entry")

// Enqueue stores a local mutation and its journal entry in one transaction.
// The entry receives the next negative serial and a fresh ID, both written
// back into item.Entry. CREATE and UPDATE write the record row, DELETE removes it.
func (s *Store) Enqueue(item *models.JournalItem) error {
	if item.Entry == nil || item.Record == nil {
		return errors.New("enqueue: entry and record are required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := enqueue(tx, item); err != nil {
			return err
		}
		return applyLocally(tx, item)
	})
}

func enqueue(tx *bolt.Tx, item *models.JournalItem) error {
	item.Entry.Serial = nextLocalSerial(tx)
	item.Entry.ID = uuid.NewString()
	item.Entry.Status = models.StatusUnsubmitted
	if err := putItem(tx, item); err != nil {
		return fmt.Errorf("store journal entry: %w", err)
	}
	return nil
}

// applyLocally mirrors a queued mutation onto the record rows.
func applyLocally(tx *bolt.Tx, item *models.JournalItem) error {
	rec := item.Record
	key := recordKey(rec.Kind, rec.Code)
	switch item.Entry.Type {
	case models.EntryDelete:
		return tx.Bucket(bucketRecords).Delete(key)
	case models.EntryCreate:
		return putRow(tx, &Row{Record: rec, Provisional: true})
	case models.EntryUpdate:
		existing, err := getRow(tx, key)
		if err != nil {
			return err
		}
		return putRow(tx, &Row{Record: rec, Provisional: existing != nil && existing.Provisional})
	}
	return fmt.Errorf("unknown entry type %q", item.Entry.Type)
}

// nextLocalSerial walks downward from -1.
func nextLocalSerial(tx *bolt.Tx) int64 {
	k, _ := tx.Bucket(bucketJournal).Cursor().First()
	if k == nil {
		return -1
	}
	if lowest := decodeSerialKey(k); lowest < 0 {
		return lowest - 1
	}
	return -1
}

// QueuedEntries returns every locally queued item, oldest first (serial -1,
// then -2, ...). MODIFIED and REJECTED entries are included for audit.
func (s *Store) QueuedEntries() ([]*models.JournalItem, error) {
	var items []*models.JournalItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanQueue(tx, func(item *models.JournalItem) error {
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

func scanQueue(tx *bolt.Tx, fn func(*models.JournalItem) error) error {
	c := tx.Bucket(bucketJournal).Cursor()
	k, v := c.Seek(serialKey(0))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && decodeSerialKey(k) < 0; k, v = c.Prev() {
		var item models.JournalItem
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshal journal entry %d: %w", decodeSerialKey(k), err)
		}
		if err := fn(&item); err != nil {
			return err
		}
	}
	return nil
}

// Apply idempotently applies a downloaded journal item and advances the cursor
// past it, all in one transaction.
func (s *Store) Apply(item *models.JournalItem) error {
	if item.Entry == nil || item.Entry.Serial <= 0 {
		return errors.New("apply: entry must carry a positive serial")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		e := item.Entry
		switch e.Type {
		case models.EntryCreate, models.EntryUpdate:
			if item.Record == nil {
				return fmt.Errorf("apply %s %s: missing record", e.Type, e.Key)
			}
			if err := putRow(tx, &Row{Record: item.Record}); err != nil {
				return err
			}
		case models.EntryDelete:
			if err := tx.Bucket(bucketRecords).Delete(recordKey(e.Table, e.Key)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("apply: unknown entry type %q", e.Type)
		}

		if r := item.Record; r != nil {
			if err := raiseHighWater(tx, r.Kind, r.Scope, r.Serial); err != nil {
				return fmt.Errorf("raise serial high-water: %w", err)
			}
		}
		if err := putItem(tx, item); err != nil {
			return err
		}
		if e.Serial > readCursor(tx) {
			return writeCursor(tx, e.Serial)
		}
		return nil
	})
}

// MarkAccepted retires a queued entry the remote authority accepted. For a
// CREATE the provisional row is scheduled for PurgeProvisional; the
// authoritative copy arrives through the download.
func (s *Store) MarkAccepted(localSerial int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, localSerial)
		if err != nil {
			return err
		}
		if item == nil || localSerial >= 0 || item.Entry.Status != models.StatusUnsubmitted {
			return fmt.Errorf("mark accepted %d: %w", localSerial, ErrNotQueued)
		}
		if err := tx.Bucket(bucketJournal).Delete(serialKey(localSerial)); err != nil {
			return err
		}
		if item.Entry.Type != models.EntryCreate {
			return nil
		}
		b := tx.Bucket(bucketCleanup)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)
		return b.Put(k, recordKey(item.Record.Kind, item.Record.Code))
	})
}

// PurgeProvisional deletes the provisional rows of accepted creations, newest
// first so dependents go before what they reference. Rows already replaced by
// the authoritative copy are left alone. Returns the number of rows deleted.
func (s *Store) PurgeProvisional() (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCleanup)
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			row, err := getRow(tx, v)
			if err != nil {
				return err
			}
			if row != nil && row.Provisional {
				if err := tx.Bucket(bucketRecords).Delete(v); err != nil {
					return err
				}
				deleted++
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// RejectEntry marks a stuck queued entry REJECTED so uploads skip it. A
// rejected creation also drops its provisional row.
func (s *Store) RejectEntry(localSerial int64) (*models.JournalItem, error) {
	var item *models.JournalItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, localSerial)
		if err != nil {
			return err
		}
		if item == nil || localSerial >= 0 || item.Entry.Status != models.StatusUnsubmitted {
			return fmt.Errorf("reject %d: %w", localSerial, ErrNotQueued)
		}
		item.Entry.Status = models.StatusRejected
		if err := putItem(tx, item); err != nil {
			return err
		}
		if item.Entry.Type != models.EntryCreate {
			return nil
		}
		key := recordKey(item.Record.Kind, item.Record.Code)
		row, err := getRow(tx, key)
		if err != nil {
			return err
		}
		if row != nil && row.Provisional {
			return tx.Bucket(bucketRecords).Delete(key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// History returns up to limit applied journal items, newest first.
func (s *Store) History(limit int) ([]*models.JournalItem, error) {
	var items []*models.JournalItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Last(); k != nil && decodeSerialKey(k) > 0; k, v = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			var item models.JournalItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal journal entry %d: %w", decodeSerialKey(k), err)
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}
