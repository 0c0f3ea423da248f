package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/h3org/h3sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// GetRecord returns the local row for code. Returns ErrNotFound if missing.
func (s *Store) GetRecord(kind models.Kind, code string) (*Row, error) {
	var row *Row
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		row, err = getRow(tx, recordKey(kind, code))
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("%s %s: %w", kind, code, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ListRecords returns every local row of the given kind, ordered by code.
func (s *Store) ListRecords(kind models.Kind) ([]*Row, error) {
	var rows []*Row
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanKind(tx, kind, func(row *Row) error {
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

func scanKind(tx *bolt.Tx, kind models.Kind, fn func(*Row) error) error {
	prefix := []byte(string(kind) + ":")
	c := tx.Bucket(bucketRecords).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var row Row
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("unmarshal record %s: %w", k, err)
		}
		if err := fn(&row); err != nil {
			return err
		}
	}
	return nil
}

// HighestSerial returns the largest serial known for the pair, ignoring
// provisional rows. Serials of records deleted upstream still count: the
// journal high-water mark is folded in.
func (s *Store) HighestSerial(kind models.Kind, scope string) (int64, error) {
	var highest int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		highest, err = highestSerial(tx, kind, scope)
		return err
	})
	return highest, err
}

func highestSerial(tx *bolt.Tx, kind models.Kind, scope string) (int64, error) {
	highest := highWater(tx, kind, scope)
	err := scanKind(tx, kind, func(row *Row) error {
		if !row.Provisional && row.Record.Scope == scope && row.Record.Serial > highest {
			highest = row.Record.Serial
		}
		return nil
	})
	return highest, err
}

// NextSerial returns the serial for the next local creation in the pair: one
// past both the authoritative high-water mark and every creation still queued.
func (s *Store) NextSerial(kind models.Kind, scope string) (int64, error) {
	var next int64
	err := s.db.View(func(tx *bolt.Tx) error {
		highest, err := highestSerial(tx, kind, scope)
		if err != nil {
			return err
		}
		err = scanQueue(tx, func(item *models.JournalItem) error {
			r := item.Record
			if item.Entry.Type == models.EntryCreate && item.Entry.Status == models.StatusUnsubmitted &&
				r != nil && r.Kind == kind && r.Scope == scope && r.Serial > highest {
				highest = r.Serial
			}
			return nil
		})
		next = highest + 1
		return err
	})
	return next, err
}

func highWater(tx *bolt.Tx, kind models.Kind, scope string) int64 {
	v := tx.Bucket(bucketSerials).Get(pairKey(kind, scope))
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func raiseHighWater(tx *bolt.Tx, kind models.Kind, scope string, serial int64) error {
	if serial <= highWater(tx, kind, scope) {
		return nil
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(serial))
	return tx.Bucket(bucketSerials).Put(pairKey(kind, scope), v)
}
