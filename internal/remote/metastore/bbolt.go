package metastore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketSerials = []byte("serials")
	bucketJournal = []byte("journal")
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries") // entry ID -> journal serial

	keyHead = []byte("head")
)

// BboltStore implements MetaStore using bbolt. bbolt's single writer
// serializes commits, so serial assignment needs no further locking.
type BboltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ MetaStore = (*BboltStore)(nil)

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketSerials, bucketJournal, bucketMeta, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BboltStore) Backend() string { return "bbolt" }

func u64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func readU64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func recordKey(kind models.Kind, code string) []byte {
	return []byte(string(kind) + ":" + code)
}

func pairKey(kind models.Kind, scope string) []byte {
	return []byte(string(kind) + "/" + scope)
}

// HighestSyncedSerial returns the pair's high-water mark. Deleting a record
// never lowers it.
func (s *BboltStore) HighestSyncedSerial(_ context.Context, kind models.Kind, scope string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = readU64(tx.Bucket(bucketSerials).Get(pairKey(kind, scope)))
		return nil
	})
	return n, err
}

// Head returns the highest journal serial.
func (s *BboltStore) Head(_ context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = readU64(tx.Bucket(bucketMeta).Get(keyHead))
		return nil
	})
	return n, err
}

// Commit writes the record, the pair high-water mark and the journal entry in
// one transaction. An entry whose ID is already journaled is not applied
// again; the original acceptance is returned.
func (s *BboltStore) Commit(_ context.Context, item *models.JournalItem) (*remote.CommitResult, error) {
	if res := checkItem(item); res != nil {
		return res, nil
	}

	var result *remote.CommitResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if id := item.Entry.ID; id != "" {
			if prev := entries.Get([]byte(id)); prev != nil {
				stored, err := journalItem(tx, readU64(prev))
				if err != nil {
					return err
				}
				result = accepted(stored)
				result.Replayed = true
				return nil
			}
		}

		records := tx.Bucket(bucketRecords)
		serials := tx.Bucket(bucketSerials)
		rec := item.Record
		rkey := recordKey(rec.Kind, rec.Code)
		exists := records.Get(rkey) != nil

		switch item.Entry.Type {
		case models.EntryCreate:
			if exists {
				result = conflict("%s already exists", rec.Code)
				return nil
			}
			highest := readU64(serials.Get(pairKey(rec.Kind, rec.Scope)))
			if rec.Serial != highest+1 {
				result = conflict("%s serial %d is not next in %s/%s (highest %d)", rec.Code, rec.Serial, rec.Kind, rec.Scope, highest)
				return nil
			}
			if err := serials.Put(pairKey(rec.Kind, rec.Scope), u64(rec.Serial)); err != nil {
				return fmt.Errorf("store serial: %w", err)
			}
			if err := putRecord(records, rec); err != nil {
				return err
			}
		case models.EntryUpdate:
			if !exists {
				result = failed("%s does not exist", rec.Code)
				return nil
			}
			if err := putRecord(records, rec); err != nil {
				return err
			}
		case models.EntryDelete:
			if !exists {
				result = failed("%s does not exist", rec.Code)
				return nil
			}
			if err := records.Delete(rkey); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		serial := readU64(meta.Get(keyHead)) + 1
		if err := meta.Put(keyHead, u64(serial)); err != nil {
			return fmt.Errorf("store head: %w", err)
		}
		stored := accept(item, serial, s.now().UTC())
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal journal item: %w", err)
		}
		if err := tx.Bucket(bucketJournal).Put(u64(serial), data); err != nil {
			return fmt.Errorf("store journal item: %w", err)
		}
		if id := item.Entry.ID; id != "" {
			if err := entries.Put([]byte(id), u64(serial)); err != nil {
				return fmt.Errorf("store entry id: %w", err)
			}
		}
		result = accepted(stored)
		return nil
	})
	if err != nil {
		return failed("storage: %v", err), nil
	}
	return result, nil
}

func journalItem(tx *bolt.Tx, serial int64) (*models.JournalItem, error) {
	data := tx.Bucket(bucketJournal).Get(u64(serial))
	if data == nil {
		return nil, fmt.Errorf("journal item %d: %w", serial, ErrNotFound)
	}
	var item models.JournalItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal journal item %d: %w", serial, err)
	}
	return &item, nil
}

func putRecord(b *bolt.Bucket, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.Put(recordKey(rec.Kind, rec.Code), data); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// GetRecord returns the authoritative copy of a record. Returns ErrNotFound if missing.
func (s *BboltStore) GetRecord(_ context.Context, kind models.Kind, code string) (*models.Record, error) {
	var rec *models.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(recordKey(kind, code))
		if data == nil {
			return ErrNotFound
		}
		rec = &models.Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Query walks the journal from q.After, filtering by visibility.
func (s *BboltStore) Query(_ context.Context, q remote.JournalQuery) (*remote.JournalPage, error) {
	vis := queryVisibility(q)
	limit := pageLimit(q)
	page := &remote.JournalPage{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Seek(u64(q.After + 1)); k != nil; k, v = c.Next() {
			serial := readU64(k)
			if q.Until > 0 && serial > q.Until {
				break
			}
			var item models.JournalItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal journal item %d: %w", serial, err)
			}
			if !vis.Allows(&item) {
				continue
			}
			if len(page.Items) == limit {
				page.More = true
				break
			}
			page.Items = append(page.Items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// JournalSince returns every visible item after cursor.
func (s *BboltStore) JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error) {
	return journalSince(ctx, s, cursor, vis)
}
