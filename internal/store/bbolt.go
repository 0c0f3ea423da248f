// Package store is the local replica: replicated records, the outgoing
// journal queue, applied journal history and the download cursor, kept in a
// single embedded bbolt database file.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/h3org/h3sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the local replica.
var (
	bucketRecords = []byte("records")
	bucketJournal = []byte("journal")
	bucketSerials = []byte("serials")
	bucketCleanup = []byte("cleanup")
	bucketKV      = []byte("kv")
)

const keyCursor = "cursor"

// ErrNotFound is returned when a record or entry does not exist locally.
var ErrNotFound = errors.New("not found")

// Store represents the bbolt database store.
type Store struct {
	db *bolt.DB
}

// Row is a locally stored record. Provisional rows were created here and have
// not come back from the remote authority yet.
type Row struct {
	Record      *models.Record `json:"record"`
	Provisional bool           `json:"provisional,omitempty"`
}

// New opens or creates a bbolt database at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Initialize creates all required buckets.
func (s *Store) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketJournal, bucketSerials, bucketCleanup, bucketKV} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetValue gets a value from the key-value bucket.
func (s *Store) GetValue(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketKV).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// SetValue sets a value in the key-value bucket.
func (s *Store) SetValue(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	})
}

// Cursor returns the highest journal serial applied locally.
func (s *Store) Cursor() (int64, error) {
	var cur int64
	err := s.db.View(func(tx *bolt.Tx) error {
		cur = readCursor(tx)
		return nil
	})
	return cur, err
}

// SetCursor overwrites the download cursor. Setting it to 0 forces the next
// download to replay the whole visible journal.
func (s *Store) SetCursor(n int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeCursor(tx, n)
	})
}

func readCursor(tx *bolt.Tx) int64 {
	v := tx.Bucket(bucketKV).Get([]byte(keyCursor))
	if v == nil {
		return 0
	}
	n, _ := strconv.ParseInt(string(v), 10, 64)
	return n
}

func writeCursor(tx *bolt.Tx, n int64) error {
	return tx.Bucket(bucketKV).Put([]byte(keyCursor), []byte(strconv.FormatInt(n, 10)))
}

// serialKey encodes a signed serial so bbolt's byte order matches numeric order.
func serialKey(n int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(n)^(1<<63))
	return k
}

func decodeSerialKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

func recordKey(kind models.Kind, code string) []byte {
	return []byte(string(kind) + ":" + code)
}

func pairKey(kind models.Kind, scope string) []byte {
	return []byte(string(kind) + ":" + scope)
}

func getRow(tx *bolt.Tx, key []byte) (*Row, error) {
	data := tx.Bucket(bucketRecords).Get(key)
	if data == nil {
		return nil, nil
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	return &row, nil
}

func putRow(tx *bolt.Tx, row *Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", row.Record.Code, err)
	}
	return tx.Bucket(bucketRecords).Put(recordKey(row.Record.Kind, row.Record.Code), data)
}

func getItem(tx *bolt.Tx, serial int64) (*models.JournalItem, error) {
	data := tx.Bucket(bucketJournal).Get(serialKey(serial))
	if data == nil {
		return nil, nil
	}
	var item models.JournalItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal journal entry %d: %w", serial, err)
	}
	return &item, nil
}

func putItem(tx *bolt.Tx, item *models.JournalItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal journal entry %d: %w", item.Entry.Serial, err)
	}
	return tx.Bucket(bucketJournal).Put(serialKey(item.Entry.Serial), data)
}
