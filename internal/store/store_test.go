package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new bbolt store in a temp directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func baseRecord(scope string, serial int64, code string) *models.Record {
	return &models.Record{
		Kind:   models.KindBase,
		Code:   code,
		Serial: serial,
		Scope:  scope,
		Period: models.PermanentPeriod,
		Body:   &models.Base{Identifier: code, Parent: "BASE-2"},
	}
}

func entry(t models.EntryType, kind models.Kind, key string) *models.JournalEntry {
	return &models.JournalEntry{Origin: "ROOT-JOBCONTRACT-1900-1", Type: t, Table: kind, Key: key, LocalTimestamp: time.Now()}
}

func applied(serial int64, t models.EntryType, rec *models.Record) *models.JournalItem {
	e := entry(t, rec.Kind, rec.Code)
	e.Serial = serial
	e.Status = models.StatusAccepted
	return &models.JournalItem{Entry: e, Record: rec}
}

// ==================== Store Tests ====================

func TestStore_KV(t *testing.T) {
	st := newTestStore(t)

	v, err := st.GetValue("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, st.SetValue("user", "USER-1"))
	v, err = st.GetValue("user")
	require.NoError(t, err)
	assert.Equal(t, "USER-1", v)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Apply(applied(1, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))))
	require.NoError(t, st.Close())

	st, err = New(dbPath)
	require.NoError(t, err)
	defer st.Close()

	row, err := st.GetRecord(models.KindBase, "ROOT-BASE-1")
	require.NoError(t, err)
	assert.False(t, row.Provisional)
	cur, err := st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur)
}

func TestStore_GetRecord_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetRecord(models.KindBase, "ROOT-BASE-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SerialKeyOrdering(t *testing.T) {
	serials := []int64{-300, -2, -1, 0, 1, 2, 70000}
	for i := 1; i < len(serials); i++ {
		a, b := serialKey(serials[i-1]), serialKey(serials[i])
		assert.Less(t, string(a), string(b))
		assert.Equal(t, serials[i], decodeSerialKey(b))
	}
}

func TestStore_HighestSerial(t *testing.T) {
	st := newTestStore(t)

	h, err := st.HighestSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)

	require.NoError(t, st.Apply(applied(1, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))))
	require.NoError(t, st.Apply(applied(2, models.EntryCreate, baseRecord("ROOT", 2, "ROOT-BASE-2"))))
	require.NoError(t, st.Apply(applied(3, models.EntryCreate, baseRecord("NRB", 7, "NRB-BASE-7"))))

	// Provisional rows do not count.
	require.NoError(t, st.Enqueue(&models.JournalItem{
		Entry:  entry(models.EntryCreate, models.KindBase, "TMP-ROOT-BASE-3"),
		Record: baseRecord("ROOT", 3, "TMP-ROOT-BASE-3"),
	}))

	h, err = st.HighestSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), h)

	h, err = st.HighestSerial(models.KindBase, "NRB")
	require.NoError(t, err)
	assert.Equal(t, int64(7), h)
}

func TestStore_HighestSerial_RemembersDeletedRecords(t *testing.T) {
	st := newTestStore(t)
	rec := baseRecord("ROOT", 1, "ROOT-BASE-1")
	require.NoError(t, st.Apply(applied(1, models.EntryCreate, rec)))
	require.NoError(t, st.Apply(applied(2, models.EntryDelete, rec)))

	_, err := st.GetRecord(models.KindBase, "ROOT-BASE-1")
	assert.ErrorIs(t, err, ErrNotFound)

	h, err := st.HighestSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h)
}

func TestStore_NextSerial_CountsQueuedCreations(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Apply(applied(1, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))))
	require.NoError(t, st.Apply(applied(2, models.EntryCreate, baseRecord("ROOT", 2, "ROOT-BASE-2"))))

	next, err := st.NextSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)

	require.NoError(t, st.Enqueue(&models.JournalItem{
		Entry:  entry(models.EntryCreate, models.KindBase, "TMP-ROOT-BASE-3"),
		Record: baseRecord("ROOT", 3, "TMP-ROOT-BASE-3"),
	}))
	// Deleting the offline creation keeps its serial reserved until upload.
	require.NoError(t, st.Enqueue(&models.JournalItem{
		Entry:  entry(models.EntryDelete, models.KindBase, "TMP-ROOT-BASE-3"),
		Record: baseRecord("ROOT", 3, "TMP-ROOT-BASE-3"),
	}))

	next, err = st.NextSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}
