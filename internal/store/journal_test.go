package store

import (
	"testing"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueCreate(t *testing.T, st *Store, scope string, serial int64) *models.JournalItem {
	t.Helper()
	rec := baseRecord(scope, serial, "")
	code, err := models.BuildProvisionalCode(rec)
	require.NoError(t, err)
	rec.Code = code
	item := &models.JournalItem{Entry: entry(models.EntryCreate, models.KindBase, code), Record: rec}
	require.NoError(t, st.Enqueue(item))
	return item
}

func TestEnqueue_AssignsDescendingSerials(t *testing.T) {
	st := newTestStore(t)

	a := enqueueCreate(t, st, "ROOT", 3)
	b := enqueueCreate(t, st, "ROOT", 4)
	c := enqueueCreate(t, st, "ROOT", 5)

	assert.Equal(t, int64(-1), a.Entry.Serial)
	assert.Equal(t, int64(-2), b.Entry.Serial)
	assert.Equal(t, int64(-3), c.Entry.Serial)

	queue, err := st.QueuedEntries()
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "TMP-ROOT-BASE-3", queue[0].Entry.Key)
	assert.Equal(t, "TMP-ROOT-BASE-4", queue[1].Entry.Key)
	assert.Equal(t, "TMP-ROOT-BASE-5", queue[2].Entry.Key)
	ids := map[string]bool{}
	for _, it := range queue {
		assert.Equal(t, models.StatusUnsubmitted, it.Entry.Status)
		assert.NotEmpty(t, it.Entry.ID)
		ids[it.Entry.ID] = true
	}
	assert.Len(t, ids, 3, "every queued entry gets its own ID")
	assert.Equal(t, a.Entry.ID, queue[0].Entry.ID)

	row, err := st.GetRecord(models.KindBase, "TMP-ROOT-BASE-4")
	require.NoError(t, err)
	assert.True(t, row.Provisional)
}

func TestQueuedEntries_IgnoresAppliedHistory(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Apply(applied(10, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))))
	enqueueCreate(t, st, "ROOT", 2)

	queue, err := st.QueuedEntries()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, int64(-1), queue[0].Entry.Serial)

	history, err := st.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(10), history[0].Entry.Serial)
}

func TestEnqueue_UpdateKeepsProvisionalFlag(t *testing.T) {
	st := newTestStore(t)
	created := enqueueCreate(t, st, "ROOT", 3)

	upd := created.Record.Clone()
	upd.Body.(*models.Base).FullName = "Nairobi"
	require.NoError(t, st.Enqueue(&models.JournalItem{Entry: entry(models.EntryUpdate, models.KindBase, upd.Code), Record: upd}))

	row, err := st.GetRecord(models.KindBase, upd.Code)
	require.NoError(t, err)
	assert.True(t, row.Provisional)
	assert.Equal(t, "Nairobi", row.Record.Body.(*models.Base).FullName)
}

func TestEnqueue_DeleteRemovesRow(t *testing.T) {
	st := newTestStore(t)
	rec := baseRecord("ROOT", 1, "ROOT-BASE-1")
	require.NoError(t, st.Apply(applied(1, models.EntryCreate, rec)))

	require.NoError(t, st.Enqueue(&models.JournalItem{Entry: entry(models.EntryDelete, models.KindBase, rec.Code), Record: rec}))

	_, err := st.GetRecord(models.KindBase, rec.Code)
	assert.ErrorIs(t, err, ErrNotFound)
	queue, err := st.QueuedEntries()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, models.EntryDelete, queue[0].Entry.Type)
}

func TestApply_Idempotent(t *testing.T) {
	st := newTestStore(t)
	item := applied(5, models.EntryCreate, baseRecord("ROOT", 3, "ROOT-BASE-3"))

	require.NoError(t, st.Apply(item))
	once, err := st.ListRecords(models.KindBase)
	require.NoError(t, err)
	cur1, err := st.Cursor()
	require.NoError(t, err)

	require.NoError(t, st.Apply(item))
	twice, err := st.ListRecords(models.KindBase)
	require.NoError(t, err)
	cur2, err := st.Cursor()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, cur1, cur2)
	assert.Equal(t, int64(5), cur2)
}

func TestApply_DeleteOfMissingRecordIsNoop(t *testing.T) {
	st := newTestStore(t)
	e := entry(models.EntryDelete, models.KindBase, "ROOT-BASE-9")
	e.Serial = 4

	require.NoError(t, st.Apply(&models.JournalItem{Entry: e}))
	cur, err := st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur)
}

func TestApply_CursorNeverMovesBackwards(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Apply(applied(9, models.EntryCreate, baseRecord("ROOT", 2, "ROOT-BASE-2"))))
	require.NoError(t, st.Apply(applied(4, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))))

	cur, err := st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(9), cur)
}

func TestApply_RejectsQueuedSerial(t *testing.T) {
	st := newTestStore(t)
	item := applied(-1, models.EntryCreate, baseRecord("ROOT", 1, "ROOT-BASE-1"))
	assert.Error(t, st.Apply(item))
}

func TestMarkAccepted_ThenPurge(t *testing.T) {
	st := newTestStore(t)
	a := enqueueCreate(t, st, "ROOT", 3)
	b := enqueueCreate(t, st, "ROOT", 4)

	require.NoError(t, st.MarkAccepted(a.Entry.Serial))
	require.NoError(t, st.MarkAccepted(b.Entry.Serial))

	queue, err := st.QueuedEntries()
	require.NoError(t, err)
	assert.Empty(t, queue)

	// Provisional copies survive until the purge.
	_, err = st.GetRecord(models.KindBase, "TMP-ROOT-BASE-3")
	require.NoError(t, err)

	n, err := st.PurgeProvisional()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := st.ListRecords(models.KindBase)
	require.NoError(t, err)
	assert.Empty(t, rows)

	n, err = st.PurgeProvisional()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeProvisional_KeepsAuthoritativeCopy(t *testing.T) {
	st := newTestStore(t)
	// A rebased creation carries a real-looking code.
	rec := baseRecord("ROOT", 4, "ROOT-BASE-4")
	item := &models.JournalItem{Entry: entry(models.EntryCreate, models.KindBase, rec.Code), Record: rec}
	require.NoError(t, st.Enqueue(item))
	require.NoError(t, st.MarkAccepted(item.Entry.Serial))

	// Download brings the authoritative row back before the purge runs.
	require.NoError(t, st.Apply(applied(12, models.EntryCreate, baseRecord("ROOT", 4, "ROOT-BASE-4"))))

	n, err := st.PurgeProvisional()
	require.NoError(t, err)
	assert.Zero(t, n)

	row, err := st.GetRecord(models.KindBase, "ROOT-BASE-4")
	require.NoError(t, err)
	assert.False(t, row.Provisional)
}

func TestMarkAccepted_UnknownEntry(t *testing.T) {
	st := newTestStore(t)
	assert.ErrorIs(t, st.MarkAccepted(-7), ErrNotQueued)
}

func TestRejectEntry(t *testing.T) {
	st := newTestStore(t)
	item := enqueueCreate(t, st, "ROOT", 3)

	rejected, err := st.RejectEntry(item.Entry.Serial)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Entry.Status)

	_, err = st.GetRecord(models.KindBase, "TMP-ROOT-BASE-3")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.RejectEntry(item.Entry.Serial)
	assert.ErrorIs(t, err, ErrNotQueued)

	// Rejected creations free their serial.
	next, err := st.NextSerial(models.KindBase, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}
