package core

import (
	"context"
	"testing"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(serial int64, typ models.EntryType, rec *models.Record) *models.JournalItem {
	return &models.JournalItem{
		Entry:  &models.JournalEntry{Serial: serial, Type: typ, Table: rec.Kind, Key: rec.Code, Status: models.StatusUnsubmitted, Origin: SeedRootContract},
		Record: rec,
	}
}

func provisionalUnit(t *testing.T, scope string, serial int64, parent string) *models.Record {
	t.Helper()
	rec := &models.Record{Kind: models.KindBase, Serial: serial, Scope: scope, Period: models.PermanentPeriod,
		Body: &models.Base{Identifier: "U", Parent: parent}}
	code, err := models.BuildProvisionalCode(rec)
	require.NoError(t, err)
	rec.Code = code
	return rec
}

func TestPlanRebase_RenumbersContiguouslyAfterHighest(t *testing.T) {
	const s, n, m = 2, 4, 7
	var queue []*models.JournalItem
	for i := int64(1); i <= n; i++ {
		queue = append(queue, queued(-i, models.EntryCreate, provisionalUnit(t, "ROOT", s+i, "BASE-2")))
	}

	plan, err := PlanRebase(queue, map[models.TableScope]int64{{Table: models.KindBase, Scope: "ROOT"}: m})
	require.NoError(t, err)

	require.Len(t, plan.Steps, n)
	for i, step := range plan.Steps {
		assert.Equal(t, queue[i].Entry.Serial, step.OldSerial)
		assert.Equal(t, int64(m+1+i), step.Replacement.Record.Serial)
		assert.Equal(t, step.Replacement.Record.Code, step.Replacement.Entry.Key)
		assert.True(t, models.IsProvisional(step.Replacement.Record.Code))
		assert.Equal(t, queue[i].Entry.Origin, step.Replacement.Entry.Origin)
	}
	assert.Equal(t, "TMP-ROOT-BASE-8", plan.Steps[0].Replacement.Record.Code)
	assert.Len(t, plan.Codes, n)

	// The input queue is not modified.
	assert.Equal(t, int64(s+1), queue[0].Record.Serial)
}

func TestPlanRebase_NothingToDo(t *testing.T) {
	queue := []*models.JournalItem{
		queued(-1, models.EntryCreate, provisionalUnit(t, "ROOT", 3, "BASE-2")),
		queued(-2, models.EntryCreate, provisionalUnit(t, "ROOT", 4, "BASE-2")),
	}
	plan, err := PlanRebase(queue, map[models.TableScope]int64{{Table: models.KindBase, Scope: "ROOT"}: 2})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestPlanRebase_SkipsSettledEntries(t *testing.T) {
	modified := queued(-1, models.EntryCreate, provisionalUnit(t, "ROOT", 3, "BASE-2"))
	modified.Entry.Status = models.StatusModified
	rejected := queued(-2, models.EntryCreate, provisionalUnit(t, "ROOT", 3, "BASE-2"))
	rejected.Entry.Status = models.StatusRejected
	live := queued(-3, models.EntryCreate, provisionalUnit(t, "ROOT", 4, "BASE-2"))

	plan, err := PlanRebase([]*models.JournalItem{modified, rejected, live}, map[models.TableScope]int64{{Table: models.KindBase, Scope: "ROOT"}: 5})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, int64(-3), plan.Steps[0].OldSerial)
	assert.Equal(t, int64(6), plan.Steps[0].Replacement.Record.Serial)
}

func TestPlanRebase_DependentsFollowRenumberedCreation(t *testing.T) {
	unitRec := provisionalUnit(t, "ROOT", 3, "BASE-2")
	create := queued(-1, models.EntryCreate, unitRec)

	// Unrelated work queued in between keeps its place.
	job := &models.Record{Kind: models.KindJob, Code: "TMP-JOB-2", Serial: 2, Scope: models.GlobalScope, Period: models.PermanentPeriod, Body: &models.Job{Title: "Clerk"}}
	unrelated := queued(-2, models.EntryCreate, job)

	updated := unitRec.Clone()
	updated.Body.(*models.Base).FullName = "renamed"
	update := queued(-3, models.EntryUpdate, updated)

	child := provisionalUnit(t, "ROOT", 4, unitRec.Code)
	childCreate := queued(-4, models.EntryCreate, child)

	plan, err := PlanRebase([]*models.JournalItem{create, unrelated, update, childCreate},
		map[models.TableScope]int64{{Table: models.KindBase, Scope: "ROOT"}: 3, {Table: models.KindJob, Scope: models.GlobalScope}: 1})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, []int64{-1, -3, -4}, []int64{plan.Steps[0].OldSerial, plan.Steps[1].OldSerial, plan.Steps[2].OldSerial})

	assert.Equal(t, "TMP-ROOT-BASE-4", plan.Steps[0].Replacement.Entry.Key)

	upd := plan.Steps[1].Replacement
	assert.Equal(t, models.EntryUpdate, upd.Entry.Type)
	assert.Equal(t, "TMP-ROOT-BASE-4", upd.Entry.Key)
	assert.Equal(t, "TMP-ROOT-BASE-4", upd.Record.Code)
	assert.Equal(t, int64(4), upd.Record.Serial)
	assert.Equal(t, "renamed", upd.Record.Body.(*models.Base).FullName)

	ch := plan.Steps[2].Replacement
	assert.Equal(t, "TMP-ROOT-BASE-5", ch.Record.Code)
	assert.Equal(t, "TMP-ROOT-BASE-4", ch.Record.Body.(*models.Base).Parent)

	assert.Equal(t, map[string]string{
		"TMP-ROOT-BASE-3": "TMP-ROOT-BASE-4",
		"TMP-ROOT-BASE-4": "TMP-ROOT-BASE-5",
	}, plan.Codes)
}

func TestPlanRebase_LaterCreationInMovedPairIsRequeued(t *testing.T) {
	// A dependent contract is requeued without renumbering; the next contract
	// in the same pair must stay behind it.
	unitRec := provisionalUnit(t, "ROOT", 3, "BASE-2")
	c1 := &models.Record{Kind: models.KindJobContract, Code: "TMP-ROOT-JOBCONTRACT-2026-1", Serial: 1, Scope: "ROOT", Period: "2026",
		Body: &models.JobContract{User: "USER-1", WorkBase: unitRec.Code, Job: "JOB-1"}}
	c2 := &models.Record{Kind: models.KindJobContract, Code: "TMP-ROOT-JOBCONTRACT-2026-2", Serial: 2, Scope: "ROOT", Period: "2026",
		Body: &models.JobContract{User: "USER-1", WorkBase: "BASE-2", Job: "JOB-1"}}
	queue := []*models.JournalItem{
		queued(-1, models.EntryCreate, unitRec),
		queued(-2, models.EntryCreate, c1),
		queued(-3, models.EntryCreate, c2),
	}

	plan, err := PlanRebase(queue, map[models.TableScope]int64{{Table: models.KindBase, Scope: "ROOT"}: 3})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "TMP-ROOT-JOBCONTRACT-2026-1", plan.Steps[1].Replacement.Record.Code)
	assert.Equal(t, "TMP-ROOT-BASE-4", plan.Steps[1].Replacement.Record.Body.(*models.JobContract).WorkBase)
	assert.Equal(t, "TMP-ROOT-JOBCONTRACT-2026-2", plan.Steps[2].Replacement.Record.Code)
	assert.Len(t, plan.Codes, 1)
}

func TestRebase_UsesRemoteHighest(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t)
	e, local := loggedIn(t, master)

	_, err := e.Create(ctx, unit("ROOT", "EAST", SeedRootBase))
	require.NoError(t, err)
	// The master moves ahead without this replica downloading it.
	commitDirect(t, master, &models.Record{Kind: models.KindBase, Serial: 1, Scope: "ROOT", Body: &models.Base{Identifier: "WEST", Parent: SeedRootBase}})
	commitDirect(t, master, &models.Record{Kind: models.KindBase, Serial: 2, Scope: "ROOT", Body: &models.Base{Identifier: "NORTH", Parent: SeedRootBase}})

	plan, err := Rebase(ctx, local, master)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TMP-ROOT-BASE-1": "TMP-ROOT-BASE-3"}, plan.Codes)

	queue, err := local.QueuedEntries()
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, models.StatusModified, queue[0].Entry.Status)
	assert.Equal(t, "TMP-ROOT-BASE-3", queue[1].Entry.Key)
}
