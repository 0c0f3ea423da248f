package core

import (
	"context"
	"testing"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripProvisional(t *testing.T) {
	rec := &models.Record{Kind: models.KindJobContract, Code: "TMP-EAST-JOBCONTRACT-2026-1", Serial: 1, Scope: "EAST", Period: "2026",
		Body: &models.JobContract{User: "USER-1", WorkBase: "TMP-ROOT-BASE-3", Job: "TMP-JOB-2"}}
	item := queued(-1, models.EntryCreate, rec)

	out := stripProvisional(item)
	assert.Equal(t, "EAST-JOBCONTRACT-2026-1", out.Entry.Key)
	assert.Equal(t, "EAST-JOBCONTRACT-2026-1", out.Record.Code)
	c := out.Record.Body.(*models.JobContract)
	assert.Equal(t, "ROOT-BASE-3", c.WorkBase)
	assert.Equal(t, "JOB-2", c.Job)
	assert.Equal(t, "USER-1", c.User)

	// The queued copy keeps its provisional codes.
	assert.Equal(t, "TMP-ROOT-BASE-3", rec.Body.(*models.JobContract).WorkBase)
}

func TestUpload_StopsAtConflictKeepingEarlierAccepts(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t)
	e, local := loggedIn(t, master)

	_, err := e.Create(ctx, &models.Record{Kind: models.KindJob, Body: &models.Job{Title: "Clerk"}})
	require.NoError(t, err)
	_, err = e.Create(ctx, unit("ROOT", "EAST", SeedRootBase))
	require.NoError(t, err)
	_, err = e.Create(ctx, unit("ROOT", "WEST", SeedRootBase))
	require.NoError(t, err)
	// Someone else takes ROOT-BASE-1.
	commitDirect(t, master, &models.Record{Kind: models.KindBase, Serial: 1, Scope: "ROOT", Body: &models.Base{Identifier: "NORTH", Parent: SeedRootBase}})

	var phases []int
	res, err := Upload(ctx, local, master, discardLogger(), func(phase string, current, total int) {
		assert.Equal(t, "uploading", phase)
		assert.Equal(t, 3, total)
		phases = append(phases, current)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "JOB-2", res.Accepted[0].Key)
	assert.Positive(t, res.Accepted[0].Serial)
	assert.Equal(t, []int{1, 2}, phases)

	queue, err := local.QueuedEntries()
	require.NoError(t, err)
	require.Len(t, queue, 2)

	// Provisional rows are only purged after a clean batch.
	row, err := local.GetRecord(models.KindJob, "TMP-JOB-2")
	require.NoError(t, err)
	assert.True(t, row.Provisional)
}

func TestUpload_EmptyQueue(t *testing.T) {
	master := newMaster(t)
	res, err := Upload(context.Background(), newReplica(t), master, discardLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Accepted)
}

var _ remote.Master = (*trackingMaster)(nil)
