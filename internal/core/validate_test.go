package core

import (
	"context"
	"testing"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidation(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t)
	twoRootUnits(t, master)
	e, _ := loggedIn(t, master)

	tests := []struct {
		name   string
		run    func() error
		reason string
	}{
		{
			name: "missing identifier",
			run: func() error {
				_, err := e.Create(ctx, unit("ROOT", "", SeedRootBase))
				return err
			},
			reason: "identifier is required",
		},
		{
			name: "unknown parent",
			run: func() error {
				_, err := e.Create(ctx, unit("ROOT", "EAST", "ROOT-BASE-99"))
				return err
			},
			reason: "parent ROOT-BASE-99 does not exist",
		},
		{
			name: "duplicate identifier",
			run: func() error {
				_, err := e.Create(ctx, unit("ROOT", "NORTH", SeedRootBase))
				return err
			},
			reason: "identifier NORTH is already used",
		},
		{
			name: "cycle",
			run: func() error {
				row, err := e.Get(models.KindBase, SeedRootBase)
				require.NoError(t, err)
				rec := row.Record.Clone()
				rec.Body.(*models.Base).Parent = "ROOT-BASE-1"
				_, err = e.Update(ctx, rec)
				return err
			},
			reason: "would create a cycle",
		},
		{
			name: "self parent outside the global unit",
			run: func() error {
				row, err := e.Get(models.KindBase, "ROOT-BASE-1")
				require.NoError(t, err)
				rec := row.Record.Clone()
				rec.Body.(*models.Base).Parent = rec.Code
				_, err = e.Update(ctx, rec)
				return err
			},
			reason: "may be its own parent",
		},
		{
			name: "delete unit with children",
			run: func() error {
				_, err := e.Delete(ctx, models.KindBase, SeedRootBase)
				return err
			},
			reason: "still has child",
		},
		{
			name: "contract at unknown unit",
			run: func() error {
				_, err := e.Create(ctx, &models.Record{Kind: models.KindJobContract, Scope: "ROOT", Body: &models.JobContract{
					User: SeedRootUser, WorkBase: "ROOT-BASE-42", Job: SeedRootJob, StartDate: testNow,
				}})
				return err
			},
			reason: "bases ROOT-BASE-42 does not exist",
		},
		{
			name: "contract ending before it starts",
			run: func() error {
				_, err := e.Create(ctx, &models.Record{Kind: models.KindJobContract, Scope: "ROOT", Body: &models.JobContract{
					User: SeedRootUser, WorkBase: SeedRootBase, Job: SeedRootJob, StartDate: testNow, EndDate: testNow.Add(-24 * time.Hour),
				}})
				return err
			},
			reason: "end_date is before start_date",
		},
		{
			name: "update of missing record",
			run: func() error {
				_, err := e.Update(ctx, &models.Record{Kind: models.KindJob, Code: "JOB-77", Body: &models.Job{}})
				return err
			},
			reason: "record does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.reason)
		})
	}

	queue, err := e.Queue()
	require.NoError(t, err)
	assert.Empty(t, queue, "rejected records never reach the queue")
}

func TestValidation_GlobalUnitMayParentItself(t *testing.T) {
	master := newMaster(t)
	e, _ := loggedIn(t, master)

	row, err := e.Get(models.KindBase, SeedGlobalBase)
	require.NoError(t, err)
	rec := row.Record.Clone()
	rec.Body.(*models.Base).FullName = "Everything"
	_, err = e.Update(context.Background(), rec)
	assert.NoError(t, err)
}
