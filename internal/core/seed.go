package core

import (
	"context"
	"fmt"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
)

// Codes of the root data written by SeedRoot.
const (
	SeedGlobalBase   = "BASE-1"
	SeedRootBase     = "BASE-2"
	SeedRootUser     = "USER-1"
	SeedRootJob      = "JOB-1"
	SeedRootContract = "ROOT-JOBCONTRACT-1900-1"
)

// SeedOptions configures SeedRoot.
type SeedOptions struct {
	Login    string
	Password string
	Now      func() time.Time
}

// SeedRoot writes the minimal root data an empty master needs before the
// first client can log in: the global unit, the ROOT unit, a root user with a
// job and an open-ended contract at ROOT. It returns false without error when
// the master is already seeded.
func SeedRoot(ctx context.Context, master remote.Master, opts SeedOptions) (bool, error) {
	if opts.Login == "" {
		opts.Login = "root"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	hash := ""
	if opts.Password != "" {
		var err error
		if hash, err = HashPassword(opts.Password); err != nil {
			return false, err
		}
	}
	now := opts.Now().UTC()

	records := []*models.Record{
		{Kind: models.KindBase, Code: SeedGlobalBase, Serial: 1, Scope: models.GlobalScope, Period: models.PermanentPeriod,
			Body: &models.Base{Identifier: models.GlobalScope, Parent: SeedGlobalBase, FullName: "Global"}},
		{Kind: models.KindBase, Code: SeedRootBase, Serial: 2, Scope: models.GlobalScope, Period: models.PermanentPeriod,
			Body: &models.Base{Identifier: "ROOT", Parent: SeedGlobalBase, FullName: "Root"}},
		{Kind: models.KindUser, Code: SeedRootUser, Serial: 1, Scope: models.GlobalScope, Period: models.PermanentPeriod,
			Body: &models.User{Login: opts.Login, PasswordHash: hash, CreatedDate: now}},
		{Kind: models.KindJob, Code: SeedRootJob, Serial: 1, Scope: models.GlobalScope, Period: models.PermanentPeriod,
			Body: &models.Job{Title: "Administrator"}},
		{Kind: models.KindJobContract, Code: SeedRootContract, Serial: 1, Scope: "ROOT", Period: "1900",
			Body: &models.JobContract{
				User:      SeedRootUser,
				WorkBase:  SeedRootBase,
				Job:       SeedRootJob,
				JobTitle:  "Administrator",
				StartDate: time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC),
			}},
	}

	for i, rec := range records {
		item := &models.JournalItem{
			Entry: &models.JournalEntry{
				Origin:         SeedRootContract,
				Type:           models.EntryCreate,
				Table:          rec.Kind,
				Key:            rec.Code,
				LocalTimestamp: now,
			},
			Record: rec,
		}
		res, err := master.Commit(ctx, item)
		if err != nil {
			return false, fmt.Errorf("seed %s: %w", rec.Code, err)
		}
		switch res.Outcome {
		case remote.OutcomeAccepted:
		case remote.OutcomeConflict:
			if i == 0 {
				return false, nil
			}
			return false, fmt.Errorf("seed %s: partially seeded master: %s", rec.Code, res.Reason)
		default:
			return false, fmt.Errorf("seed %s: %s", rec.Code, res.Reason)
		}
	}
	return true, nil
}
