package core

import (
	"testing"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEngine_Actions(t *testing.T) {
	master := newMaster(t)
	commitDirect(t, master, &models.Record{Kind: models.KindAction, Serial: 1, Scope: models.GlobalScope, Body: &models.Action{Title: "hire"}})
	commitDirect(t, master, &models.Record{Kind: models.KindAction, Serial: 2, Scope: models.GlobalScope, Body: &models.Action{Title: "sign"}})

	grant := &models.Record{Kind: models.KindContractAction, Serial: 1, Scope: "ROOT",
		Body: &models.ContractAction{Contract: SeedRootContract, Action: "ACTION-1", Reach: SeedRootBase, Maximum: 10, StartDate: day(2026, 1, 1)}}
	commitDirect(t, master, grant)
	commitDirect(t, master, &models.Record{Kind: models.KindContractAction, Serial: 2, Scope: "ROOT",
		Body: &models.ContractAction{Contract: "ROOT-JOBCONTRACT-2026-9", Action: "ACTION-2", StartDate: day(2026, 1, 1)}})

	current := &models.Record{Kind: models.KindDelegation, Serial: 1, Scope: "ROOT",
		Body: &models.Delegation{Action: "ACTION-2", DelegatedFrom: "ROOT-JOBCONTRACT-2026-9", DelegatedTo: SeedRootContract,
			StartDate: day(2026, 10, 1), EndDate: day(2026, 10, 31)}}
	commitDirect(t, master, current)
	commitDirect(t, master, &models.Record{Kind: models.KindDelegation, Serial: 2, Scope: "ROOT",
		Body: &models.Delegation{Action: "ACTION-1", DelegatedFrom: "ROOT-JOBCONTRACT-2026-9", DelegatedTo: SeedRootContract,
			StartDate: day(2026, 1, 1), EndDate: day(2026, 3, 31)}})
	commitDirect(t, master, &models.Record{Kind: models.KindDelegation, Serial: 3, Scope: "ROOT",
		Body: &models.Delegation{Action: "ACTION-1", DelegatedFrom: SeedRootContract, DelegatedTo: "ROOT-JOBCONTRACT-2026-9",
			StartDate: day(2026, 10, 1)}})

	e, _ := loggedIn(t, master)
	grants, err := e.Actions()
	require.NoError(t, err)
	require.Len(t, grants, 2, "expired and outgoing delegations are excluded")

	assert.Equal(t, "ACTION-1", grants[0].Action)
	assert.Equal(t, SeedRootBase, grants[0].Reach)
	assert.Equal(t, 10, grants[0].Maximum)
	assert.Equal(t, grant.Code, grants[0].Source.Code)
	assert.Empty(t, grants[0].DelegatedFrom)

	assert.Equal(t, "ACTION-2", grants[1].Action)
	assert.Equal(t, current.Code, grants[1].Source.Code)
	assert.Equal(t, "ROOT-JOBCONTRACT-2026-9", grants[1].DelegatedFrom)
}

func TestEngine_ActionsRequiresLogin(t *testing.T) {
	e := newEngine(t, newReplica(t), newMaster(t))
	_, err := e.Actions()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = e.VisibleUsers()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestEngine_VisibleUsers(t *testing.T) {
	master := newMaster(t)
	north := &models.Record{Kind: models.KindBase, Serial: 1, Scope: "ROOT", Body: &models.Base{Identifier: "NORTH", Parent: SeedRootBase}}
	commitDirect(t, master, north)
	outside := &models.Record{Kind: models.KindBase, Serial: 3, Scope: models.GlobalScope, Body: &models.Base{Identifier: "OTHER", Parent: SeedGlobalBase}}
	commitDirect(t, master, outside)

	for i, login := range []string{"ann", "bob", "cid"} {
		commitDirect(t, master, &models.Record{Kind: models.KindUser, Serial: int64(i + 2), Scope: models.GlobalScope, Body: &models.User{Login: login}})
	}
	contract := func(serial int64, user, base string) {
		commitDirect(t, master, &models.Record{Kind: models.KindJobContract, Serial: serial, Scope: "ROOT",
			Body: &models.JobContract{User: user, WorkBase: base, Job: SeedRootJob, StartDate: day(2026, 1, 1)}})
	}
	contract(2, "USER-2", north.Code)
	contract(3, "USER-3", outside.Code)

	e, _ := loggedIn(t, master)
	users, err := e.VisibleUsers()
	require.NoError(t, err)

	var codes []string
	for _, u := range users {
		codes = append(codes, u.Code)
	}
	assert.Equal(t, []string{SeedRootUser, "USER-2"}, codes, "users without a contract or working outside the visible units are hidden")
}
