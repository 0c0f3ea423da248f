package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_JSONDispatchesBodyByTable(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &Record{
		Kind:   KindJobContract,
		Code:   "ROOT-JOBCONTRACT-2024-7",
		Serial: 7,
		Scope:  "ROOT",
		Period: "2024",
		Body:   &JobContract{User: "USER-3", WorkBase: "BASE-2", Job: "JOB-1", StartDate: start},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec.Code, got.Code)
	assert.Equal(t, rec.Serial, got.Serial)
	assert.Equal(t, rec.Scope, got.Scope)
	assert.Equal(t, rec.Period, got.Period)

	body, ok := got.Body.(*JobContract)
	require.True(t, ok, "body should decode as *JobContract, got %T", got.Body)
	assert.Equal(t, "BASE-2", body.WorkBase)
	assert.True(t, start.Equal(body.StartDate))
}

func TestRecord_UnmarshalUnknownTable(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"table":"widgets","code":"W-1"}`), &r)
	assert.Error(t, err)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := &Record{Kind: KindBase, Code: "ROOT-BASE-3", Serial: 3, Scope: "ROOT", Period: PermanentPeriod,
		Body: &Base{Identifier: "NRB", Parent: "BASE-2"}}

	c := rec.Clone()
	c.Body.(*Base).Parent = "BASE-9"
	c.Code = "X"

	assert.Equal(t, "BASE-2", rec.Body.(*Base).Parent)
	assert.Equal(t, "ROOT-BASE-3", rec.Code)
}

func TestRecord_RemapReferences(t *testing.T) {
	rec := &Record{Kind: KindDelegation, Scope: "ROOT", Period: "2024", Body: &Delegation{
		Action: "ACTION-1", DelegatedFrom: "TMP-ROOT-JOBCONTRACT-2024-2", DelegatedTo: "ROOT-JOBCONTRACT-2024-3",
	}}

	// Chained mappings are applied once per reference.
	changed := rec.RemapReferences(map[string]string{
		"TMP-ROOT-JOBCONTRACT-2024-2": "ROOT-JOBCONTRACT-2024-3",
		"ROOT-JOBCONTRACT-2024-3":     "ROOT-JOBCONTRACT-2024-4",
	})
	assert.True(t, changed)
	d := rec.Body.(*Delegation)
	assert.Equal(t, "ROOT-JOBCONTRACT-2024-3", d.DelegatedFrom)
	assert.Equal(t, "ROOT-JOBCONTRACT-2024-4", d.DelegatedTo)

	assert.False(t, rec.RemapReferences(map[string]string{"nope": "x"}))
	assert.ElementsMatch(t, []string{"ACTION-1", "ROOT-JOBCONTRACT-2024-3", "ROOT-JOBCONTRACT-2024-4"}, rec.References())
}

func TestRecord_Validate(t *testing.T) {
	ok := &Record{Kind: KindBase, Scope: "ROOT", Period: PermanentPeriod, Body: &Base{Identifier: "NRB", Parent: "BASE-2"}}
	assert.NoError(t, ok.Validate())

	mismatched := &Record{Kind: KindUser, Scope: "ROOT", Period: PermanentPeriod, Body: &Base{Identifier: "NRB", Parent: "BASE-2"}}
	assert.Error(t, mismatched.Validate())

	noScope := &Record{Kind: KindUser, Period: PermanentPeriod, Body: &User{Login: "x"}}
	assert.Error(t, noScope.Validate())

	backwards := &Record{Kind: KindJobContract, Scope: "ROOT", Period: "2024", Body: &JobContract{
		User: "USER-1", WorkBase: "BASE-2", Job: "JOB-1",
		StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}}
	assert.Error(t, backwards.Validate())
}

func TestDefaultPeriod(t *testing.T) {
	assert.Equal(t, PermanentPeriod, DefaultPeriod(&Base{}))
	assert.Equal(t, "1900", DefaultPeriod(&JobContract{StartDate: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)}))
	assert.Equal(t, PermanentPeriod, DefaultPeriod(&Delegation{}))
}

func TestJobContract_Covers(t *testing.T) {
	day := func(m int) time.Time { return time.Date(2024, time.Month(m), 1, 0, 0, 0, 0, time.UTC) }
	c := &JobContract{StartDate: day(2), EndDate: day(6)}
	assert.False(t, c.Covers(day(1)))
	assert.True(t, c.Covers(day(2)))
	assert.True(t, c.Covers(day(6)))
	assert.False(t, c.Covers(day(7)))

	open := &JobContract{StartDate: day(2)}
	assert.True(t, open.Covers(day(12)))
}

func TestVisibility_Allows(t *testing.T) {
	vis := &Visibility{Scopes: []string{"ROOT", GlobalScope}, Origins: []string{"USER-7", "NRB-JOBCONTRACT-2024-1"}}

	item := func(kind Kind, key, scope string, body Body) *JournalItem {
		return &JournalItem{
			Entry:  &JournalEntry{Table: kind, Key: key},
			Record: &Record{Kind: kind, Code: key, Scope: scope, Body: body},
		}
	}

	assert.True(t, vis.Allows(item(KindUser, "ROOT-USER-4", "ROOT", &User{})), "scope match")
	assert.False(t, vis.Allows(item(KindUser, "NRB-USER-4", "NRB", &User{})), "foreign scope")
	assert.True(t, vis.Allows(item(KindUser, "USER-7", "NRB", &User{})), "own user")
	assert.True(t, vis.Allows(item(KindContractAction, "NRB-CONTRACTACTION-2024-2", "NRB",
		&ContractAction{Contract: "NRB-JOBCONTRACT-2024-1", Action: "ACTION-1"})), "references own contract")
	assert.True(t, vis.Allows(item(KindBase, "NRB-BASE-1", "NRB", &Base{})), "public kind")

	del := &JournalItem{Entry: &JournalEntry{Table: KindUser, Key: "NRB-USER-9"}}
	assert.False(t, vis.Allows(del))
}
