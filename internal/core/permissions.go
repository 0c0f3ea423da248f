package core

import (
	"slices"
	"strings"

	"github.com/h3org/h3sync/internal/models"
)

// Grant is one action the session may perform: a direct contract grant or a
// delegation handed to the current contract.
type Grant struct {
	Action  string
	Reach   string
	Maximum int
	// Source is the contract action or delegation record granting it.
	Source *models.Record
	// DelegatedFrom is set for delegations.
	DelegatedFrom string
}

// Actions returns the grants of the current contract followed by the
// delegations to it that are in force today.
func (e *Engine) Actions() ([]Grant, error) {
	e.mu.RLock()
	contract := e.contract
	e.mu.RUnlock()
	if contract == nil {
		return nil, ErrNotLoggedIn
	}

	rows, err := e.local.ListRecords(models.KindContractAction)
	if err != nil {
		return nil, storageErr("list contract actions", err)
	}
	var out []Grant
	for _, row := range rows {
		ca := row.Record.Body.(*models.ContractAction)
		if ca.Contract != contract.Code {
			continue
		}
		out = append(out, Grant{Action: ca.Action, Reach: ca.Reach, Maximum: ca.Maximum, Source: row.Record})
	}

	rows, err = e.local.ListRecords(models.KindDelegation)
	if err != nil {
		return nil, storageErr("list delegations", err)
	}
	today := e.opts.Now()
	for _, row := range rows {
		d := row.Record.Body.(*models.Delegation)
		if d.DelegatedTo != contract.Code || !d.Covers(today) {
			continue
		}
		out = append(out, Grant{
			Action:        d.Action,
			Reach:         d.Reach,
			Maximum:       d.Maximum,
			Source:        row.Record,
			DelegatedFrom: d.DelegatedFrom,
		})
	}
	return out, nil
}

// VisibleUsers returns the replicated users holding a contract at one of the
// visible units, sorted by code.
func (e *Engine) VisibleUsers() ([]*models.Record, error) {
	vis := e.Visibility()
	if vis == nil {
		return nil, ErrNotLoggedIn
	}

	rows, err := e.local.ListRecords(models.KindJobContract)
	if err != nil {
		return nil, storageErr("list contracts", err)
	}
	codes := make(map[string]bool)
	for _, row := range rows {
		c := row.Record.Body.(*models.JobContract)
		if slices.Contains(vis.Units, c.WorkBase) {
			codes[c.User] = true
		}
	}

	rows, err = e.local.ListRecords(models.KindUser)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	var out []*models.Record
	for _, row := range rows {
		if codes[row.Record.Code] {
			out = append(out, row.Record)
		}
	}
	slices.SortFunc(out, func(a, b *models.Record) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}
