package core

import (
	"errors"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/store"
)

// validateRecord checks rec against its own constraints and against the
// replica: referenced public records must exist and the unit tree must stay
// acyclic with unique identifiers.
func validateRecord(local LocalStore, rec *models.Record, globalScope string) error {
	if err := rec.Validate(); err != nil {
		return invalid(rec, "%v", err)
	}
	if b, ok := rec.Body.(*models.Base); ok {
		if err := validateBase(local, rec, b, globalScope); err != nil {
			return err
		}
	}
	for _, ref := range publicRefs(rec) {
		if ref.code == "" {
			continue
		}
		found, err := exists(local, ref.kind, ref.code)
		if err != nil {
			return err
		}
		if !found {
			return invalid(rec, "%s %s does not exist", ref.kind, ref.code)
		}
	}
	return nil
}

type typedRef struct {
	kind models.Kind
	code string
}

// publicRefs lists references to public kinds, which every replica holds in
// full and can therefore check.
func publicRefs(rec *models.Record) []typedRef {
	switch b := rec.Body.(type) {
	case *models.JobContract:
		return []typedRef{{models.KindBase, b.WorkBase}, {models.KindJob, b.Job}}
	case *models.ContractAction:
		return []typedRef{{models.KindAction, b.Action}, {models.KindBase, b.Reach}}
	case *models.Delegation:
		return []typedRef{{models.KindAction, b.Action}, {models.KindBase, b.Reach}}
	}
	return nil
}

func validateBase(local LocalStore, rec *models.Record, b *models.Base, globalScope string) error {
	if b.Parent == rec.Code {
		if b.Identifier != globalScope {
			return invalid(rec, "only the %s unit may be its own parent", globalScope)
		}
		return nil
	}

	rows, err := local.ListRecords(models.KindBase)
	if err != nil {
		return storageErr("list bases", err)
	}
	parents := make(map[string]string, len(rows))
	for _, row := range rows {
		other := row.Record.Body.(*models.Base)
		parents[row.Record.Code] = other.Parent
		if row.Record.Code != rec.Code && other.Identifier == b.Identifier {
			return invalid(rec, "identifier %s is already used by %s", b.Identifier, row.Record.Code)
		}
	}
	if _, ok := parents[b.Parent]; !ok {
		return invalid(rec, "parent %s does not exist", b.Parent)
	}

	seen := map[string]bool{rec.Code: true}
	for at := b.Parent; ; {
		if seen[at] {
			return invalid(rec, "parent %s would create a cycle", b.Parent)
		}
		seen[at] = true
		next, ok := parents[at]
		if !ok || next == at {
			return nil
		}
		at = next
	}
}

// validateDelete refuses to orphan units.
func validateDelete(local LocalStore, rec *models.Record) error {
	if rec.Kind != models.KindBase {
		return nil
	}
	rows, err := local.ListRecords(models.KindBase)
	if err != nil {
		return storageErr("list bases", err)
	}
	for _, row := range rows {
		if row.Record.Code != rec.Code && row.Record.Body.(*models.Base).Parent == rec.Code {
			return invalid(rec, "unit still has child %s", row.Record.Code)
		}
	}
	return nil
}

func exists(local LocalStore, kind models.Kind, code string) (bool, error) {
	_, err := local.GetRecord(kind, code)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, storageErr("read "+string(kind), err)
}
