package core

import (
	"context"
	"fmt"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/store"
)

// PlanRebase renumbers the UNSUBMITTED creations in queue so that, per
// (table, scope), they follow highest contiguously in queue order.
//
// A renumbered creation is re-queued under its new provisional code. Every
// later entry that depends on a re-queued creation is re-queued behind it:
// updates and deletes of it, records referencing it, and later creations in
// the same pair. Entries that depend on nothing moved keep their place.
// PlanRebase does no I/O.
func PlanRebase(queue []*models.JournalItem, highest map[models.TableScope]int64) (*store.RebasePlan, error) {
	tracked := make(map[models.TableScope]int64, len(highest))
	for k, v := range highest {
		tracked[k] = v
	}

	plan := &store.RebasePlan{Codes: make(map[string]string)}
	serials := make(map[string]int64)
	moved := make(map[string]bool)
	movedPairs := make(map[models.TableScope]bool)

	for _, item := range queue {
		if item.Entry.Status != models.StatusUnsubmitted || item.Record == nil {
			continue
		}
		rec := item.Record
		repl := item.Clone()

		requeue := moved[item.Entry.Key]
		for _, ref := range rec.References() {
			if moved[ref] {
				requeue = true
			}
		}
		if repl.Record.RemapReferences(plan.Codes) {
			requeue = true
		}

		if item.Entry.Type == models.EntryCreate {
			pair := models.TableScope{Table: rec.Kind, Scope: rec.Scope}
			if movedPairs[pair] {
				requeue = true
			}
			tracked[pair]++
			if next := tracked[pair]; next != rec.Serial {
				repl.Record.Serial = next
				code, err := models.BuildProvisionalCode(repl.Record)
				if err != nil {
					return nil, fmt.Errorf("rebase %s: %w", rec.Code, err)
				}
				repl.Record.Code, repl.Entry.Key = code, code
				plan.Codes[rec.Code] = code
				serials[rec.Code] = next
				requeue = true
			}
			if requeue {
				moved[rec.Code], moved[repl.Record.Code] = true, true
				movedPairs[pair] = true
			}
		} else if to, ok := plan.Codes[item.Entry.Key]; ok {
			repl.Entry.Key, repl.Record.Code = to, to
			repl.Record.Serial = serials[item.Entry.Key]
			requeue = true
		}

		if requeue {
			plan.Steps = append(plan.Steps, store.RebaseStep{OldSerial: item.Entry.Serial, Replacement: repl})
		}
	}
	return plan, nil
}

// rebaseHighest returns, for every pair with a queued creation, the larger of
// the local and the authoritative highest serial.
func rebaseHighest(ctx context.Context, local LocalStore, master remote.Master, queue []*models.JournalItem) (map[models.TableScope]int64, error) {
	highest := make(map[models.TableScope]int64)
	for _, item := range queue {
		if item.Entry.Type != models.EntryCreate || item.Entry.Status != models.StatusUnsubmitted {
			continue
		}
		pair := models.TableScope{Table: item.Record.Kind, Scope: item.Record.Scope}
		if _, done := highest[pair]; done {
			continue
		}
		mine, err := local.HighestSerial(pair.Table, pair.Scope)
		if err != nil {
			return nil, storageErr("read highest serial", err)
		}
		theirs, err := master.HighestSyncedSerial(ctx, pair.Table, pair.Scope)
		if err != nil {
			return nil, storageErr("read remote highest serial", err)
		}
		highest[pair] = max(mine, theirs)
	}
	return highest, nil
}

// Rebase plans and applies a rebase of the local queue in one transaction.
// It returns the applied plan.
func Rebase(ctx context.Context, local LocalStore, master remote.Master) (*store.RebasePlan, error) {
	queue, err := local.QueuedEntries()
	if err != nil {
		return nil, storageErr("read queue", err)
	}
	highest, err := rebaseHighest(ctx, local, master, queue)
	if err != nil {
		return nil, err
	}
	plan, err := PlanRebase(queue, highest)
	if err != nil {
		return nil, err
	}
	if err := local.ApplyRebase(plan); err != nil {
		return nil, storageErr("apply rebase", err)
	}
	return plan, nil
}
