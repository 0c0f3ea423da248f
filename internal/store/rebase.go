package store

import (
	"fmt"

	"github.com/h3org/h3sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// RebaseStep supersedes one queued entry: the old entry is marked MODIFIED
// and Replacement is queued with a fresh negative serial.
type RebaseStep struct {
	OldSerial   int64
	Replacement *models.JournalItem
}

// RebasePlan is applied by ApplyRebase in a single transaction.
type RebasePlan struct {
	// Steps are applied in order, so replacements keep their relative queue
	// order behind every entry the plan leaves in place.
	Steps []RebaseStep
	// Codes maps superseded local codes to their replacements; references in
	// local rows are rewritten accordingly.
	Codes map[string]string
}

// Empty reports whether the plan changes nothing.
func (p *RebasePlan) Empty() bool {
	return len(p.Steps) == 0
}

// ApplyRebase applies the plan atomically. Either the whole queue is rebased
// or, on error, nothing changes.
//
// Old and new provisional codes can overlap within one plan (3 becomes 4
// while 4 becomes 5), so every superseded row is removed before any
// replacement is written.
func (s *Store) ApplyRebase(plan *RebasePlan) error {
	if plan.Empty() {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, step := range plan.Steps {
			old, err := getItem(tx, step.OldSerial)
			if err != nil {
				return err
			}
			if old == nil || old.Entry.Status != models.StatusUnsubmitted {
				return fmt.Errorf("rebase %d: %w", step.OldSerial, ErrNotQueued)
			}
			old.Entry.Status = models.StatusModified
			if err := putItem(tx, old); err != nil {
				return err
			}

			// The superseded row goes only if it is still our provisional copy;
			// a downloaded record may already own that code.
			oldKey := recordKey(old.Record.Kind, old.Record.Code)
			row, err := getRow(tx, oldKey)
			if err != nil {
				return err
			}
			if row != nil && row.Provisional && old.Record.Code != step.Replacement.Record.Code {
				if err := tx.Bucket(bucketRecords).Delete(oldKey); err != nil {
					return err
				}
			}
		}

		if err := rewriteRowReferences(tx, plan.Codes); err != nil {
			return err
		}

		for _, step := range plan.Steps {
			if err := enqueue(tx, step.Replacement); err != nil {
				return err
			}
			if err := applyLocally(tx, step.Replacement); err != nil {
				return err
			}
		}
		return nil
	})
}

// rewriteRowReferences remaps references to superseded provisional codes.
// Rows edited locally may point at them too, so every row is scanned.
func rewriteRowReferences(tx *bolt.Tx, codes map[string]string) error {
	if len(codes) == 0 {
		return nil
	}
	var changed []*Row
	for _, kind := range models.Kinds {
		err := scanKind(tx, kind, func(row *Row) error {
			if row.Record.RemapReferences(codes) {
				changed = append(changed, row)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for _, row := range changed {
		if err := putRow(tx, row); err != nil {
			return err
		}
	}
	return nil
}
