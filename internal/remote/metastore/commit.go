package metastore

import (
	"context"
	"fmt"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
)

func failed(format string, args ...any) *remote.CommitResult {
	return &remote.CommitResult{Outcome: remote.OutcomeFailed, Reason: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *remote.CommitResult {
	return &remote.CommitResult{Outcome: remote.OutcomeConflict, Reason: fmt.Sprintf(format, args...)}
}

// checkItem rejects items no backend may store: provisional codes, records
// that fail validation, and keys that do not match the record's code.
func checkItem(item *models.JournalItem) *remote.CommitResult {
	if item == nil || item.Entry == nil {
		return failed("missing journal entry")
	}
	e, rec := item.Entry, item.Record
	if rec == nil {
		return failed("%s %s carries no record", e.Type, e.Key)
	}
	switch e.Type {
	case models.EntryCreate, models.EntryUpdate, models.EntryDelete:
	default:
		return failed("unknown entry type %q", e.Type)
	}
	if e.Table != rec.Kind {
		return failed("entry table %s does not match record kind %s", e.Table, rec.Kind)
	}
	if models.IsProvisional(e.Key) || models.IsProvisional(rec.Code) {
		return failed("provisional code %s cannot be committed", e.Key)
	}
	if e.Key != rec.Code {
		return failed("entry key %s does not match record code %s", e.Key, rec.Code)
	}
	for _, ref := range rec.References() {
		if models.IsProvisional(ref) {
			return failed("%s references provisional code %s", rec.Code, ref)
		}
	}
	if err := rec.Validate(); err != nil {
		return failed("invalid %s %s: %v", rec.Kind, rec.Code, err)
	}
	if e.Type == models.EntryCreate {
		want, err := models.BuildCode(rec)
		if err != nil {
			return failed("build code: %v", err)
		}
		if want != rec.Code {
			return failed("code %s does not match its fields (want %s)", rec.Code, want)
		}
	}
	return nil
}

// accept stamps the stored copy of an item with its journal serial.
func accept(item *models.JournalItem, serial int64, now time.Time) *models.JournalItem {
	stored := item.Clone()
	stored.Entry.Serial = serial
	stored.Entry.Status = models.StatusAccepted
	stored.Entry.ProcessedTimestamp = now
	return stored
}

func accepted(stored *models.JournalItem) *remote.CommitResult {
	return &remote.CommitResult{
		Outcome:     remote.OutcomeAccepted,
		Serial:      stored.Entry.Serial,
		ProcessedAt: stored.Entry.ProcessedTimestamp,
	}
}

// journalSince drains Query pages into one ascending list.
func journalSince(ctx context.Context, s MetaStore, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error) {
	q := remote.JournalQuery{After: cursor, Scopes: vis.Scopes, Origins: vis.Origins, Limit: DefaultPageSize}
	var out []*models.JournalItem
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.More || len(page.Items) == 0 {
			return out, nil
		}
		q.After = page.Items[len(page.Items)-1].Entry.Serial
	}
}

func queryVisibility(q remote.JournalQuery) *models.Visibility {
	return &models.Visibility{Scopes: q.Scopes, Origins: q.Origins}
}

func pageLimit(q remote.JournalQuery) int {
	if q.Limit <= 0 {
		return DefaultPageSize
	}
	return q.Limit
}
