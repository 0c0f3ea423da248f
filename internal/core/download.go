package core

import (
	"context"
	"log/slog"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
)

// DownloadResult reports a download pass.
type DownloadResult struct {
	Applied int
	Cursor  int64
	// BaseTreeChanged is set when a unit was created, moved or removed, so
	// visibility must be recomputed.
	BaseTreeChanged bool
	// Highest holds the largest serial seen per pair in this pass.
	Highest map[models.TableScope]int64
}

// Download applies every visible journal item past the local cursor, one
// transaction per item. The cursor only moves past items that applied
// cleanly, so a failed download can simply be run again.
func Download(ctx context.Context, local LocalStore, master remote.Master, vis *models.Visibility, logger *slog.Logger, progress Progress) (*DownloadResult, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}

	cursor, err := local.Cursor()
	if err != nil {
		return nil, storageErr("read cursor", err)
	}
	progress("fetching", 0, 0)
	items, err := master.JournalSince(ctx, cursor, vis)
	if err != nil {
		return nil, storageErr("fetch journal", err)
	}

	result := &DownloadResult{Cursor: cursor, Highest: make(map[models.TableScope]int64)}
	for i, item := range items {
		if item.Entry.Serial <= result.Cursor {
			continue
		}
		progress("applying", i+1, len(items))
		if err := local.Apply(item); err != nil {
			logger.Error("apply failed", "serial", item.Entry.Serial, "key", item.Entry.Key, "error", err)
			return result, storageErr("apply journal entry", err)
		}
		result.Applied++
		result.Cursor = item.Entry.Serial
		if item.Entry.Table == models.KindBase {
			result.BaseTreeChanged = true
		}
		if r := item.Record; r != nil {
			pair := models.TableScope{Table: r.Kind, Scope: r.Scope}
			result.Highest[pair] = max(result.Highest[pair], r.Serial)
		}
	}
	if result.Applied > 0 {
		logger.Info("journal applied", "count", result.Applied, "cursor", result.Cursor)
	}
	return result, nil
}
