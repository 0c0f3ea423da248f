package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
)

// Status is the terminal state of an upload or sync.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusConflict Status = "CONFLICT"
	StatusError    Status = "ERROR"
)

// UploadResult reports an upload pass. Accepted lists the entries the remote
// authority accepted, stamped with their real serials, in commit order.
type UploadResult struct {
	Status   Status
	Reason   string
	Accepted []*models.JournalEntry
}

// Progress is called while a sync runs.
type Progress func(phase string, current, total int)

// Upload commits every UNSUBMITTED queued entry in queue order. It stops at
// the first CONFLICT or failure; entries accepted before that stay accepted.
// Provisional rows are purged only when the whole queue went through.
func Upload(ctx context.Context, local LocalStore, master remote.Master, logger *slog.Logger, progress Progress) (*UploadResult, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}

	queue, err := local.QueuedEntries()
	if err != nil {
		return nil, storageErr("read queue", err)
	}
	var pending []*models.JournalItem
	for _, item := range queue {
		if item.Entry.Status == models.StatusUnsubmitted {
			pending = append(pending, item)
		}
	}

	result := &UploadResult{Status: StatusSuccess}
	for i, item := range pending {
		progress("uploading", i+1, len(pending))
		out := stripProvisional(item)

		res, err := master.Commit(ctx, out)
		if err != nil {
			logger.Warn("commit failed", "key", out.Entry.Key, "error", err)
			result.Status, result.Reason = StatusError, fmt.Sprintf("commit %s: %v", out.Entry.Key, err)
			return result, nil
		}

		switch res.Outcome {
		case remote.OutcomeAccepted:
			if err := local.MarkAccepted(item.Entry.Serial); err != nil {
				return nil, storageErr("mark accepted", err)
			}
			out.Entry.Serial = res.Serial
			out.Entry.Status = models.StatusAccepted
			out.Entry.ProcessedTimestamp = res.ProcessedAt
			result.Accepted = append(result.Accepted, out.Entry)
			logger.Debug("entry accepted", "key", out.Entry.Key, "serial", res.Serial, "replayed", res.Replayed)
		case remote.OutcomeConflict:
			logger.Info("commit conflict", "key", out.Entry.Key, "reason", res.Reason)
			result.Status, result.Reason = StatusConflict, res.Reason
			return result, nil
		default:
			logger.Warn("commit refused", "key", out.Entry.Key, "reason", res.Reason)
			result.Status, result.Reason = StatusError, fmt.Sprintf("%s %s: %s", out.Entry.Type, out.Entry.Key, res.Reason)
			return result, nil
		}
	}

	if len(result.Accepted) > 0 {
		purged, err := local.PurgeProvisional()
		if err != nil {
			return nil, storageErr("purge provisional rows", err)
		}
		logger.Debug("provisional rows purged", "count", purged)
	}
	return result, nil
}

// stripProvisional returns a copy of item with TMP- removed from its key,
// record code and every reference.
func stripProvisional(item *models.JournalItem) *models.JournalItem {
	out := item.Clone()
	out.Entry.Key = models.StripProvisional(out.Entry.Key)
	out.Record.Code = models.StripProvisional(out.Record.Code)
	if out.Record.Body != nil {
		for _, ref := range out.Record.Body.Refs() {
			*ref = models.StripProvisional(*ref)
		}
	}
	return out
}
