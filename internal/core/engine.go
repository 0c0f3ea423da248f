package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/store"
)

// Keys of the session state kept in the replica's key-value bucket.
const (
	keyUser            = "session.user"
	keyContract        = "session.contract"
	keyVisibility      = "session.visibility"
	keyVisibilityDirty = "session.visibility_dirty"
)

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	// GlobalScope is the scope token of the global root unit.
	GlobalScope string
	Logger      *slog.Logger
	Now         func() time.Time
	Progress    Progress
}

// Engine is one client session: it owns the replica and the master handle,
// the logged-in user, their current contract and visibility. Engines share
// nothing; construct one per session.
type Engine struct {
	local  LocalStore
	master remote.Master
	opts   Options
	logger *slog.Logger

	syncMu sync.Mutex

	mu       sync.RWMutex
	user     string
	contract *models.Record
	vis      *models.Visibility
}

// NewEngine creates an engine. Call Login or Resume before mutating records.
func NewEngine(local LocalStore, master remote.Master, opts Options) *Engine {
	if opts.GlobalScope == "" {
		opts.GlobalScope = models.GlobalScope
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{local: local, master: master, opts: opts, logger: opts.Logger.With("component", "engine")}
}

// SyncResult reports a sync call.
type SyncResult struct {
	Outcome Outcome
	// Uploaded counts accepted entries across both upload passes.
	Uploaded   int
	Downloaded int
	// Renumbered counts creations that received a new code; Requeued counts
	// every entry the rebase moved to the back of the queue.
	Renumbered int
	Requeued   int
}

// Outcome is the caller-facing result of a mutation or sync.
type Outcome struct {
	Status Status
	Reason string
}

// Err maps a non-success outcome to an error matching ErrConflict or
// ErrStorage.
func (r *SyncResult) Err() error {
	switch r.Outcome.Status {
	case StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, r.Outcome.Reason)
	case StatusError:
		return &StorageError{Op: "upload", Err: errors.New(r.Outcome.Reason)}
	}
	return nil
}

// User returns the logged-in user code.
func (e *Engine) User() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.user
}

// CurrentContract returns the contract chosen at login.
func (e *Engine) CurrentContract() *models.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contract.Clone()
}

// Visibility returns the replicated slice of the journal.
func (e *Engine) Visibility() *models.Visibility {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.vis == nil {
		return nil
	}
	v := *e.vis
	return &v
}

// Login starts a session for user. On a fresh replica it first downloads the
// public tables and the user's own records, then picks the contract in force
// today and derives visibility from it. When visibility widened since the
// last session the cursor is reset and the journal replayed.
func (e *Engine) Login(ctx context.Context, user string) error {
	prev, err := e.loadVisibility()
	if err != nil {
		return err
	}

	contracts, err := e.contractsOf(user)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		boot := &models.Visibility{Scopes: []string{e.opts.GlobalScope}, Origins: []string{user}}
		if err := e.widen(ctx, prev, boot); err != nil {
			return err
		}
		prev = boot
		if contracts, err = e.contractsOf(user); err != nil {
			return err
		}
	}

	current := CurrentContract(user, contracts, e.opts.Now())
	if current == nil {
		return fmt.Errorf("login %s: %w", user, ErrNoContract)
	}
	vis, err := e.resolve(user, current, contracts)
	if err != nil {
		return err
	}
	if err := e.widen(ctx, prev, vis); err != nil {
		return err
	}

	if err := e.saveSession(user, current, vis); err != nil {
		return err
	}
	e.logger.Info("logged in", "user", user, "contract", current.Code, "scopes", vis.Scopes)
	return nil
}

// Resume restores the session persisted by the last Login.
func (e *Engine) Resume() error {
	user, err := e.local.GetValue(keyUser)
	if err != nil {
		return storageErr("read session", err)
	}
	if user == "" {
		return ErrNotLoggedIn
	}
	code, err := e.local.GetValue(keyContract)
	if err != nil {
		return storageErr("read session", err)
	}
	row, err := e.local.GetRecord(models.KindJobContract, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("resume %s: %w", user, ErrNoContract)
		}
		return storageErr("read contract", err)
	}
	vis, err := e.loadVisibility()
	if err != nil {
		return err
	}
	if vis == nil {
		return ErrNotLoggedIn
	}

	e.mu.Lock()
	e.user, e.contract, e.vis = user, row.Record, vis
	e.mu.Unlock()
	return nil
}

// Logout forgets the persisted session. Replicated data stays.
func (e *Engine) Logout() error {
	if err := e.local.SetValue(keyUser, ""); err != nil {
		return storageErr("clear session", err)
	}
	e.mu.Lock()
	e.user, e.contract, e.vis = "", nil, nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) contractsOf(user string) ([]*models.Record, error) {
	rows, err := e.local.ListRecords(models.KindJobContract)
	if err != nil {
		return nil, storageErr("list contracts", err)
	}
	var out []*models.Record
	for _, row := range rows {
		if row.Record.Body.(*models.JobContract).User == user {
			out = append(out, row.Record)
		}
	}
	return out, nil
}

func (e *Engine) resolve(user string, current *models.Record, contracts []*models.Record) (*models.Visibility, error) {
	rows, err := e.local.ListRecords(models.KindBase)
	if err != nil {
		return nil, storageErr("list bases", err)
	}
	bases := make([]*models.Record, len(rows))
	for i, row := range rows {
		bases[i] = row.Record
	}
	vis := ResolveVisibility(current.Body.(*models.JobContract).WorkBase, bases, e.opts.GlobalScope)
	vis.Origins = ResolveOrigins(user, contracts)
	return vis, nil
}

// widen downloads under next. If prev does not already cover next the
// cursor is reset first so records outside the old visibility are fetched.
func (e *Engine) widen(ctx context.Context, prev, next *models.Visibility) error {
	if prev == nil || !prev.Covers(next) {
		e.logger.Info("visibility widened, replaying journal", "scopes", next.Scopes)
		if err := e.local.SetCursor(0); err != nil {
			return storageErr("reset cursor", err)
		}
	}
	_, err := Download(ctx, e.local, e.master, next, e.logger, e.opts.Progress)
	return err
}

// refreshVisibility recomputes visibility after the unit tree changed. The
// session keeps its contract while that contract is still in force.
func (e *Engine) refreshVisibility(ctx context.Context) error {
	e.mu.RLock()
	user, contract, prev := e.user, e.contract, e.vis
	e.mu.RUnlock()

	contracts, err := e.contractsOf(user)
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if c.Code == contract.Code {
			contract = c
		}
	}
	if !contract.Body.(*models.JobContract).Covers(e.opts.Now()) {
		if current := CurrentContract(user, contracts, e.opts.Now()); current != nil {
			contract = current
		}
	}
	vis, err := e.resolve(user, contract, contracts)
	if err != nil {
		return err
	}
	if prev == nil || !prev.Covers(vis) {
		if err := e.widen(ctx, prev, vis); err != nil {
			return err
		}
	}
	if err := e.local.SetValue(keyVisibilityDirty, ""); err != nil {
		return storageErr("save session", err)
	}
	return e.saveSession(user, contract, vis)
}

func (e *Engine) loadVisibility() (*models.Visibility, error) {
	raw, err := e.local.GetValue(keyVisibility)
	if err != nil {
		return nil, storageErr("read visibility", err)
	}
	if raw == "" {
		return nil, nil
	}
	var vis models.Visibility
	if err := json.Unmarshal([]byte(raw), &vis); err != nil {
		return nil, storageErr("decode visibility", err)
	}
	return &vis, nil
}

func (e *Engine) saveSession(user string, contract *models.Record, vis *models.Visibility) error {
	data, err := json.Marshal(vis)
	if err != nil {
		return fmt.Errorf("encode visibility: %w", err)
	}
	for k, v := range map[string]string{keyUser: user, keyContract: contract.Code, keyVisibility: string(data)} {
		if err := e.local.SetValue(k, v); err != nil {
			return storageErr("save session", err)
		}
	}
	e.mu.Lock()
	e.user, e.contract, e.vis = user, contract, vis
	e.mu.Unlock()
	return nil
}

func (e *Engine) origin() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.contract == nil {
		return "", ErrNotLoggedIn
	}
	return e.contract.Code, nil
}

// Create queues a new record under a provisional code. Scope defaults to the
// global scope and Period to the kind's default; Serial is the next free
// serial in the pair.
func (e *Engine) Create(ctx context.Context, rec *models.Record) (*models.Record, error) {
	origin, err := e.origin()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Body == nil {
		return nil, &ValidationError{Reason: "record has no body"}
	}
	rec = rec.Clone()
	if rec.Kind == "" {
		rec.Kind = rec.Body.Kind()
	}
	if rec.Scope == "" {
		rec.Scope = e.opts.GlobalScope
	}
	if rec.Period == "" {
		rec.Period = models.DefaultPeriod(rec.Body)
	}
	serial, err := e.local.NextSerial(rec.Kind, rec.Scope)
	if err != nil {
		return nil, storageErr("allocate serial", err)
	}
	rec.Serial = serial
	if rec.Code, err = models.BuildProvisionalCode(rec); err != nil {
		return nil, invalid(rec, "%v", err)
	}
	if err := validateRecord(e.local, rec, e.opts.GlobalScope); err != nil {
		return nil, err
	}
	if err := e.enqueue(models.EntryCreate, rec, origin); err != nil {
		return nil, err
	}
	e.logger.Debug("record created", "code", rec.Code)
	return rec, nil
}

// Update queues a change to an existing record. Serial, Scope and Period are
// part of the code and cannot change.
func (e *Engine) Update(ctx context.Context, rec *models.Record) (*models.Record, error) {
	origin, err := e.origin()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Body == nil {
		return nil, &ValidationError{Reason: "record has no body"}
	}
	existing, err := e.existing(rec.Body.Kind(), rec.Code)
	if err != nil {
		return nil, err
	}
	rec = rec.Clone()
	rec.Kind, rec.Serial, rec.Scope, rec.Period = existing.Kind, existing.Serial, existing.Scope, existing.Period
	if err := validateRecord(e.local, rec, e.opts.GlobalScope); err != nil {
		return nil, err
	}
	if err := e.enqueue(models.EntryUpdate, rec, origin); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete queues the removal of a record. The entry carries the last known
// snapshot.
func (e *Engine) Delete(ctx context.Context, kind models.Kind, code string) (*models.Record, error) {
	origin, err := e.origin()
	if err != nil {
		return nil, err
	}
	existing, err := e.existing(kind, code)
	if err != nil {
		return nil, err
	}
	if err := validateDelete(e.local, existing); err != nil {
		return nil, err
	}
	if err := e.enqueue(models.EntryDelete, existing, origin); err != nil {
		return nil, err
	}
	return existing, nil
}

func (e *Engine) existing(kind models.Kind, code string) (*models.Record, error) {
	row, err := e.local.GetRecord(kind, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ValidationError{Kind: kind, Code: code, Reason: "record does not exist"}
	}
	if err != nil {
		return nil, storageErr("read record", err)
	}
	return row.Record, nil
}

func (e *Engine) enqueue(typ models.EntryType, rec *models.Record, origin string) error {
	item := &models.JournalItem{
		Entry: &models.JournalEntry{
			Origin:         origin,
			Type:           typ,
			Table:          rec.Kind,
			Key:            rec.Code,
			LocalTimestamp: e.opts.Now().UTC(),
		},
		Record: rec,
	}
	if err := e.local.Enqueue(item); err != nil {
		return storageErr("enqueue", err)
	}
	if rec.Kind == models.KindBase {
		if err := e.local.SetValue(keyVisibilityDirty, "1"); err != nil {
			return storageErr("mark visibility", err)
		}
	}
	return nil
}

// Get returns a local record.
func (e *Engine) Get(kind models.Kind, code string) (*store.Row, error) {
	return e.local.GetRecord(kind, code)
}

// List returns every local record of a kind.
func (e *Engine) List(kind models.Kind) ([]*store.Row, error) {
	return e.local.ListRecords(kind)
}

// Queue returns the local queue, including MODIFIED and REJECTED entries.
func (e *Engine) Queue() ([]*models.JournalItem, error) {
	return e.local.QueuedEntries()
}

// History returns applied journal items, newest first.
func (e *Engine) History(limit int) ([]*models.JournalItem, error) {
	return e.local.History(limit)
}

// Reject marks a stuck queued entry REJECTED so sync skips it.
func (e *Engine) Reject(localSerial int64) (*models.JournalItem, error) {
	item, err := e.local.RejectEntry(localSerial)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("queued entry rejected", "serial", localSerial, "key", item.Entry.Key)
	return item, nil
}

// Sync uploads the queue, recovers from one conflict with Download, Rebase
// and a second upload, then downloads. Concurrent calls fail fast with
// ErrSyncInProgress. Commit outcomes are reported in the result; a storage
// or transport failure outside a commit is also returned as the error, with
// the result's status set to ERROR.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.syncMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.syncMu.Unlock()

	vis := e.Visibility()
	if vis == nil {
		return nil, ErrNotLoggedIn
	}
	start := e.opts.Now()
	syncID := uuid.NewString()
	ctx = remote.WithRequestID(ctx, syncID)
	logger := e.logger.With("sync_id", syncID)
	result := &SyncResult{}
	fail := func(err error) (*SyncResult, error) {
		logger.Error("sync failed", "error", err)
		result.Outcome = Outcome{Status: StatusError, Reason: err.Error()}
		return result, err
	}

	up, err := Upload(ctx, e.local, e.master, logger, e.opts.Progress)
	if err != nil {
		return fail(err)
	}
	result.Uploaded += len(up.Accepted)

	if up.Status == StatusConflict {
		dl, err := Download(ctx, e.local, e.master, vis, logger, e.opts.Progress)
		if err != nil {
			return fail(err)
		}
		result.Downloaded += dl.Applied

		plan, err := Rebase(ctx, e.local, e.master)
		if err != nil {
			return fail(err)
		}
		result.Renumbered, result.Requeued = len(plan.Codes), len(plan.Steps)
		logger.Info("queue rebased", "renumbered", result.Renumbered, "requeued", result.Requeued)

		if up, err = Upload(ctx, e.local, e.master, logger, e.opts.Progress); err != nil {
			return fail(err)
		}
		result.Uploaded += len(up.Accepted)
	}
	result.Outcome = Outcome{Status: up.Status, Reason: up.Reason}
	if up.Status == StatusError {
		logger.Warn("sync stopped", "reason", up.Reason)
		return result, nil
	}

	dl, err := Download(ctx, e.local, e.master, vis, logger, e.opts.Progress)
	if err != nil {
		return fail(err)
	}
	result.Downloaded += dl.Applied

	dirty, err := e.local.GetValue(keyVisibilityDirty)
	if err != nil {
		return fail(storageErr("read session", err))
	}
	if dl.BaseTreeChanged || dirty != "" {
		if err := e.refreshVisibility(ctx); err != nil {
			return fail(err)
		}
	}

	logger.Info("sync finished",
		"status", result.Outcome.Status,
		"uploaded", result.Uploaded,
		"downloaded", result.Downloaded,
		"duration", e.opts.Now().Sub(start))
	return result, nil
}
