package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/remote/metastore"
	"github.com/h3org/h3sync/internal/store"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, time.October, 17, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReplica(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newMaster returns a seeded in-process master store.
func newMaster(t *testing.T) *metastore.BboltStore {
	t.Helper()
	m, err := metastore.NewBboltStore(filepath.Join(t.TempDir(), "master.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	seeded, err := SeedRoot(context.Background(), m, SeedOptions{Password: "secret", Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	require.True(t, seeded)
	return m
}

func newEngine(t *testing.T, local LocalStore, master remote.Master) *Engine {
	t.Helper()
	return NewEngine(local, master, Options{Logger: discardLogger(), Now: func() time.Time { return testNow }})
}

// loggedIn returns an engine for a fresh replica logged in as the seeded root user.
func loggedIn(t *testing.T, master remote.Master) (*Engine, *store.Store) {
	t.Helper()
	local := newReplica(t)
	e := newEngine(t, local, master)
	require.NoError(t, e.Login(context.Background(), SeedRootUser))
	return e, local
}

func unit(scope, identifier, parent string) *models.Record {
	return &models.Record{Kind: models.KindBase, Scope: scope, Body: &models.Base{Identifier: identifier, Parent: parent}}
}

// commitDirect writes an authoritative record straight to the master.
func commitDirect(t *testing.T, master remote.Master, rec *models.Record) {
	t.Helper()
	if rec.Period == "" {
		rec.Period = models.DefaultPeriod(rec.Body)
	}
	code, err := models.BuildCode(rec)
	require.NoError(t, err)
	rec.Code = code
	res, err := master.Commit(context.Background(), &models.JournalItem{
		Entry:  &models.JournalEntry{Origin: SeedRootContract, Type: models.EntryCreate, Table: rec.Kind, Key: code, LocalTimestamp: testNow},
		Record: rec,
	})
	require.NoError(t, err)
	require.Equal(t, remote.OutcomeAccepted, res.Outcome, res.Reason)
}

// trackingMaster wraps a master, records every commit outcome and lets tests
// inject failures.
type trackingMaster struct {
	remote.Master

	mu       sync.Mutex
	outcomes []remote.Outcome
	keys     []string

	// commitErr, when set, is returned by every commit instead of calling
	// through.
	commitErr error
	// failCommitAfter makes commit number n (1-based) report FAILED.
	failCommitAfter int
	// journalErr fails every JournalSince call once set.
	journalErr error
	// onCommit runs before each commit.
	onCommit func()
}

func (m *trackingMaster) Commit(ctx context.Context, item *models.JournalItem) (*remote.CommitResult, error) {
	m.mu.Lock()
	hook, cerr := m.onCommit, m.commitErr
	n := len(m.outcomes) + 1
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if cerr != nil {
		return nil, cerr
	}

	var res *remote.CommitResult
	if m.failCommitAfter > 0 && n >= m.failCommitAfter {
		res = &remote.CommitResult{Outcome: remote.OutcomeFailed, Reason: "injected failure"}
	} else {
		var err error
		if res, err = m.Master.Commit(ctx, item); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.outcomes = append(m.outcomes, res.Outcome)
	m.keys = append(m.keys, item.Entry.Key)
	m.mu.Unlock()
	return res, nil
}

func (m *trackingMaster) JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error) {
	m.mu.Lock()
	err := m.journalErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Master.JournalSince(ctx, cursor, vis)
}

func (m *trackingMaster) committed() ([]remote.Outcome, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remote.Outcome(nil), m.outcomes...), append([]string(nil), m.keys...)
}

// lostResponseMaster lets commits reach the master but drops the next lose
// responses, as when a connection resets after the server committed.
type lostResponseMaster struct {
	remote.Master

	mu   sync.Mutex
	lose int
}

func (m *lostResponseMaster) Commit(ctx context.Context, item *models.JournalItem) (*remote.CommitResult, error) {
	res, err := m.Master.Commit(ctx, item)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lose > 0 {
		m.lose--
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return res, nil
}

func (m *lostResponseMaster) dropNext(n int) {
	m.mu.Lock()
	m.lose = n
	m.mu.Unlock()
}
