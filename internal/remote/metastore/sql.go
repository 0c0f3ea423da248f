package metastore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// SQL drivers supported by SQLStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLStore implements MetaStore over database/sql, against SQLite
// (modernc.org/sqlite) or PostgreSQL (pgx).
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ MetaStore = (*SQLStore)(nil)

// OpenSQL opens the database and applies the schema. dsn is a file path for
// sqlite and a connection string for pgx.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect meta database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite has one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("execute %q: %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) applySchema() error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Backend() string {
	if s.driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary-key or unique
// constraint failure on either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func (s *SQLStore) HighestSyncedSerial(ctx context.Context, kind models.Kind, scope string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT serial FROM serials WHERE tbl = ? AND scope = ?`), string(kind), scope).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("highest serial %s/%s: %w", kind, scope, err)
	}
	return n, nil
}

func (s *SQLStore) Head(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT serial FROM journal_head WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal head: %w", err)
	}
	return n, nil
}

// Commit bumps the journal head first, which takes the row lock on
// PostgreSQL and the write lock on SQLite, so concurrent commits serialize.
// A resent entry ID is answered with its original acceptance.
func (s *SQLStore) Commit(ctx context.Context, item *models.JournalItem) (*remote.CommitResult, error) {
	if res := checkItem(item); res != nil {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var serial int64
	if err := tx.QueryRowContext(ctx, `UPDATE journal_head SET serial = serial + 1 WHERE id = 1 RETURNING serial`).Scan(&serial); err != nil {
		return nil, fmt.Errorf("advance journal head: %w", err)
	}

	if id := item.Entry.ID; id != "" {
		var prev, processed int64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT serial, processed_ts FROM journal WHERE entry_id = ?`), id).Scan(&prev, &processed)
		switch {
		case err == nil:
			return &remote.CommitResult{Outcome: remote.OutcomeAccepted, Serial: prev, ProcessedAt: fromUnixNano(processed), Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("look up entry %s: %w", id, err)
		}
	}

	result, err := s.writeRecord(ctx, tx, item)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	stored := accept(item, serial, s.now().UTC())
	recData, err := json.Marshal(stored.Record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	e := stored.Entry
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO journal
		(serial, entry_id, origin, type, tbl, key, scope, status, local_ts, processed_ts, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.Serial, nullString(e.ID), e.Origin, string(e.Type), string(e.Table), e.Key, stored.Record.Scope,
		string(e.Status), unixNano(e.LocalTimestamp), unixNano(e.ProcessedTimestamp), string(recData),
	); err != nil {
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return accepted(stored), nil
}

// writeRecord applies the item's mutation to the records table. A non-nil
// result means the commit is refused and the transaction must be rolled back.
func (s *SQLStore) writeRecord(ctx context.Context, tx *sql.Tx, item *models.JournalItem) (*remote.CommitResult, error) {
	rec := item.Record
	body, err := json.Marshal(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	switch item.Entry.Type {
	case models.EntryCreate:
		var highest int64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT serial FROM serials WHERE tbl = ? AND scope = ?`), string(rec.Kind), rec.Scope).Scan(&highest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read serial: %w", err)
		}
		if rec.Serial != highest+1 {
			return conflict("%s serial %d is not next in %s/%s (highest %d)", rec.Code, rec.Serial, rec.Kind, rec.Scope, highest), nil
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO records (code, tbl, scope, period, serial, body) VALUES (?, ?, ?, ?, ?, ?)`),
			rec.Code, string(rec.Kind), rec.Scope, rec.Period, rec.Serial, string(body)); err != nil {
			if isUniqueViolation(err) {
				return conflict("%s already exists", rec.Code), nil
			}
			return nil, fmt.Errorf("insert record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO serials (tbl, scope, serial) VALUES (?, ?, ?)
			ON CONFLICT (tbl, scope) DO UPDATE SET serial = excluded.serial WHERE serials.serial < excluded.serial`),
			string(rec.Kind), rec.Scope, rec.Serial); err != nil {
			return nil, fmt.Errorf("raise serial: %w", err)
		}
	case models.EntryUpdate:
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE records SET period = ?, body = ? WHERE code = ? AND tbl = ?`),
			rec.Period, string(body), rec.Code, string(rec.Kind))
		if err != nil {
			return nil, fmt.Errorf("update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return failed("%s does not exist", rec.Code), nil
		}
	case models.EntryDelete:
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM records WHERE code = ? AND tbl = ?`), rec.Code, string(rec.Kind))
		if err != nil {
			return nil, fmt.Errorf("delete record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return failed("%s does not exist", rec.Code), nil
		}
	}
	return nil, nil
}

// GetRecord returns the authoritative copy of a record. Returns ErrNotFound if missing.
func (s *SQLStore) GetRecord(ctx context.Context, kind models.Kind, code string) (*models.Record, error) {
	var (
		scope, period, body string
		serial              int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT scope, period, serial, body FROM records WHERE code = ? AND tbl = ?`),
		code, string(kind)).Scan(&scope, &period, &serial, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", code, err)
	}
	b, err := kind.NewBody()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), b); err != nil {
		return nil, fmt.Errorf("unmarshal %s body: %w", kind, err)
	}
	return &models.Record{Kind: kind, Code: code, Serial: serial, Scope: scope, Period: period, Body: b}, nil
}

// Query scans the serial range and filters by visibility in Go, since a
// reference match needs the decoded record.
func (s *SQLStore) Query(ctx context.Context, q remote.JournalQuery) (*remote.JournalPage, error) {
	vis := queryVisibility(q)
	limit := pageLimit(q)

	query := `SELECT serial, entry_id, origin, type, tbl, key, status, local_ts, processed_ts, record FROM journal WHERE serial > ?`
	args := []any{q.After}
	if q.Until > 0 {
		query += ` AND serial <= ?`
		args = append(args, q.Until)
	}
	query += ` ORDER BY serial`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	page := &remote.JournalPage{}
	for rows.Next() {
		var (
			e            models.JournalEntry
			id           sql.NullString
			typ, tbl, st string
			local, proc  int64
			recData      string
		)
		if err := rows.Scan(&e.Serial, &id, &e.Origin, &typ, &tbl, &e.Key, &st, &local, &proc, &recData); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.ID = id.String
		e.Type, e.Table, e.Status = models.EntryType(typ), models.Kind(tbl), models.EntryStatus(st)
		e.LocalTimestamp, e.ProcessedTimestamp = fromUnixNano(local), fromUnixNano(proc)

		var rec models.Record
		if err := json.Unmarshal([]byte(recData), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal journal record %d: %w", e.Serial, err)
		}
		item := &models.JournalItem{Entry: &e, Record: &rec}
		if !vis.Allows(item) {
			continue
		}
		if len(page.Items) == limit {
			page.More = true
			break
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return page, nil
}

func (s *SQLStore) JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) ([]*models.JournalItem, error) {
	return journalSince(ctx, s, cursor, vis)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
