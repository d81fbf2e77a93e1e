// Package history is the append-only ledger of orchestration attempts.
//
// Rows are never updated or deleted. The state of an entity is derived by
// selecting its most recent row per (entity type, entity id, action). The
// ledger runs on SQLite for single-host installs and on Postgres when the
// history is shared between instances.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"promobox/internal/postgres"
	"promobox/internal/security"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DefaultSummaryDays is the summary window used when none is given.
const DefaultSummaryDays = 7

// PersistenceError wraps any failure to read or write the ledger.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config selects and configures the backing store.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// Path is the SQLite database file.
	Path string

	// Postgres configures the pool when Driver is "postgres".
	Postgres postgres.Config
}

// Ledger manages deployment history.
type Ledger struct {
	db  *sqlx.DB
	d   dialect
	now func() time.Time
}

// Open connects to the configured store and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if d.name == postgresDialect.name {
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
	} else {
		if cfg.Path == "" {
			return nil, errors.New("history database path is required")
		}
		if err := prepareSQLiteFile(cfg.Path); err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
		db, err = sql.Open(d.driver, cfg.Path)
		if err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
		// Single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	l, err := New(ctx, db, d.name)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// prepareSQLiteFile creates the database file and its directory with
// restrictive permissions before the driver creates it world-readable.
func prepareSQLiteFile(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, security.PermDBFile)
	if err != nil {
		return err
	}
	return f.Close()
}

// OpenSQLite is Open for a SQLite file.
func OpenSQLite(ctx context.Context, path string) (*Ledger, error) {
	return Open(ctx, Config{Driver: "sqlite", Path: path})
}

// New wraps an existing pool and runs the schema migration.
func New(ctx context.Context, db *sql.DB, driver string) (*Ledger, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: sqlx.NewDb(db, d.driver), d: d, now: time.Now}
	if err := l.migrate(ctx); err != nil {
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Driver reports the dialect in use ("sqlite" or "postgres").
func (l *Ledger) Driver() string {
	return l.d.name
}

// migrate creates the table and indexes. It runs in one transaction; on
// Postgres an advisory lock serialises concurrent first starts.
func (l *Ledger) migrate(ctx context.Context) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if l.d.name == postgresDialect.name {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
	}
	for _, stmt := range l.d.schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// Record appends e and returns its id. CreatedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}

	query := l.db.Rebind(`
		INSERT INTO deployment_history
		(entity_type, entity_id, entity_name, action, status, build_url, details, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ` + l.d.jsonParam + `, ?)
		RETURNING id
	`)

	var id int64
	err = l.db.QueryRowxContext(ctx, query,
		string(e.EntityType),
		e.EntityID,
		nullString(e.EntityName),
		e.Action,
		string(e.Status),
		nullString(e.BuildURL),
		nullString(e.Details),
		string(metadataJSON),
		l.d.timeArg(createdAt),
	).Scan(&id)
	if err != nil {
		return 0, &PersistenceError{Op: "record", Err: err}
	}
	return id, nil
}

func validateEntry(e Entry) error {
	if _, err := ParseEntityType(string(e.EntityType)); err != nil {
		return err
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return errors.New("entity id is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if !e.Status.valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

const entryColumns = "id, entity_type, entity_id, entity_name, action, status, build_url, details, metadata, created_at"

// LatestByEntity returns, per id, the most recently created row. An empty
// action matches every action.
func (l *Ledger) LatestByEntity(ctx context.Context, entityType EntityType, ids []string, action string) (map[string]Entry, error) {
	result := make(map[string]Entry, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := []any{string(entityType), ids}
	actionWhere := ""
	if action != "" {
		actionWhere = " AND action = ?"
		args = append(args, action)
	}

	query, args, err := sqlx.In(`
		WITH ranked AS (
			SELECT `+entryColumns+`,
				ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY created_at DESC, id DESC) AS rn
			FROM deployment_history
			WHERE entity_type = ? AND entity_id IN (?)`+actionWhere+`
		)
		SELECT `+entryColumns+` FROM ranked WHERE rn = 1
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("expand id list: %w", err)
	}

	entries, err := l.queryEntries(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, &PersistenceError{Op: "latest by entity", Err: err}
	}
	for _, e := range entries {
		result[e.EntityID] = e
	}
	return result, nil
}

// Recent returns the newest rows for one entity, newest first. limit
// defaults to SummaryPageSize and is capped at MaxRecentLimit.
func (l *Ledger) Recent(ctx context.Context, entityType EntityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = SummaryPageSize
	}
	limit = min(limit, MaxRecentLimit)
	query := l.db.Rebind(`
		SELECT ` + entryColumns + `
		FROM deployment_history
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	entries, err := l.queryEntries(ctx, query, string(entityType), entityID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "recent", Err: err}
	}
	return entries, nil
}

// latestWindow ranks rows created at or after the window start, one rank per
// (entity type, entity id, action).
const latestWindow = `
	WITH ranked AS (
		SELECT ` + entryColumns + `,
			ROW_NUMBER() OVER (PARTITION BY entity_type, entity_id, action ORDER BY created_at DESC, id DESC) AS rn
		FROM deployment_history
		WHERE created_at >= ?
	)
`

// Summary aggregates the latest row per (entity type, entity id, action)
// over the last days. statusFilter restricts the health counts; "" and
// "ALL" count every status.
func (l *Ledger) Summary(ctx context.Context, days int, statusFilter string) (Summary, error) {
	if days <= 0 {
		days = DefaultSummaryDays
	}
	filter := upper(statusFilter)
	if filter == "" {
		filter = "ALL"
	}
	if filter != "ALL" && !Status(filter).valid() {
		return Summary{}, fmt.Errorf("unknown status filter %q", statusFilter)
	}

	since := l.d.timeArg(l.now().Add(-time.Duration(days) * 24 * time.Hour))
	summary := Summary{Days: days, Filter: filter, Health: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		summary.Health[s] = 0
	}

	healthArgs := []any{since}
	statusWhere := ""
	if filter != "ALL" {
		statusWhere = " AND status = ?"
		healthArgs = append(healthArgs, filter)
	}
	var health []struct {
		Status string `db:"status"`
		Total  int    `db:"total"`
	}
	err := l.db.SelectContext(ctx, &health, l.db.Rebind(latestWindow+`
		SELECT status, COUNT(*) AS total FROM ranked WHERE rn = 1`+statusWhere+` GROUP BY status
	`), healthArgs...)
	if err != nil {
		return Summary{}, &PersistenceError{Op: "summary health", Err: err}
	}
	for _, h := range health {
		summary.Health[Status(h.Status)] = h.Total
	}

	summary.Approvals, err = l.queryEntries(ctx, l.db.Rebind(latestWindow+`
		SELECT `+entryColumns+` FROM ranked
		WHERE rn = 1 AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), since, string(StatusAwaitingApproval), SummaryPageSize)
	if err != nil {
		return Summary{}, &PersistenceError{Op: "summary approvals", Err: err}
	}

	summary.Activity, err = l.queryEntries(ctx, l.db.Rebind(latestWindow+`
		SELECT `+entryColumns+` FROM ranked
		WHERE rn = 1
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), since, SummaryPageSize)
	if err != nil {
		return Summary{}, &PersistenceError{Op: "summary activity", Err: err}
	}

	return summary, nil
}

// entryRow is the scan target for entryColumns.
type entryRow struct {
	ID         int64          `db:"id"`
	EntityType string         `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	EntityName sql.NullString `db:"entity_name"`
	Action     string         `db:"action"`
	Status     string         `db:"status"`
	BuildURL   sql.NullString `db:"build_url"`
	Details    sql.NullString `db:"details"`
	Metadata   sql.NullString `db:"metadata"`
	CreatedAt  any            `db:"created_at"`
}

func (l *Ledger) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	var rows []entryRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := l.toEntry(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode history row %d: %w", r.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *Ledger) toEntry(r entryRow) (Entry, error) {
	e := Entry{
		ID:         r.ID,
		EntityType: EntityType(r.EntityType),
		EntityID:   r.EntityID,
		EntityName: r.EntityName.String,
		Action:     r.Action,
		Status:     Status(r.Status),
		BuildURL:   r.BuildURL.String,
		Details:    r.Details.String,
	}

	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	t, err := l.d.parseTime(r.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = t
	return e, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
