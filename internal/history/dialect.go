package history

import (
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed-width so that text comparison orders rows by time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect holds what differs between the two supported stores. Queries are
// written with ? placeholders and rebound by sqlx for the driver.
type dialect struct {
	name       string
	driver     string
	schema     []string
	jsonParam  string
	nativeTime bool
}

var sqliteDialect = dialect{
	name:      "sqlite",
	driver:    "sqlite",
	jsonParam: "?",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS deployment_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL CHECK (entity_type IN ('WORKFLOW', 'CREDENTIAL')),
			entity_id TEXT NOT NULL,
			entity_name TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('SUCCESS', 'FAILED', 'AWAITING_APPROVAL', 'RUNNING')),
			build_url TEXT,
			details TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_created_at
			ON deployment_history (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_status_created
			ON deployment_history (status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_entity
			ON deployment_history (entity_type, entity_id, action, created_at DESC)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driver:     "pgx",
	jsonParam:  "?::jsonb",
	nativeTime: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS deployment_history (
			id BIGSERIAL PRIMARY KEY,
			entity_type TEXT NOT NULL CHECK (entity_type IN ('WORKFLOW', 'CREDENTIAL')),
			entity_id TEXT NOT NULL,
			entity_name TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('SUCCESS', 'FAILED', 'AWAITING_APPROVAL', 'RUNNING')),
			build_url TEXT,
			details TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_created_at
			ON deployment_history (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_status_created
			ON deployment_history (status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_history_entity
			ON deployment_history (entity_type, entity_id, action, created_at DESC)`,
	},
}

// migrationLockKey serialises schema creation across processes sharing one
// Postgres database.
const migrationLockKey = 7305823142

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported history driver %q", driver)
}

func (d dialect) timeArg(t time.Time) any {
	if d.nativeTime {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (d dialect) parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	}
	return time.Time{}, fmt.Errorf("unexpected created_at type %T", v)
}

func parseTimeText(s string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
