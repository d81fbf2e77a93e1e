package history

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

func TestDialect_Rebind(t *testing.T) {
	q := `INSERT INTO t (a, b, m) VALUES (?, ?, ` + postgresDialect.jsonParam + `) RETURNING id`

	if got := sqlx.Rebind(sqlx.BindType(sqliteDialect.driver), q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := `INSERT INTO t (a, b, m) VALUES ($1, $2, $3::jsonb) RETURNING id`
	if got := sqlx.Rebind(sqlx.BindType(postgresDialect.driver), q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{"", "sqlite", false},
		{"SQLite", "sqlite", false},
		{"postgres", "postgres", false},
		{"pgx", "postgres", false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		d, err := dialectFor(tt.driver)
		if (err != nil) != tt.wantErr {
			t.Errorf("dialectFor(%q) error = %v", tt.driver, err)
			continue
		}
		if d.name != tt.want {
			t.Errorf("dialectFor(%q) = %q, want %q", tt.driver, d.name, tt.want)
		}
	}
}

func TestDialect_TimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.FixedZone("WIB", 7*3600))

	arg := sqliteDialect.timeArg(ts)
	s, ok := arg.(string)
	if !ok {
		t.Fatalf("sqlite time arg is %T, want string", arg)
	}
	if s != "2026-01-01T20:04:05.000000006Z" {
		t.Errorf("sqlite time arg = %q", s)
	}
	back, err := sqliteDialect.parseTime(s)
	if err != nil || !back.Equal(ts) {
		t.Errorf("parseTime(%q) = %v, %v", s, back, err)
	}

	if _, ok := postgresDialect.timeArg(ts).(time.Time); !ok {
		t.Error("postgres time arg should be time.Time")
	}
	if got, err := postgresDialect.parseTime(ts); err != nil || !got.Equal(ts) {
		t.Errorf("parseTime(time.Time) = %v, %v", got, err)
	}
	if _, err := postgresDialect.parseTime(42); err == nil {
		t.Error("Expected error for unsupported type")
	}
}

func TestSQLiteTimeLayoutSortsLexically(t *testing.T) {
	earlier := sqliteDialect.timeArg(time.Date(2026, 1, 1, 9, 59, 59, 999999999, time.UTC)).(string)
	later := sqliteDialect.timeArg(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)).(string)
	if !(earlier < later) {
		t.Errorf("Expected %q < %q", earlier, later)
	}
}
