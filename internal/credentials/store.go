// Package credentials answers which n8n credentials exist in production.
//
// Credential metadata is read from the development database and presence
// from the production database; secrets are never selected.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ListLimit caps List results.
const ListLimit = 200

// ErrNoDevDatabase is returned by operations that need the development
// database when none is configured.
var ErrNoDevDatabase = errors.New("development database not configured")

// Credential is credential metadata without secret material.
type Credential struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Type         string    `json:"type" db:"type"`
	CreatedAt    time.Time `json:"createdAt" db:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updatedAt"`
	InProduction bool      `json:"inProduction" db:"-"`
}

// Counts is the credential readiness KPI.
type Counts struct {
	Total        int `json:"total"`
	InProduction int `json:"inProduction"`
}

// Percentage is InProduction over Total, rounded, or 0 when there are none.
func (c Counts) Percentage() int {
	if c.Total == 0 {
		return 0
	}
	return (c.InProduction*100 + c.Total/2) / c.Total
}

// Store reads the development and production n8n databases.
type Store struct {
	dev  *sqlx.DB
	prod *sqlx.DB
}

// New returns a Store. dev may be nil, in which case List and Counts fail
// with ErrNoDevDatabase.
func New(dev, prod *sql.DB) *Store {
	s := &Store{prod: sqlx.NewDb(prod, "pgx")}
	if dev != nil {
		s.dev = sqlx.NewDb(dev, "pgx")
	}
	return s
}

// InProduction reports which of ids exist in production.
func (s *Store) InProduction(ctx context.Context, ids []string) (map[string]bool, error) {
	present := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return present, nil
	}

	var found []string
	err := s.prod.SelectContext(ctx, &found, `
		SELECT CAST(id AS TEXT) AS id
		FROM credentials_entity
		WHERE CAST(id AS TEXT) = ANY($1::text[])
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query production credentials: %w", err)
	}
	for _, id := range found {
		present[id] = true
	}
	return present, nil
}

// Missing returns the ids absent from production, in input order.
func (s *Store) Missing(ctx context.Context, ids []string) ([]string, error) {
	present, err := s.InProduction(ctx, ids)
	if err != nil {
		return nil, err
	}
	return missingFrom(ids, present), nil
}

func missingFrom(ids []string, present map[string]bool) []string {
	missing := []string{}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if present[id] || seen[id] {
			continue
		}
		seen[id] = true
		missing = append(missing, id)
	}
	return missing
}

// List returns development credential metadata, newest first, optionally
// filtered by a case-insensitive substring of name, type or id.
func (s *Store) List(ctx context.Context, q string) ([]Credential, error) {
	if s.dev == nil {
		return nil, ErrNoDevDatabase
	}

	query := `
		SELECT CAST(id AS TEXT) AS id, name, type, "createdAt", "updatedAt"
		FROM credentials_metadata
		ORDER BY "updatedAt" DESC
		LIMIT $1
	`
	args := []any{ListLimit}
	if q != "" {
		query = `
			SELECT CAST(id AS TEXT) AS id, name, type, "createdAt", "updatedAt"
			FROM credentials_metadata
			WHERE name ILIKE $1 OR type ILIKE $1 OR CAST(id AS TEXT) ILIKE $1
			ORDER BY "updatedAt" DESC
			LIMIT $2
		`
		args = []any{"%" + q + "%", ListLimit}
	}

	creds := []Credential{}
	if err := s.dev.SelectContext(ctx, &creds, query, args...); err != nil {
		return nil, fmt.Errorf("query credential metadata: %w", err)
	}

	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}
	present, err := s.InProduction(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range creds {
		creds[i].InProduction = present[creds[i].ID]
	}
	return creds, nil
}

// Counts compares the number of development credentials with the number
// present in production.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	if s.dev == nil {
		return Counts{}, ErrNoDevDatabase
	}

	var c Counts
	if err := s.dev.GetContext(ctx, &c.Total, `SELECT COUNT(*) FROM credentials_metadata`); err != nil {
		return Counts{}, fmt.Errorf("count development credentials: %w", err)
	}
	var prod int
	if err := s.prod.GetContext(ctx, &prod, `SELECT COUNT(*) FROM credentials_entity`); err != nil {
		return Counts{}, fmt.Errorf("count production credentials: %w", err)
	}
	c.InProduction = min(prod, c.Total)
	return c, nil
}
