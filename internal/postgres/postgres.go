// Package postgres opens database/sql pools backed by the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suited to short self-contained
// statements.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("connection lifetimes must be >= 0")
	}
	return nil
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}
