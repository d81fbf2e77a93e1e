package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"promobox/internal/config"
	"promobox/internal/credentials"
	"promobox/internal/gitops"
	"promobox/internal/history"
	"promobox/internal/jenkins"
	"promobox/internal/metrics"
	"promobox/internal/n8n"
	"promobox/internal/pipeline"
	"promobox/internal/postgres"
)

// app holds the collaborators shared by serve and run. Optional ones are
// nil when their configuration is absent.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	jenkins     *jenkins.Client
	workflows   *n8n.Client
	credentials *credentials.Store
	ledger      *history.Ledger
	registry    *config.Registry
	pipelines   *pipeline.Orchestrator
	closers     []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: config.NewRegistry(cfg.Definitions())}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	jcfg := a.cfg.JenkinsClient()
	jcfg.Transport = metrics.JenkinsTransport(nil)
	jc, err := jenkins.NewClient(jcfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Jenkins client: %w", err)
	}
	a.jenkins = jc

	var opts pipeline.Options
	opts.Logger = a.logger
	opts.Observer = pipeline.Observers{pipeline.LogObserver{Logger: a.logger}, pipeline.MetricsObserver{}}

	if a.cfg.N8NEnabled() {
		wc, err := n8n.NewClient(a.cfg.N8NClient(), a.logger)
		if err != nil {
			return fmt.Errorf("failed to create n8n client: %w", err)
		}
		a.workflows = wc
		opts.Workflows = wc
	} else {
		a.logger.Warn("n8n not configured, full promotion and pull are unavailable")
	}

	if a.cfg.Databases.ProdURL != "" {
		prod, err := a.openPool(ctx, a.cfg.Databases.ProdURL)
		if err != nil {
			return fmt.Errorf("failed to open production database: %w", err)
		}
		var dev *sql.DB
		if a.cfg.Databases.DevURL != "" {
			if dev, err = a.openPool(ctx, a.cfg.Databases.DevURL); err != nil {
				return fmt.Errorf("failed to open development database: %w", err)
			}
		}
		a.credentials = credentials.New(dev, prod)
		opts.Credentials = a.credentials
	} else {
		a.logger.Warn("production database not configured, credentials will not be checked")
	}

	if repo := a.cfg.Repository(); repo.Enabled() {
		lookup, err := gitops.NewCommitLookup(ctx, repo)
		if err != nil {
			return fmt.Errorf("failed to create commit lookup: %w", err)
		}
		opts.Commits = lookup
	}

	a.logger.Info("Opening history ledger", "driver", a.cfg.History.Driver)
	ledger, err := history.Open(ctx, a.cfg.Ledger())
	if err != nil {
		return fmt.Errorf("failed to open history ledger: %w", err)
	}
	a.ledger = ledger
	a.closers = append(a.closers, ledger.Close)

	a.pipelines = pipeline.New(jc, ledger, a.cfg.Definitions(), opts)
	return nil
}

func (a *app) openPool(ctx context.Context, url string) (*sql.DB, error) {
	db, err := postgres.Open(ctx, postgres.DefaultConfig(url))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// Close releases every pool in reverse opening order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// loadConfig finds and loads the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.Find(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
