package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"promobox/internal/metrics"
	"promobox/internal/security"
	"promobox/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	host       string
	port       int
	testMode   bool
	debug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane server",
	Long: `Start the HTTP server that triggers promotion pipelines on Jenkins,
polls build status and serves workflow, credential and history queries.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFile, "log", "", "Path to log file (overrides server.log_file)")
	serveCmd.Flags().StringVar(&host, "host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("PROMOBOX_TEST_MODE") == "1", "Enable test mode (no rate limiting)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if logFile != "" {
		cfg.Server.LogFile = logFile
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(cfg.Server.LogFile, debug)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if logFileHandle != nil {
		defer logFileHandle.Close()
	}

	logger.Info("Starting promobox", "version", version, "config", path)
	if err := security.ValidateSecurePermissions(path); err != nil {
		logger.Warn("Configuration file permissions are too open", "error", err)
	}
	logger.Info("Jenkins configured",
		"base_url", cfg.Jenkins.BaseURL,
		"user", cfg.Jenkins.User,
		"token", security.RedactToken(cfg.Jenkins.APIToken))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise", "error", err)
		return err
	}
	defer a.Close()

	srv := &server.Server{
		Pipelines: a.pipelines,
		Jenkins:   a.jenkins,
		History:   a.ledger,
		Registry:  a.registry,
		Logger:    logger,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		TestMode:  testMode,
	}
	if a.workflows != nil {
		srv.Workflows = a.workflows
	}
	if a.credentials != nil {
		srv.Credentials = a.credentials
	}
	if cfg.Server.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		srv.Metrics = promhttp.Handler()
	}

	logger.Info("Configuration validated successfully", "pipelines", a.registry.Count())
	if err := srv.Start(ctx, cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// setupLogging configures slog for console and, when logPath is set, file
// logging. The caller must close the returned file.
func setupLogging(logPath string, debug bool) (*slog.Logger, *os.File, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var (
		out  io.Writer = os.Stdout
		file *os.File
	)
	if logPath != "" {
		if err := security.CreateSecureDir(filepath.Dir(logPath), security.PermDirectory); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Open log file with secure permissions
		f, err := security.OpenAppendOnly(logPath, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stdout, file)
	}

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}

// newCLILogger logs to stderr so command output on stdout stays parseable.
func newCLILogger() *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runContext is cancelled on interrupt.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
