package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/eventlog"
	"github.com/petal-labs/toolconn/probe"
	"github.com/petal-labs/toolconn/tool"
)

const sqlitePathEnv = "TOOLCONN_SQLITE_PATH"

// stackConfig configures the components shared by serve and the tools commands.
type stackConfig struct {
	DSN   string
	Scope string

	MaxAttempts     int
	RetryDelay      time.Duration
	LogCapacity     int
	LogRetention    time.Duration
	ProbeMode       probe.Mode
	ProbeTimeout    time.Duration
	RemoteURL       string
	TestConcurrency int
	Version         string

	// Notifiers receive status changes after the event log and record sync.
	Notifiers []connection.Notifier
	Observer  connection.Observer
	Logger    *slog.Logger
}

// stack holds the connection components backed by one SQLite database.
type stack struct {
	toolStore  *tool.SQLiteStore
	logStore   *eventlog.SQLiteStore
	log        *eventlog.Log
	prober     connection.Prober
	controller *connection.Controller
	service    *tool.Service
}

// openStack opens the stores and wires prober, controller and service.
func openStack(ctx context.Context, cfg stackConfig) (*stack, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	prober, err := newProber(cfg)
	if err != nil {
		return nil, err
	}

	toolStore, err := tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: cfg.DSN, Scope: cfg.Scope})
	if err != nil {
		return nil, fmt.Errorf("opening tool store: %w", err)
	}
	logStore, err := eventlog.NewSQLiteStore(eventlog.SQLiteStoreConfig{
		DSN:          cfg.DSN,
		RetentionAge: cfg.LogRetention,
	})
	if err != nil {
		_ = toolStore.Close()
		return nil, fmt.Errorf("opening log store: %w", err)
	}

	log := eventlog.NewLog(eventlog.LogConfig{
		Capacity: cfg.LogCapacity,
		Store:    logStore,
		Logger:   cfg.Logger,
	})
	if err := log.Restore(ctx); err != nil {
		cfg.Logger.Warn("cli: failed to restore connection logs", "error", err)
	}

	statusSync := tool.NewStatusSync(tool.StatusSyncConfig{Store: toolStore, Logger: cfg.Logger})
	notifiers := connection.Notifiers{log, statusSync}
	notifiers = append(notifiers, cfg.Notifiers...)

	controller, err := connection.NewController(connection.ControllerConfig{
		Prober:      prober,
		Notifier:    notifiers,
		Observer:    cfg.Observer,
		Logger:      cfg.Logger,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
	})
	if err != nil {
		_ = logStore.Close()
		_ = toolStore.Close()
		return nil, fmt.Errorf("creating controller: %w", err)
	}

	service, err := tool.NewService(tool.ServiceConfig{
		Store:           toolStore,
		Controller:      controller,
		StatusSync:      statusSync,
		Logger:          cfg.Logger,
		TestConcurrency: cfg.TestConcurrency,
	})
	if err != nil {
		_ = controller.Close()
		_ = logStore.Close()
		_ = toolStore.Close()
		return nil, fmt.Errorf("creating tool service: %w", err)
	}

	return &stack{
		toolStore:  toolStore,
		logStore:   logStore,
		log:        log,
		prober:     prober,
		controller: controller,
		service:    service,
	}, nil
}

// Close cancels pending retries and closes both stores.
func (s *stack) Close() error {
	return errors.Join(
		s.controller.Close(),
		s.logStore.Close(),
		s.toolStore.Close(),
	)
}

func newProber(cfg stackConfig) (connection.Prober, error) {
	if remote := strings.TrimSpace(cfg.RemoteURL); remote != "" {
		return &probe.RemoteProbe{BaseURL: remote, Timeout: cfg.ProbeTimeout}, nil
	}
	dispatcher, err := probe.New(probe.Config{
		Mode:    cfg.ProbeMode,
		Timeout: cfg.ProbeTimeout,
		Version: cfg.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating prober: %w", err)
	}
	return dispatcher, nil
}

// resolveSQLiteDSN returns the database DSN and secret scope from the named
// flag, TOOLCONN_SQLITE_PATH, or the default path.
func resolveSQLiteDSN(cmd *cobra.Command, flagName string) (string, string, error) {
	sqlitePath, _ := cmd.Flags().GetString(flagName)
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(sqlitePathEnv))
	}
	if dsn == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return "", "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = defaultPath
	}

	scope := dsn
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		clean := filepath.Clean(dsn)
		dsn = clean
		scope = clean
	}
	return dsn, scope, nil
}

// newLogger builds the process logger from --log-format and --verbose.
func newLogger(cmd *cobra.Command, format string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q (want text or json)", format)
	}
}
