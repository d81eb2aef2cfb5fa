package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolconn/bus"
	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/daemon"
	"github.com/petal-labs/toolconn/eventlog"
	tcotel "github.com/petal-labs/toolconn/otel"
	"github.com/petal-labs/toolconn/probe"
	"github.com/petal-labs/toolconn/tool"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool connection daemon",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.toolconn/toolconn.db)")
	cmd.Flags().String("config", "", "Path to toolconn.yaml config")
	cmd.Flags().Int("max-attempts", connection.DefaultMaxAttempts, "Connection attempts per test chain")
	cmd.Flags().Duration("retry-delay", connection.DefaultRetryDelay, "Linear retry backoff unit")
	cmd.Flags().Int("log-capacity", eventlog.DefaultCapacity, "In-memory connection log entries")
	cmd.Flags().Duration("log-retention", 0, "Drop persisted log entries older than this (0 keeps all)")
	cmd.Flags().String("probe-mode", string(probe.ModeMCP), "Probe mode for http tools: mcp or http")
	cmd.Flags().Duration("probe-timeout", 10*time.Second, "Timeout for one probe attempt")
	cmd.Flags().String("retest-schedule", tool.DefaultRetestSchedule, `Cron schedule for re-testing all tools ("off" disables)`)
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint URL")
	cmd.Flags().String("log-format", "text", "Log format: text or json")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

// serveSettings is the effective daemon configuration after merging the
// config file with explicitly set flags.
type serveSettings struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	LogCapacity     int
	LogRetention    time.Duration
	ProbeMode       probe.Mode
	ProbeTimeout    time.Duration
	RetestSchedule  string
	TestConcurrency int
	Config          daemon.ConfigFile
	ConfigPath      string
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	logFormat, _ := cmd.Flags().GetString("log-format")

	logger, err := newLogger(cmd, logFormat)
	if err != nil {
		return exitError(exitValidation, "%w", err)
	}

	settings, err := resolveServeSettings(cmd)
	if err != nil {
		return err
	}
	if settings.ConfigPath != "" {
		logger.Info("cli: loaded config", "path", settings.ConfigPath)
	}

	dsn, scope, err := resolveSQLiteDSN(cmd, "sqlite-path")
	if err != nil {
		return exitError(exitRuntime, "%w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := tcotel.Setup(ctx, tcotel.SetupConfig{
		ServiceName:  "toolconn",
		OTLPEndpoint: otlpEndpoint,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("cli: telemetry shutdown failed", "error", err)
		}
	}()
	observer, err := tcotel.NewConnectionObserver(providers.Meter(), providers.Tracer())
	if err != nil {
		return exitError(exitRuntime, "initializing connection metrics: %w", err)
	}
	defer observer.Chains().EndAll()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	st, err := openStack(ctx, stackConfig{
		DSN:             dsn,
		Scope:           scope,
		MaxAttempts:     settings.MaxAttempts,
		RetryDelay:      settings.RetryDelay,
		LogCapacity:     settings.LogCapacity,
		LogRetention:    settings.LogRetention,
		ProbeMode:       settings.ProbeMode,
		ProbeTimeout:    settings.ProbeTimeout,
		TestConcurrency: settings.TestConcurrency,
		Version:         cmd.Root().Version,
		Notifiers:       []connection.Notifier{eb},
		Observer:        observer,
		Logger:          logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%w", err)
	}
	defer st.Close()

	if len(settings.Config.Tools) > 0 {
		registered, err := daemon.RegisterToolsFromConfig(ctx, st.service, settings.Config)
		if err != nil {
			return exitError(exitValidation, "registering tools from %s: %w", settings.ConfigPath, err)
		}
		logger.Info("cli: registered tools from config", "count", len(registered))
	}

	if !strings.EqualFold(settings.RetestSchedule, "off") {
		scheduler, err := tool.NewRetestScheduler(tool.RetestSchedulerConfig{
			Service:  st.service,
			Schedule: settings.RetestSchedule,
			Logger:   logger,
			OnSweep: func(event tool.SweepEvent) {
				if event.Error != nil {
					logger.Warn("cli: re-test sweep failed", "error", event.Error)
					return
				}
				logger.Debug("cli: re-test sweep finished",
					"tested", len(event.Result.Results),
					"skipped", len(event.Result.Skipped),
				)
			},
		})
		if err != nil {
			return exitError(exitValidation, "invalid --retest-schedule: %w", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting re-test scheduler: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = scheduler.Stop(stopCtx)
		}()
		logger.Info("cli: re-test scheduler started", "schedule", settings.RetestSchedule, "next", scheduler.Next())
	}

	srv, err := daemon.NewServer(daemon.ServerConfig{
		Service:      st.service,
		Prober:       st.prober,
		Log:          st.log,
		Bus:          eb,
		Logger:       logger,
		ProbeTimeout: settings.ProbeTimeout,
	})
	if err != nil {
		return exitError(exitRuntime, "creating server: %w", err)
	}

	handler := withCORS(maxBodyMiddleware(srv.Handler(), maxBody), corsOrigin)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "toolconn daemon listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		// Close the bus first so open event streams return.
		_ = eb.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %w", err)
		}
		return nil
	}
}

// resolveServeSettings loads the discovered config file and applies flags
// the user set explicitly on top of it.
func resolveServeSettings(cmd *cobra.Command) (serveSettings, error) {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	configPath, found, err := daemon.DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return serveSettings{}, exitError(exitNotFound, "%w", err)
	}

	var settings serveSettings
	if found {
		cfg, err := daemon.LoadConfig(configPath)
		if err != nil {
			return serveSettings{}, exitError(exitValidation, "%w", err)
		}
		settings.Config = cfg
		settings.ConfigPath = configPath
	}
	cfg := settings.Config

	settings.MaxAttempts = intSetting(cmd, "max-attempts", cfg.Retry.MaxAttempts)
	settings.RetryDelay = durationSetting(cmd, "retry-delay", cfg.Retry.Delay)
	settings.LogCapacity = intSetting(cmd, "log-capacity", cfg.Log.Capacity)
	settings.LogRetention = durationSetting(cmd, "log-retention", cfg.Log.Retention)
	settings.ProbeTimeout = durationSetting(cmd, "probe-timeout", cfg.Probe.Timeout)
	settings.ProbeMode = probe.Mode(stringSetting(cmd, "probe-mode", cfg.Probe.Mode))
	settings.RetestSchedule = stringSetting(cmd, "retest-schedule", cfg.Retest.Schedule)
	settings.TestConcurrency = cfg.Retest.Concurrency

	if settings.MaxAttempts <= 0 {
		return serveSettings{}, exitError(exitValidation, "--max-attempts must be positive, got %d", settings.MaxAttempts)
	}
	if settings.RetryDelay <= 0 {
		return serveSettings{}, exitError(exitValidation, "--retry-delay must be positive, got %s", settings.RetryDelay)
	}
	switch settings.ProbeMode {
	case probe.ModeMCP, probe.ModeHTTP:
	default:
		return serveSettings{}, exitError(exitValidation, "--probe-mode must be mcp or http, got %q", settings.ProbeMode)
	}
	return settings, nil
}

// intSetting returns the flag value when it was set or the file has no
// value, and the file value otherwise. The same rule holds for the other
// setting helpers.
func intSetting(cmd *cobra.Command, flag string, fileValue int) int {
	value, _ := cmd.Flags().GetInt(flag)
	if cmd.Flags().Changed(flag) || fileValue == 0 {
		return value
	}
	return fileValue
}

func durationSetting(cmd *cobra.Command, flag string, fileValue time.Duration) time.Duration {
	value, _ := cmd.Flags().GetDuration(flag)
	if cmd.Flags().Changed(flag) || fileValue == 0 {
		return value
	}
	return fileValue
}

func stringSetting(cmd *cobra.Command, flag, fileValue string) string {
	value, _ := cmd.Flags().GetString(flag)
	fileValue = strings.TrimSpace(fileValue)
	if cmd.Flags().Changed(flag) || fileValue == "" {
		return strings.TrimSpace(value)
	}
	return fileValue
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware caps request bodies. Event streams carry no body and are
// unaffected.
func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
