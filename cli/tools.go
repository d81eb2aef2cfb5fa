package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/eventlog"
	"github.com/petal-labs/toolconn/probe"
	"github.com/petal-labs/toolconn/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage tools and test their connections",
	}
	cmd.PersistentFlags().String("store-path", "", "Path to SQLite database (default: $TOOLCONN_SQLITE_PATH or ~/.toolconn/toolconn.db)")

	cmd.AddCommand(newToolsAddCmd())
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsGetCmd())
	cmd.AddCommand(newToolsDeleteCmd())
	cmd.AddCommand(newToolsTestCmd())
	cmd.AddCommand(newToolsStatusCmd())
	cmd.AddCommand(newToolsLogsCmd())
	return cmd
}

func newToolsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsAdd,
	}
	cmd.Flags().String("type", "", "Connection type: http or stdio")
	cmd.Flags().String("endpoint", "", "Tool URL (http) or command line (stdio)")
	cmd.Flags().String("auth", string(connection.AuthMethodNone), "Auth method: none, basic, token or api_key")
	cmd.Flags().String("username", "", "Username for basic auth")
	cmd.Flags().String("password", "", "Password for basic auth")
	cmd.Flags().String("token", "", "Bearer token for token auth")
	cmd.Flags().String("api-key", "", "Key for api_key auth")
	return cmd
}

func runToolsAdd(cmd *cobra.Command, args []string) error {
	connType, _ := cmd.Flags().GetString("type")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	auth, _ := cmd.Flags().GetString("auth")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	token, _ := cmd.Flags().GetString("token")
	apiKey, _ := cmd.Flags().GetString("api-key")

	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	created, err := st.service.Create(cmd.Context(), tool.ToolInput{
		Name:           args[0],
		ConnectionType: connection.ConnectionType(strings.ToLower(strings.TrimSpace(connType))),
		Endpoint:       endpoint,
		AuthMethod:     connection.AuthMethod(strings.ToLower(strings.TrimSpace(auth))),
		Username:       username,
		Password:       password,
		Token:          token,
		APIKey:         apiKey,
	})
	if err != nil {
		return toolsServiceError("adding tool", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added tool: %s (%s, id=%s)\n", created.Name, created.ConnectionType, created.ID)
	return nil
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tools",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	tools, err := st.service.List(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing tools: %w", err)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tID\tTYPE\tENDPOINT\tAUTH\tSTATUS\tLAST ACTIVE")
	for _, t := range tools {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Name,
			t.ID,
			t.ConnectionType,
			t.Endpoint,
			t.AuthMethod,
			t.Status,
			formatLastActive(t.LastActive),
		)
	}
	return writer.Flush()
}

func newToolsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name|id>",
		Short: "Show a tool with credentials masked",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsGet,
	}
}

func runToolsGet(cmd *cobra.Command, args []string) error {
	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := findTool(cmd.Context(), st.service, args[0])
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(tool.RedactTool(t), "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding tool: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newToolsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsDelete,
	}
}

func runToolsDelete(cmd *cobra.Command, args []string) error {
	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := findTool(cmd.Context(), st.service, args[0])
	if err != nil {
		return err
	}
	if err := st.service.Delete(cmd.Context(), t.ID); err != nil {
		return toolsServiceError("deleting tool", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted tool: %s\n", t.Name)
	return nil
}

func newToolsTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [name|id]",
		Short: "Test a tool connection, retrying transient failures",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runToolsTest,
	}
	cmd.Flags().Bool("all", false, "Test every stored tool")
	cmd.Flags().String("remote", "", "Probe through a running daemon at this base URL")
	cmd.Flags().String("probe-mode", string(probe.ModeMCP), "Probe mode for http tools: mcp or http")
	cmd.Flags().Duration("probe-timeout", 10*time.Second, "Timeout for one probe attempt")
	cmd.Flags().Int("max-attempts", connection.DefaultMaxAttempts, "Connection attempts per test")
	cmd.Flags().Duration("retry-delay", connection.DefaultRetryDelay, "Linear retry backoff unit")
	cmd.Flags().Duration("wait-timeout", 2*time.Minute, "Give up waiting for retries after this long")
	return cmd
}

func runToolsTest(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	remote, _ := cmd.Flags().GetString("remote")
	probeMode, _ := cmd.Flags().GetString("probe-mode")
	probeTimeout, _ := cmd.Flags().GetDuration("probe-timeout")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")

	if all == (len(args) == 1) {
		return exitError(exitValidation, "provide <name|id> or use --all")
	}
	if maxAttempts <= 0 {
		return exitError(exitValidation, "--max-attempts must be positive, got %d", maxAttempts)
	}
	if retryDelay <= 0 {
		return exitError(exitValidation, "--retry-delay must be positive, got %s", retryDelay)
	}

	waiter := newChainWaiter(maxAttempts)
	st, err := openToolsStack(cmd, stackConfig{
		MaxAttempts:  maxAttempts,
		RetryDelay:   retryDelay,
		ProbeMode:    probe.Mode(strings.ToLower(strings.TrimSpace(probeMode))),
		ProbeTimeout: probeTimeout,
		RemoteURL:    remote,
		Version:      cmd.Root().Version,
		Notifiers:    []connection.Notifier{waiter},
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	names := make(map[string]string)
	var ids []string
	if all {
		tools, err := st.service.List(ctx)
		if err != nil {
			return exitError(exitRuntime, "listing tools: %w", err)
		}
		for _, t := range tools {
			names[t.ID] = t.Name
		}
		result, err := st.service.TestAll(ctx)
		if err != nil {
			return exitError(exitRuntime, "testing tools: %w", err)
		}
		for id := range result.Results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range result.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped, test already running\n", names[id])
		}
	} else {
		t, err := findTool(ctx, st.service, args[0])
		if err != nil {
			return err
		}
		names[t.ID] = t.Name
		if _, err := st.service.Test(ctx, t.ID); err != nil {
			return toolsServiceError("testing tool", err)
		}
		ids = append(ids, t.ID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	finals, err := waiter.Wait(waitCtx, ids, func(change connection.StatusChange) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", names[change.ToolID], describeChange(change))
	})
	if err != nil {
		return exitError(exitTimeout, "waiting for connection tests: %w", err)
	}

	var failed []string
	for _, id := range ids {
		if finals[id].Status != connection.StatusConnected {
			failed = append(failed, names[id])
		}
	}
	if len(failed) > 0 {
		return exitError(exitConnectionFailed, "connection test failed: %s", strings.Join(failed, ", "))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connection test successful (%d tool(s))\n", len(ids))
	return nil
}

func newToolsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name|id>",
		Short: "Show the last recorded connection status of a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsStatus,
	}
}

func runToolsStatus(cmd *cobra.Command, args []string) error {
	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := findTool(cmd.Context(), st.service, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tool:        %s\n", t.Name)
	fmt.Fprintf(out, "Status:      %s\n", t.Status)
	fmt.Fprintf(out, "Last active: %s\n", formatLastActive(t.LastActive))

	if t.Status == tool.StatusError {
		entries, err := st.logStore.List(cmd.Context(), t.ID, 1)
		if err != nil {
			return exitError(exitRuntime, "reading logs: %w", err)
		}
		if len(entries) > 0 && entries[0].Level == eventlog.LevelError {
			fmt.Fprintf(out, "Last error:  %s\n", entryErrorText(entries[0]))
		}
	}
	return nil
}

func newToolsLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs [name|id]",
		Short: "Show connection logs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runToolsLogs,
	}
	cmd.Flags().Int("limit", 50, "Maximum entries to show (0 shows all)")
	cmd.Flags().Bool("clear", false, "Delete the logs instead of showing them")
	return cmd
}

func runToolsLogs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	clearLogs, _ := cmd.Flags().GetBool("clear")
	if limit < 0 {
		return exitError(exitValidation, "--limit must not be negative, got %d", limit)
	}

	st, err := openToolsStack(cmd, stackConfig{})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	tools, err := st.service.List(ctx)
	if err != nil {
		return exitError(exitRuntime, "listing tools: %w", err)
	}
	names := make(map[string]string, len(tools))
	for _, t := range tools {
		names[t.ID] = t.Name
	}

	toolID := ""
	if len(args) == 1 {
		t, err := findTool(ctx, st.service, args[0])
		if err != nil {
			return err
		}
		toolID = t.ID
	}

	if clearLogs {
		if err := st.logStore.Clear(ctx, toolID); err != nil {
			return exitError(exitRuntime, "clearing logs: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logs cleared")
		return nil
	}

	entries, err := st.logStore.List(ctx, toolID, limit)
	if err != nil {
		return exitError(exitRuntime, "reading logs: %w", err)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "TIME\tLEVEL\tTOOL\tMESSAGE")
	for _, entry := range entries {
		name := names[entry.ToolID]
		if name == "" {
			name = entry.ToolID
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			entry.Timestamp.Local().Format(time.DateTime),
			entry.Level,
			name,
			entry.Message,
		)
	}
	return writer.Flush()
}

// openToolsStack opens the local store for a tools subcommand. Controller
// logs go to stderr at warn level, or debug with --verbose.
func openToolsStack(cmd *cobra.Command, cfg stackConfig) (*stack, error) {
	dsn, scope, err := resolveSQLiteDSN(cmd, "store-path")
	if err != nil {
		return nil, exitError(exitRuntime, "%w", err)
	}
	cfg.DSN = dsn
	cfg.Scope = scope

	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	st, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return nil, exitError(exitRuntime, "%w", err)
	}
	return st, nil
}

// findTool resolves a tool by id, then by exact name.
func findTool(ctx context.Context, service *tool.Service, ref string) (tool.Tool, error) {
	t, err := service.Get(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, tool.ErrToolNotFound) {
		return tool.Tool{}, exitError(exitRuntime, "loading tool: %w", err)
	}

	tools, err := service.List(ctx)
	if err != nil {
		return tool.Tool{}, exitError(exitRuntime, "listing tools: %w", err)
	}
	for _, candidate := range tools {
		if candidate.Name == ref {
			return candidate, nil
		}
	}
	return tool.Tool{}, exitError(exitNotFound, "tool %q not found", ref)
}

// toolsServiceError maps service errors to exit codes.
func toolsServiceError(action string, err error) error {
	var validationErr *tool.ValidationError
	if errors.As(err, &validationErr) {
		return &ExitError{
			Code:    exitValidation,
			Message: action + ": " + formatDiagnostics(validationErr.Details),
			Err:     err,
		}
	}
	return exitError(serviceExitCode(err), "%s: %w", action, err)
}

func formatDiagnostics(diags []tool.Diagnostic) string {
	parts := make([]string, 0, len(diags))
	for _, diag := range diags {
		if diag.Severity != tool.SeverityError {
			continue
		}
		if diag.Field == "" {
			parts = append(parts, diag.Message)
			continue
		}
		parts = append(parts, diag.Field+": "+diag.Message)
	}
	return strings.Join(parts, "; ")
}

func describeChange(change connection.StatusChange) string {
	switch {
	case change.Status == connection.StatusError && change.Error != nil:
		return fmt.Sprintf("error %s: %s (attempt %d)", change.Error.Code, change.Error.Message, change.Attempt)
	case change.Status == connection.StatusConnecting || change.Status == connection.StatusRetrying:
		return fmt.Sprintf("%s (attempt %d)", change.Status, change.Attempt)
	default:
		return string(change.Status)
	}
}

// entryErrorText renders the connection error stored in a log entry's
// details, falling back to the entry message.
func entryErrorText(entry eventlog.Entry) string {
	switch connErr := entry.Details["error"].(type) {
	case *connection.ConnectionError:
		return connErr.Code + ": " + connErr.Message
	case map[string]any:
		code, _ := connErr["code"].(string)
		message, _ := connErr["message"].(string)
		if code != "" {
			return code + ": " + message
		}
	}
	return entry.Message
}

func formatLastActive(lastActive *time.Time) string {
	if lastActive == nil {
		return "-"
	}
	return lastActive.Local().Format(time.DateTime)
}

// chainWaiter collects status changes from the controller and reports when
// each test chain has settled for good.
type chainWaiter struct {
	maxAttempts int

	mu     sync.Mutex
	queue  []connection.StatusChange
	signal chan struct{}
}

func newChainWaiter(maxAttempts int) *chainWaiter {
	return &chainWaiter{
		maxAttempts: maxAttempts,
		signal:      make(chan struct{}, 1),
	}
}

// Notify implements connection.Notifier. It never blocks the controller.
func (w *chainWaiter) Notify(_ context.Context, change connection.StatusChange) {
	w.mu.Lock()
	w.queue = append(w.queue, change)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Wait passes every queued change to onChange until each id has reached a
// final change, and returns those changes by tool id.
func (w *chainWaiter) Wait(ctx context.Context, ids []string, onChange func(connection.StatusChange)) (map[string]connection.StatusChange, error) {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	finals := make(map[string]connection.StatusChange, len(ids))

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, change := range batch {
			if onChange != nil {
				onChange(change)
			}
			if w.final(change) {
				finals[change.ToolID] = change
				delete(pending, change.ToolID)
			}
		}
		if len(pending) == 0 {
			return finals, nil
		}

		select {
		case <-ctx.Done():
			return finals, ctx.Err()
		case <-w.signal:
		}
	}
}

// final reports whether no further attempt follows change.
func (w *chainWaiter) final(change connection.StatusChange) bool {
	switch change.Status {
	case connection.StatusConnected:
		return true
	case connection.StatusError:
		if change.Error == nil {
			return true
		}
		return change.Attempt >= w.maxAttempts || !connection.IsRetryableCode(change.Error.Code)
	default:
		return false
	}
}

var _ connection.Notifier = (*chainWaiter)(nil)
