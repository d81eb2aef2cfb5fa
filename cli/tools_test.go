package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/probe"
	"github.com/petal-labs/toolconn/tool"
)

func setTestStore(t *testing.T) string {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "toolconn.db")
	t.Setenv(sqlitePathEnv, storePath)
	t.Setenv(tool.SecretKeyEnv, "cli-test-key")
	return storePath
}

func TestToolsAddListGetDelete(t *testing.T) {
	setTestStore(t)

	stdout, _, err := executeCommand(newTestRoot(), "tools", "add", "github",
		"--type", "http",
		"--endpoint", "https://example.com/mcp",
		"--auth", "token",
		"--token", "ghp_secret_value",
	)
	if err != nil {
		t.Fatalf("add error = %v", err)
	}
	if !strings.Contains(stdout, "Added tool: github (http") {
		t.Fatalf("add output = %q, want success message", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(stdout, "NAME") || !strings.Contains(stdout, "github") {
		t.Fatalf("list output = %q, want header and tool", stdout)
	}
	if !strings.Contains(stdout, "disconnected") {
		t.Fatalf("list output = %q, want disconnected status", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "get", "github")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	var got tool.Tool
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode get output: %v\n%s", err, stdout)
	}
	if got.Name != "github" || got.AuthMethod != connection.AuthMethodToken {
		t.Fatalf("get = %+v", got)
	}
	if strings.Contains(stdout, "ghp_secret_value") {
		t.Fatalf("get output leaks token: %s", stdout)
	}
	if got.Token != tool.MaskedSecretValue {
		t.Fatalf("token = %q, want masked", got.Token)
	}

	// Lookup by id works as well as by name.
	if _, _, err := executeCommand(newTestRoot(), "tools", "get", got.ID); err != nil {
		t.Fatalf("get by id error = %v", err)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "delete", "github")
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if !strings.Contains(stdout, "Deleted tool: github") {
		t.Fatalf("delete output = %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "get", "github")
	requireExitCode(t, err, exitNotFound)
}

func TestToolsAddValidation(t *testing.T) {
	setTestStore(t)

	_, _, err := executeCommand(newTestRoot(), "tools", "add", "x", "--type", "grpc", "--auth", "token")
	requireExitCode(t, err, exitValidation)
	for _, field := range []string{"name", "connectionType", "endpoint", "token"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error = %q, want diagnostic for %s", err.Error(), field)
		}
	}
}

func TestToolsTestConnectsAndRecordsStatus(t *testing.T) {
	setTestStore(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	if _, _, err := executeCommand(newTestRoot(), "tools", "add", "local", "--type", "http", "--endpoint", target.URL); err != nil {
		t.Fatalf("add error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "test", "local", "--probe-mode", "http")
	if err != nil {
		t.Fatalf("test error = %v\n%s", err, stdout)
	}
	for _, want := range []string{"local: connecting (attempt 1)", "local: connected", "Connection test successful (1 tool(s))"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("test output = %q, want %q", stdout, want)
		}
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "status", "local")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(stdout, "Status:      connected") {
		t.Fatalf("status output = %q, want connected", stdout)
	}
	if strings.Contains(stdout, "Last active: -") {
		t.Fatalf("status output = %q, want last active time", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "logs", "local")
	if err != nil {
		t.Fatalf("logs error = %v", err)
	}
	if !strings.Contains(stdout, "TIME") || !strings.Contains(stdout, "success") {
		t.Fatalf("logs output = %q, want a success entry", stdout)
	}
}

func TestToolsTestRetriesThenFails(t *testing.T) {
	setTestStore(t)
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer target.Close()

	if _, _, err := executeCommand(newTestRoot(), "tools", "add", "flaky", "--type", "http", "--endpoint", target.URL); err != nil {
		t.Fatalf("add error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "test", "flaky",
		"--probe-mode", "http",
		"--max-attempts", "2",
		"--retry-delay", "10ms",
	)
	requireExitCode(t, err, exitConnectionFailed)
	if got := hits.Load(); got != 2 {
		t.Fatalf("probe requests = %d, want 2", got)
	}
	for _, want := range []string{
		"flaky: error CONNECTION_FAILED",
		"flaky: retrying (attempt 2)",
		"(attempt 2)",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("test output = %q, want %q", stdout, want)
		}
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "status", "flaky")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(stdout, "Status:      error") || !strings.Contains(stdout, "Last error:  CONNECTION_FAILED") {
		t.Fatalf("status output = %q, want error with last error", stdout)
	}
}

func TestToolsTestTerminalFailureDoesNotRetry(t *testing.T) {
	setTestStore(t)
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer target.Close()

	if _, _, err := executeCommand(newTestRoot(), "tools", "add", "locked", "--type", "http", "--endpoint", target.URL); err != nil {
		t.Fatalf("add error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "test", "locked", "--probe-mode", "http", "--retry-delay", "10ms")
	requireExitCode(t, err, exitConnectionFailed)
	if got := hits.Load(); got != 1 {
		t.Fatalf("probe requests = %d, want 1", got)
	}
	if !strings.Contains(stdout, "error INVALID_CREDENTIALS") {
		t.Fatalf("test output = %q, want INVALID_CREDENTIALS", stdout)
	}
}

func TestToolsTestRemote(t *testing.T) {
	setTestStore(t)
	var gotDescriptor connection.Descriptor
	daemonStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != probe.TestConnectionPath {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotDescriptor)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"Connection test successful"}`))
	}))
	defer daemonStub.Close()

	if _, _, err := executeCommand(newTestRoot(), "tools", "add", "remote-tool", "--type", "stdio", "--endpoint", "npx server"); err != nil {
		t.Fatalf("add error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "test", "remote-tool", "--remote", daemonStub.URL)
	if err != nil {
		t.Fatalf("test error = %v\n%s", err, stdout)
	}
	if gotDescriptor.ConnectionType != connection.ConnectionTypeStdio || gotDescriptor.Endpoint != "npx server" {
		t.Fatalf("remote descriptor = %+v", gotDescriptor)
	}
}

func TestToolsTestAll(t *testing.T) {
	setTestStore(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	for _, name := range []string{"one", "two"} {
		if _, _, err := executeCommand(newTestRoot(), "tools", "add", name, "--type", "http", "--endpoint", target.URL); err != nil {
			t.Fatalf("add %s error = %v", name, err)
		}
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "test", "--all", "--probe-mode", "http")
	if err != nil {
		t.Fatalf("test --all error = %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, "one: connected") || !strings.Contains(stdout, "two: connected") {
		t.Fatalf("test --all output = %q", stdout)
	}
	if !strings.Contains(stdout, "(2 tool(s))") {
		t.Fatalf("test --all output = %q, want 2 tools", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "test")
	requireExitCode(t, err, exitValidation)
}

func TestToolsLogsClear(t *testing.T) {
	setTestStore(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	if _, _, err := executeCommand(newTestRoot(), "tools", "add", "local", "--type", "http", "--endpoint", target.URL); err != nil {
		t.Fatalf("add error = %v", err)
	}
	if _, _, err := executeCommand(newTestRoot(), "tools", "test", "local", "--probe-mode", "http"); err != nil {
		t.Fatalf("test error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "logs", "--limit", "1")
	if err != nil {
		t.Fatalf("logs error = %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(stdout), "\n"); len(lines) != 2 {
		t.Fatalf("logs --limit 1 lines = %d, want header + 1\n%s", len(lines), stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "logs", "--clear")
	if err != nil {
		t.Fatalf("logs --clear error = %v", err)
	}
	if !strings.Contains(stdout, "Logs cleared") {
		t.Fatalf("logs --clear output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "logs")
	if err != nil {
		t.Fatalf("logs error = %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(stdout), "\n"); len(lines) != 1 {
		t.Fatalf("logs after clear = %q, want header only", stdout)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "logs", "--limit", "-1")
	requireExitCode(t, err, exitValidation)
}

func TestChainWaiterFinalChanges(t *testing.T) {
	waiter := newChainWaiter(3)
	ctx := context.Background()

	waiter.Notify(ctx, connection.StatusChange{ToolID: "a", Status: connection.StatusConnecting, Attempt: 1})
	waiter.Notify(ctx, connection.StatusChange{ToolID: "a", Status: connection.StatusError, Attempt: 1,
		Error: &connection.ConnectionError{Code: connection.CodeTimeout}})
	waiter.Notify(ctx, connection.StatusChange{ToolID: "b", Status: connection.StatusError, Attempt: 1,
		Error: &connection.ConnectionError{Code: connection.CodeInvalidEndpoint}})

	go func() {
		time.Sleep(10 * time.Millisecond)
		waiter.Notify(ctx, connection.StatusChange{ToolID: "a", Status: connection.StatusRetrying, Attempt: 2})
		waiter.Notify(ctx, connection.StatusChange{ToolID: "a", Status: connection.StatusConnected, Attempt: 2})
	}()

	var seen int
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	finals, err := waiter.Wait(waitCtx, []string{"a", "b"}, func(connection.StatusChange) { seen++ })
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if seen != 5 {
		t.Fatalf("changes seen = %d, want 5", seen)
	}
	if finals["a"].Status != connection.StatusConnected {
		t.Fatalf("final a = %s, want connected", finals["a"].Status)
	}
	if finals["b"].Error == nil || finals["b"].Error.Code != connection.CodeInvalidEndpoint {
		t.Fatalf("final b = %+v, want INVALID_ENDPOINT", finals["b"])
	}
}

func TestChainWaiterTimesOut(t *testing.T) {
	waiter := newChainWaiter(3)
	waiter.Notify(context.Background(), connection.StatusChange{ToolID: "a", Status: connection.StatusError, Attempt: 2,
		Error: &connection.ConnectionError{Code: connection.CodeTimeout}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := waiter.Wait(ctx, []string{"a"}, nil); err == nil {
		t.Fatal("Wait() error = nil, want deadline exceeded")
	}
}
