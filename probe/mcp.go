package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petal-labs/toolconn/connection"
)

// ClientName identifies this process in MCP initialize requests.
const ClientName = "toolconn"

// MCPProbe tests a tool by completing an MCP initialize handshake and,
// unless disabled, listing its tools. HTTP tools use the streamable HTTP
// transport; stdio tools are launched as a subprocess.
type MCPProbe struct {
	// Client supplies the base HTTP transport; the shared probe transport is used when nil.
	Client *http.Client
	// Timeout bounds the whole handshake (default: 10s).
	Timeout time.Duration
	// SkipListTools stops after initialize.
	SkipListTools bool
	// Version is reported in the client implementation info.
	Version string
	// Env is appended to the environment of stdio tools.
	Env []string
}

// Probe implements connection.Prober.
func (p *MCPProbe) Probe(ctx context.Context, d connection.Descriptor) (connection.ProbeResult, error) {
	if err := checkCredentials(d); err != nil {
		return connection.ProbeResult{}, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch d.ConnectionType {
	case connection.ConnectionTypeHTTP:
		return p.probeHTTP(ctx, d)
	case connection.ConnectionTypeStdio:
		return p.probeStdio(ctx, d)
	default:
		return connection.ProbeResult{}, unsupportedType(d.ConnectionType)
	}
}

func (p *MCPProbe) probeHTTP(ctx context.Context, d connection.Descriptor) (connection.ProbeResult, error) {
	endpoint, err := parseHTTPEndpoint(d.Endpoint)
	if err != nil {
		return connection.ProbeResult{}, err
	}

	auth := &authTransport{base: p.baseTransport(), descriptor: d}
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint.String(),
		HTTPClient: &http.Client{Transport: auth},
	}

	if err := p.handshake(ctx, transport); err != nil {
		switch {
		case auth.rejected.Load():
			return connection.ProbeResult{}, connection.NewProbeError(connection.CodeInvalidCredentials, "endpoint rejected credentials", err)
		case isDeadline(ctx, err):
			return connection.ProbeResult{}, connection.NewProbeError(connection.CodeTimeout, "MCP handshake timed out", err)
		}
		status := int(auth.lastStatus.Load())
		switch {
		case status == http.StatusNotFound || status == http.StatusGone:
			return connection.ProbeResult{}, connection.NewProbeError(connection.CodeInvalidEndpoint, fmt.Sprintf("endpoint not found (status %d)", status), err)
		case status == 0:
			return connection.ProbeResult{}, fmt.Errorf("probe: mcp connect: %w", err)
		default:
			return connection.ProbeResult{}, connection.NewProbeError(connection.CodeConnectionFailed, "MCP handshake failed: "+err.Error(), err)
		}
	}
	return connection.ProbeResult{OK: true}, nil
}

func (p *MCPProbe) probeStdio(ctx context.Context, d connection.Descriptor) (connection.ProbeResult, error) {
	argv := strings.Fields(d.Endpoint)
	if len(argv) == 0 {
		return connection.ProbeResult{}, connection.NewProbeError(connection.CodeInvalidEndpoint, "command is required", nil)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return connection.ProbeResult{}, connection.NewProbeError(connection.CodeInvalidEndpoint, fmt.Sprintf("command %q not found", argv[0]), err)
	}

	// #nosec G204 -- the command comes from an operator-registered tool.
	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Env = append(append(os.Environ(), p.Env...), authEnv(d)...)

	if err := p.handshake(ctx, &mcp.CommandTransport{Command: cmd}); err != nil {
		if isDeadline(ctx, err) {
			return connection.ProbeResult{}, connection.NewProbeError(connection.CodeTimeout, "MCP handshake timed out", err)
		}
		return connection.ProbeResult{}, connection.NewProbeError(connection.CodeConnectionFailed, "MCP handshake failed: "+err.Error(), err)
	}
	return connection.ProbeResult{OK: true}, nil
}

func (p *MCPProbe) handshake(ctx context.Context, transport mcp.Transport) error {
	version := p.Version
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	if p.SkipListTools {
		return nil
	}
	if _, err := session.ListTools(ctx, &mcp.ListToolsParams{}); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	return nil
}

func (p *MCPProbe) baseTransport() http.RoundTripper {
	if p.Client != nil && p.Client.Transport != nil {
		return p.Client.Transport
	}
	if p.Client != nil {
		return http.DefaultTransport
	}
	return probeTransport()
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

var _ connection.Prober = (*MCPProbe)(nil)
