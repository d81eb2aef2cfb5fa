package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

// DefaultTimeout bounds a single probe when none is configured.
const DefaultTimeout = 10 * time.Second

// HTTPProbe checks that an HTTP endpoint answers and accepts the descriptor's
// credentials. It does not speak any tool protocol.
type HTTPProbe struct {
	// Client overrides the client built on the shared probe transport.
	Client *http.Client
	// Timeout bounds each request (default: 10s).
	Timeout time.Duration
	// Method is the request method (default: GET).
	Method string
}

// Probe implements connection.Prober.
func (p *HTTPProbe) Probe(ctx context.Context, d connection.Descriptor) (connection.ProbeResult, error) {
	endpoint, err := parseHTTPEndpoint(d.Endpoint)
	if err != nil {
		return connection.ProbeResult{}, err
	}
	if err := checkCredentials(d); err != nil {
		return connection.ProbeResult{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return connection.ProbeResult{}, connection.NewProbeError(connection.CodeInvalidEndpoint, "", err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyAuth(req.Header, d)

	resp, err := p.client().Do(req)
	if err != nil {
		return connection.ProbeResult{}, transportError(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode), nil
}

func (p *HTTPProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return pooledClient(p.Timeout, DefaultTimeout)
}

// classifyStatus maps an HTTP response status to a probe outcome. Method and
// content negotiation rejections still prove the endpoint is reachable.
func classifyStatus(status int) connection.ProbeResult {
	switch {
	case status >= 200 && status < 400:
		return connection.ProbeResult{OK: true}
	case status == http.StatusMethodNotAllowed, status == http.StatusNotAcceptable, status == http.StatusUnsupportedMediaType:
		return connection.ProbeResult{OK: true}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return connection.ProbeResult{
			Code:    connection.CodeInvalidCredentials,
			Message: fmt.Sprintf("endpoint rejected credentials (status %d)", status),
		}
	case status == http.StatusNotFound, status == http.StatusGone:
		return connection.ProbeResult{
			Code:    connection.CodeInvalidEndpoint,
			Message: fmt.Sprintf("endpoint not found (status %d)", status),
		}
	default:
		return connection.ProbeResult{
			Code:    connection.CodeConnectionFailed,
			Message: fmt.Sprintf("endpoint returned status %d", status),
		}
	}
}

func parseHTTPEndpoint(raw string) (*url.URL, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, connection.NewProbeError(connection.CodeInvalidEndpoint, "endpoint is required", nil)
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return nil, connection.NewProbeError(connection.CodeInvalidEndpoint, "endpoint is not a valid URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, connection.NewProbeError(connection.CodeInvalidEndpoint, fmt.Sprintf("unsupported endpoint scheme %q", parsed.Scheme), nil)
	}
	if parsed.Host == "" {
		return nil, connection.NewProbeError(connection.CodeInvalidEndpoint, "endpoint host is required", nil)
	}
	return parsed, nil
}

// transportError keeps plain transport failures uncoded so they are retried
// as unknown errors; only deadline expiry gets a code.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return connection.NewProbeError(connection.CodeTimeout, "connection test timed out", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return connection.NewProbeError(connection.CodeTimeout, "connection test timed out", err)
	}
	return fmt.Errorf("probe: %w", err)
}

var _ connection.Prober = (*HTTPProbe)(nil)
