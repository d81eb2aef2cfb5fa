package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

// TestConnectionPath is the daemon route that runs one probe for a descriptor.
const TestConnectionPath = "/api/tools/test-connection"

// RemoteProbe delegates probing to a daemon's test-connection endpoint.
type RemoteProbe struct {
	// BaseURL is the daemon address, e.g. http://127.0.0.1:8080.
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// remoteResponse mirrors the daemon's test-connection envelope.
type remoteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Probe implements connection.Prober. A non-success response without a code
// is reported as CONNECTION_FAILED.
func (p *RemoteProbe) Probe(ctx context.Context, d connection.Descriptor) (connection.ProbeResult, error) {
	base := strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	if base == "" {
		return connection.ProbeResult{}, fmt.Errorf("probe: remote base URL is required")
	}

	body, err := json.Marshal(d)
	if err != nil {
		return connection.ProbeResult{}, fmt.Errorf("probe: encode descriptor: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+TestConnectionPath, bytes.NewReader(body))
	if err != nil {
		return connection.ProbeResult{}, fmt.Errorf("probe: build remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return connection.ProbeResult{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return connection.ProbeResult{}, fmt.Errorf("probe: read remote response: %w", err)
	}

	var decoded remoteResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < http.StatusBadRequest {
			return connection.ProbeResult{}, fmt.Errorf("probe: decode remote response: %w", err)
		}
	}

	if resp.StatusCode < http.StatusBadRequest && decoded.Success {
		return connection.ProbeResult{OK: true}, nil
	}

	code := strings.TrimSpace(decoded.Code)
	if code == "" {
		code = connection.CodeConnectionFailed
	}
	message := strings.TrimSpace(decoded.Error)
	if message == "" {
		message = connection.DefaultFailureMessage
	}
	return connection.ProbeResult{Code: code, Message: message}, nil
}

func (p *RemoteProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return pooledClient(p.Timeout, 30*time.Second)
}

var _ connection.Prober = (*RemoteProbe)(nil)
