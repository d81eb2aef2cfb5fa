package probe

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/petal-labs/toolconn/connection"
)

// APIKeyHeader carries the api_key credential on HTTP probes.
const APIKeyHeader = "X-API-Key"

// checkCredentials reports INVALID_CREDENTIALS when the auth method's
// required fields are empty.
func checkCredentials(d connection.Descriptor) error {
	missing := ""
	switch d.AuthMethod {
	case connection.AuthMethodBasic:
		if strings.TrimSpace(d.Username) == "" || d.Password == "" {
			missing = "username and password are required for basic auth"
		}
	case connection.AuthMethodToken:
		if strings.TrimSpace(d.Token) == "" {
			missing = "token is required for token auth"
		}
	case connection.AuthMethodAPIKey:
		if strings.TrimSpace(d.APIKey) == "" {
			missing = "api key is required for api_key auth"
		}
	case "", connection.AuthMethodNone:
	default:
		return connection.NewProbeError(connection.CodeInvalidCredentials, "unsupported auth method "+string(d.AuthMethod), nil)
	}
	if missing != "" {
		return connection.NewProbeError(connection.CodeInvalidCredentials, missing, nil)
	}
	return nil
}

func applyAuth(header http.Header, d connection.Descriptor) {
	switch d.AuthMethod {
	case connection.AuthMethodBasic:
		req := http.Request{Header: header}
		req.SetBasicAuth(d.Username, d.Password)
	case connection.AuthMethodToken:
		header.Set("Authorization", "Bearer "+strings.TrimSpace(d.Token))
	case connection.AuthMethodAPIKey:
		header.Set(APIKeyHeader, strings.TrimSpace(d.APIKey))
	}
}

// authEnv exposes credentials to stdio tools as environment variables.
func authEnv(d connection.Descriptor) []string {
	var env []string
	switch d.AuthMethod {
	case connection.AuthMethodBasic:
		env = append(env, "TOOL_USERNAME="+d.Username, "TOOL_PASSWORD="+d.Password)
	case connection.AuthMethodToken:
		env = append(env, "TOOL_TOKEN="+d.Token)
	case connection.AuthMethodAPIKey:
		env = append(env, "TOOL_API_KEY="+d.APIKey)
	}
	return env
}

// authTransport injects descriptor credentials and remembers the last
// authorization rejection so handshake errors can be classified.
type authTransport struct {
	base       http.RoundTripper
	descriptor connection.Descriptor
	rejected   atomic.Bool
	lastStatus atomic.Int64
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	applyAuth(clone.Header, t.descriptor)
	resp, err := t.base.RoundTrip(clone)
	if err != nil {
		return nil, err
	}
	t.lastStatus.Store(int64(resp.StatusCode))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.rejected.Store(true)
	}
	return resp, nil
}
