package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/petal-labs/toolconn/connection"
)

func TestRemoteProbe(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantOK   bool
		wantCode string
		wantMsg  string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"success":true,"message":"Connection test successful"}`,
			wantOK: true,
		},
		{
			name:     "coded failure",
			status:   http.StatusUnauthorized,
			body:     `{"success":false,"error":"bad token","code":"INVALID_CREDENTIALS"}`,
			wantCode: connection.CodeInvalidCredentials,
			wantMsg:  "bad token",
		},
		{
			name:     "uncoded failure",
			status:   http.StatusBadGateway,
			body:     `{"success":false}`,
			wantCode: connection.CodeConnectionFailed,
			wantMsg:  connection.DefaultFailureMessage,
		},
		{
			name:     "non json error page",
			status:   http.StatusServiceUnavailable,
			body:     `<html>down</html>`,
			wantCode: connection.CodeConnectionFailed,
			wantMsg:  connection.DefaultFailureMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received connection.Descriptor
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != TestConnectionPath {
					t.Errorf("request = %s %s, want POST %s", r.Method, r.URL.Path, TestConnectionPath)
				}
				_ = json.NewDecoder(r.Body).Decode(&received)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := &RemoteProbe{BaseURL: server.URL + "/"}
			result, err := p.Probe(context.Background(), connection.Descriptor{
				Name:           "remote",
				ConnectionType: connection.ConnectionTypeHTTP,
				Endpoint:       "https://tools.example.com/mcp",
				AuthMethod:     connection.AuthMethodToken,
				Token:          "abc",
			})
			if err != nil {
				t.Fatalf("Probe() error = %v", err)
			}
			if result.OK != tt.wantOK || result.Code != tt.wantCode || result.Message != tt.wantMsg {
				t.Fatalf("Probe() = %+v, want ok=%v code=%q message=%q", result, tt.wantOK, tt.wantCode, tt.wantMsg)
			}
			if received.Name != "remote" || received.Token != "abc" {
				t.Fatalf("daemon received %+v", received)
			}
		})
	}
}

func TestRemoteProbeRequiresBaseURL(t *testing.T) {
	if _, err := (&RemoteProbe{}).Probe(context.Background(), connection.Descriptor{}); err == nil {
		t.Fatal("Probe() error = nil, want base URL error")
	}
}
