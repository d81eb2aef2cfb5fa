package probe

import (
	"context"
	"testing"

	"github.com/petal-labs/toolconn/connection"
)

func TestDispatcherRoutesByType(t *testing.T) {
	var routed connection.ConnectionType
	record := func(ct connection.ConnectionType) connection.Prober {
		return connection.ProbeFunc(func(context.Context, connection.Descriptor) (connection.ProbeResult, error) {
			routed = ct
			return connection.ProbeResult{OK: true}, nil
		})
	}
	d := NewDispatcher(map[connection.ConnectionType]connection.Prober{
		connection.ConnectionTypeHTTP:  record(connection.ConnectionTypeHTTP),
		connection.ConnectionTypeStdio: record(connection.ConnectionTypeStdio),
	})

	for _, ct := range []connection.ConnectionType{connection.ConnectionTypeHTTP, connection.ConnectionTypeStdio} {
		if _, err := d.Probe(context.Background(), connection.Descriptor{ConnectionType: ct}); err != nil {
			t.Fatalf("Probe(%s) error = %v", ct, err)
		}
		if routed != ct {
			t.Fatalf("Probe(%s) routed to %s", ct, routed)
		}
	}
}

func TestDispatcherUnsupportedType(t *testing.T) {
	d := NewDispatcher(nil)
	_, err := d.Probe(context.Background(), connection.Descriptor{ConnectionType: "grpc"})
	if got := probeErrorCode(t, err); got != connection.CodeInvalidEndpoint {
		t.Fatalf("Probe() code = %q, want INVALID_ENDPOINT", got)
	}
}

func TestNewSelectsHTTPProber(t *testing.T) {
	d, err := New(Config{Mode: ModeHTTP})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := d.probers[connection.ConnectionTypeHTTP].(*HTTPProbe); !ok {
		t.Fatalf("http prober = %T, want *HTTPProbe", d.probers[connection.ConnectionTypeHTTP])
	}
	if _, ok := d.probers[connection.ConnectionTypeStdio].(*MCPProbe); !ok {
		t.Fatalf("stdio prober = %T, want *MCPProbe", d.probers[connection.ConnectionTypeStdio])
	}

	d, err = New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := d.probers[connection.ConnectionTypeHTTP].(*MCPProbe); !ok {
		t.Fatalf("default http prober = %T, want *MCPProbe", d.probers[connection.ConnectionTypeHTTP])
	}

	if _, err := New(Config{Mode: "grpc"}); err == nil {
		t.Fatal("New() error = nil, want unsupported mode")
	}
}
