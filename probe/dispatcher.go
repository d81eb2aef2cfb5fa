// Package probe implements connection.Prober for the transports tools are
// registered with: MCP over streamable HTTP or stdio, plain HTTP
// reachability, and delegation to a remote daemon.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

// Mode selects how tools are probed.
type Mode string

const (
	// ModeMCP performs an MCP handshake for http and stdio tools.
	ModeMCP Mode = "mcp"
	// ModeHTTP only checks that http endpoints answer; stdio tools still use MCP.
	ModeHTTP Mode = "http"
)

// Config configures New.
type Config struct {
	Mode          Mode
	Timeout       time.Duration
	Client        *http.Client
	SkipListTools bool
	Version       string
}

// Dispatcher routes each descriptor to the prober for its connection type.
type Dispatcher struct {
	probers map[connection.ConnectionType]connection.Prober
}

// NewDispatcher builds a dispatcher from a connection type to prober map.
func NewDispatcher(probers map[connection.ConnectionType]connection.Prober) *Dispatcher {
	copied := make(map[connection.ConnectionType]connection.Prober, len(probers))
	for connType, prober := range probers {
		if prober != nil {
			copied[connType] = prober
		}
	}
	return &Dispatcher{probers: copied}
}

// New returns the default dispatcher for cfg.
func New(cfg Config) (*Dispatcher, error) {
	mcpProbe := &MCPProbe{
		Client:        cfg.Client,
		Timeout:       cfg.Timeout,
		SkipListTools: cfg.SkipListTools,
		Version:       cfg.Version,
	}

	var httpProber connection.Prober
	switch cfg.Mode {
	case "", ModeMCP:
		httpProber = mcpProbe
	case ModeHTTP:
		httpProber = &HTTPProbe{Client: cfg.Client, Timeout: cfg.Timeout}
	default:
		return nil, fmt.Errorf("probe: unsupported mode %q", cfg.Mode)
	}

	return NewDispatcher(map[connection.ConnectionType]connection.Prober{
		connection.ConnectionTypeHTTP:  httpProber,
		connection.ConnectionTypeStdio: mcpProbe,
	}), nil
}

// Probe implements connection.Prober.
func (d *Dispatcher) Probe(ctx context.Context, descriptor connection.Descriptor) (connection.ProbeResult, error) {
	prober, ok := d.probers[descriptor.ConnectionType]
	if !ok {
		return connection.ProbeResult{}, unsupportedType(descriptor.ConnectionType)
	}
	return prober.Probe(ctx, descriptor)
}

func unsupportedType(connType connection.ConnectionType) error {
	return connection.NewProbeError(
		connection.CodeInvalidEndpoint,
		fmt.Sprintf("unsupported connection type %q", connType),
		nil,
	)
}

var _ connection.Prober = (*Dispatcher)(nil)
