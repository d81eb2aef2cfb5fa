package connection

import (
	"strings"
	"time"
)

// Status is the connection state of one tool.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRetrying     Status = "retrying"
	StatusError        Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusRetrying, StatusError:
		return true
	default:
		return false
	}
}

// ConnectionType is the transport used to reach a tool.
type ConnectionType string

const (
	ConnectionTypeHTTP  ConnectionType = "http"
	ConnectionTypeStdio ConnectionType = "stdio"
)

// AuthMethod selects which credential fields of a Descriptor apply.
type AuthMethod string

const (
	AuthMethodNone   AuthMethod = "none"
	AuthMethodBasic  AuthMethod = "basic"
	AuthMethodToken  AuthMethod = "token"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Descriptor carries everything a probe needs to reach a tool.
type Descriptor struct {
	Name           string         `json:"name"`
	ConnectionType ConnectionType `json:"connectionType"`
	Endpoint       string         `json:"endpoint"`
	AuthMethod     AuthMethod     `json:"authMethod"`
	Username       string         `json:"username,omitempty"`
	Password       string         `json:"password,omitempty"`
	Token          string         `json:"token,omitempty"`
	APIKey         string         `json:"apiKey,omitempty"`
}

// Redacted returns a copy of d with credential values masked.
func (d Descriptor) Redacted() Descriptor {
	out := d
	for _, field := range []*string{&out.Password, &out.Token, &out.APIKey} {
		if strings.TrimSpace(*field) != "" {
			*field = "********"
		}
	}
	return out
}

// ConnectionError describes the failure recorded while a tool is in the error state.
type ConnectionError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retryCount"`
}

// ToolConnection is the connection state of one tool id.
type ToolConnection struct {
	ID         string           `json:"id"`
	Status     Status           `json:"status"`
	LastActive *time.Time       `json:"lastActive,omitempty"`
	RetryCount int              `json:"retryCount"`
	Error      *ConnectionError `json:"error,omitempty"`
}

func defaultConnection(id string) ToolConnection {
	return ToolConnection{ID: id, Status: StatusDisconnected}
}

func cloneConnection(conn ToolConnection) ToolConnection {
	out := conn
	if conn.LastActive != nil {
		lastActive := *conn.LastActive
		out.LastActive = &lastActive
	}
	if conn.Error != nil {
		connErr := *conn.Error
		out.Error = &connErr
	}
	return out
}

// TestResult is returned by one connection test attempt.
type TestResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}
