package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeInvalidCredentials is returned when the target rejects the supplied credentials.
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	// CodeInvalidEndpoint is returned when the endpoint cannot be addressed at all.
	CodeInvalidEndpoint = "INVALID_ENDPOINT"
	// CodeConnectionFailed is returned when the target was reached but refused the test.
	CodeConnectionFailed = "CONNECTION_FAILED"
	// CodeTimeout is returned when a probe exceeds its deadline.
	CodeTimeout = "TIMEOUT"
	// CodeUnknown is used when a failure carries no code.
	CodeUnknown = "UNKNOWN_ERROR"
	// CodeControllerClosed is returned for tests issued after Controller.Close.
	CodeControllerClosed = "CONTROLLER_CLOSED"
)

// DefaultFailureMessage is used when a failure carries no message.
const DefaultFailureMessage = "Connection test failed"

// ProbeResult is the structured outcome of one probe call.
type ProbeResult struct {
	OK      bool
	Code    string
	Message string
}

// Prober checks whether a tool described by a Descriptor is reachable.
type Prober interface {
	Probe(ctx context.Context, descriptor Descriptor) (ProbeResult, error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, descriptor Descriptor) (ProbeResult, error)

// Probe calls f(ctx, descriptor).
func (f ProbeFunc) Probe(ctx context.Context, descriptor Descriptor) (ProbeResult, error) {
	return f(ctx, descriptor)
}

// ProbeError is a probe failure carrying a machine-readable code.
type ProbeError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ProbeError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case code == "" && msg == "":
		return DefaultFailureMessage
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ProbeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewProbeError builds a ProbeError, taking the message from cause when empty.
func NewProbeError(code, message string, cause error) *ProbeError {
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ProbeError{
		Code:    strings.TrimSpace(code),
		Message: msg,
		Cause:   cause,
	}
}

// IsRetryableCode reports whether a failure code may be retried.
func IsRetryableCode(code string) bool {
	switch code {
	case CodeInvalidCredentials, CodeInvalidEndpoint:
		return false
	default:
		return true
	}
}

// FailureDetails extracts code and message from a failed probe, applying defaults.
func FailureDetails(result ProbeResult, err error) (string, string) {
	code := strings.TrimSpace(result.Code)
	message := strings.TrimSpace(result.Message)
	if err != nil {
		var probeErr *ProbeError
		if errors.As(err, &probeErr) && probeErr != nil {
			if code == "" {
				code = strings.TrimSpace(probeErr.Code)
			}
			if message == "" {
				message = strings.TrimSpace(probeErr.Message)
			}
		}
		if message == "" {
			message = strings.TrimSpace(err.Error())
		}
	}
	if code == "" {
		code = CodeUnknown
	}
	if message == "" {
		message = DefaultFailureMessage
	}
	return code, message
}
