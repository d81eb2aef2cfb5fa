package tool

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/petal-labs/toolconn/connection"
)

// Severity defines diagnostic severity produced by validators.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a structured validation finding.
type Diagnostic struct {
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

const (
	// ValidationFailedCode identifies aggregated tool validation failures.
	ValidationFailedCode = "VALIDATION_FAILED"
	// MinNameLength is the shortest accepted tool name.
	MinNameLength = 2
)

// ValidationError carries every diagnostic found for a tool.
type ValidationError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []Diagnostic `json:"details"`
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks the user-editable fields of a tool and returns a
// *ValidationError listing all findings, or nil.
func Validate(t Tool) error {
	diags := ValidateTool(t)
	if !hasValidationErrors(diags) {
		return nil
	}
	return &ValidationError{
		Code:    ValidationFailedCode,
		Message: "Validation failed",
		Details: diags,
	}
}

// ValidateTool returns all diagnostics for t.
func ValidateTool(t Tool) []Diagnostic {
	diags := make([]Diagnostic, 0)

	name := strings.TrimSpace(t.Name)
	switch {
	case name == "":
		diags = append(diags, requiredField("name", "Name is required"))
	case utf8.RuneCountInString(name) < MinNameLength:
		diags = append(diags, Diagnostic{
			Field:    "name",
			Code:     "INVALID_NAME",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Name must be at least %d characters", MinNameLength),
		})
	}

	switch t.ConnectionType {
	case connection.ConnectionTypeHTTP, connection.ConnectionTypeStdio:
	case "":
		diags = append(diags, requiredField("connectionType", "Connection type is required"))
	default:
		diags = append(diags, Diagnostic{
			Field:    "connectionType",
			Code:     "INVALID_CONNECTION_TYPE",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Connection type must be one of http, stdio (got %q)", t.ConnectionType),
		})
	}

	if strings.TrimSpace(t.Endpoint) == "" {
		diags = append(diags, requiredField("endpoint", "Endpoint is required"))
	}

	switch t.AuthMethod {
	case connection.AuthMethodNone:
	case connection.AuthMethodBasic:
		if strings.TrimSpace(t.Username) == "" {
			diags = append(diags, requiredField("username", "Username is required for basic auth"))
		}
		if t.Password == "" {
			diags = append(diags, requiredField("password", "Password is required for basic auth"))
		}
	case connection.AuthMethodToken:
		if strings.TrimSpace(t.Token) == "" {
			diags = append(diags, requiredField("token", "Token is required for token auth"))
		}
	case connection.AuthMethodAPIKey:
		if strings.TrimSpace(t.APIKey) == "" {
			diags = append(diags, requiredField("apiKey", "API key is required for api_key auth"))
		}
	default:
		diags = append(diags, Diagnostic{
			Field:    "authMethod",
			Code:     "INVALID_AUTH_METHOD",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Auth method must be one of none, basic, token, api_key (got %q)", t.AuthMethod),
		})
	}

	if t.ConnectionType == connection.ConnectionTypeStdio && t.AuthMethod != connection.AuthMethodNone && t.AuthMethod != "" {
		diags = append(diags, Diagnostic{
			Field:    "authMethod",
			Code:     "CREDENTIALS_AS_ENV",
			Severity: SeverityWarning,
			Message:  "Credentials for stdio tools are passed to the command as environment variables",
		})
	}

	return diags
}

func requiredField(field, message string) Diagnostic {
	return Diagnostic{
		Field:    field,
		Code:     "REQUIRED_FIELD",
		Severity: SeverityError,
		Message:  message,
	}
}

func hasValidationErrors(diags []Diagnostic) bool {
	for _, diag := range diags {
		if diag.Severity == SeverityError {
			return true
		}
	}
	return false
}
