package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/toolconn/tool"
)

// Process exit codes.
const (
	exitValidation       = 1
	exitRuntime          = 2
	exitNotFound         = 3
	exitConnectionFailed = 5
	exitTimeout          = 10
)

// ExitError fails a command with a specific process exit code. main maps it
// to os.Exit; Err keeps the underlying failure reachable through errors.Is.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError formats like fmt.Errorf; a %w operand becomes Err.
func exitError(code int, format string, args ...any) *ExitError {
	err := fmt.Errorf(format, args...)
	return &ExitError{
		Code:    code,
		Message: err.Error(),
		Err:     errors.Unwrap(err),
	}
}

// serviceExitCode picks the exit code for an error returned by tool.Service.
func serviceExitCode(err error) int {
	var validationErr *tool.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return exitValidation
	case errors.Is(err, tool.ErrToolNotFound):
		return exitNotFound
	default:
		return exitRuntime
	}
}
