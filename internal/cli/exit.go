package cli

import (
	"errors"
	"fmt"
)

// Exit codes of the apply command surface.
const (
	// ExitConverged means every service converged.
	ExitConverged = 0
	// ExitFailed means at least one service failed terminally.
	ExitFailed = 1
	// ExitSpecError means the topology could not be loaded or planned.
	ExitSpecError = 2
)

// ExitError carries a process exit code alongside the underlying error.
type ExitError struct {
	// Code is the process exit code to report.
	Code int
	// Err is the underlying cause.
	Err error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return fmt.Sprintf("exit code %d", e.code())
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func (e *ExitError) code() int {
	if e == nil {
		return ExitFailed
	}
	return e.Code
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitConverged
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.code()
	}
	return ExitFailed
}

// specError wraps a load or planning failure with the spec-error exit code.
func specError(err error) error {
	return &ExitError{Code: ExitSpecError, Err: err}
}
