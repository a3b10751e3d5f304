// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/config"
	"github.com/jeranaias/tutorbus/internal/engine"
	"github.com/jeranaias/tutorbus/internal/gateway"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
	ExitTimeoutError  = 8
	// ExitUnhealthy is returned by the health command when a check fails.
	ExitUnhealthy = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a failed command step.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError is bad command-line input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError is an unknown agent or resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrUnhealthy is returned when a health check fails.
var ErrUnhealthy = errors.New("unhealthy")

// ErrMissingArgument builds a usage error for a missing positional.
func ErrMissingArgument(name, usage string) error {
	return &ValidationError{Field: name, Reason: "is required", Example: usage}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps an error to the process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var (
		validation *ValidationError
		notFound   *NotFoundError
		cfgErrs    config.ValidateErrors
	)
	switch {
	case errors.As(err, &validation):
		return ExitUsageError
	case errors.As(err, &notFound):
		return ExitNotFoundError
	case errors.As(err, &cfgErrs), errors.Is(err, engine.ErrNoEngine):
		return ExitConfigError
	case errors.Is(err, ErrUnhealthy):
		return ExitUnhealthy
	case errors.Is(err, bus.ErrUnavailable):
		return ExitNetworkError
	case errors.Is(err, gateway.ErrAwaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}
	return ExitGeneralError
}

// DisplayError prints err to stderr, or as a JSON error response on stdout
// in JSON mode.
func DisplayError(err error, command string, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Write(os.Stdout)
		return
	}
	displayError(os.Stderr, err)
}

func displayError(w io.Writer, err error) {
	var cfgErrs config.ValidateErrors
	if errors.As(err, &cfgErrs) {
		fmt.Fprintln(w, "Error: invalid configuration")
		for _, e := range cfgErrs {
			fmt.Fprintf(w, "  - %s\n", e.Error())
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	var validation *ValidationError
	if errors.As(err, &validation) {
		fmt.Fprintln(w, "Run 'tutorbus help' for usage.")
	}
}
