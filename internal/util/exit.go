package util

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/kubeir/internal/containment"
	"github.com/ppiankov/kubeir/internal/k8s"
)

// Standard exit codes aligned with spectre tools family
const (
	// ExitOK indicates successful execution
	ExitOK = 0

	// ExitPolicyFail indicates the containment policy or rate limiter
	// refused an action
	ExitPolicyFail = 1

	// ExitInvalidInput indicates validation errors or invalid parameters
	ExitInvalidInput = 2

	// ExitRuntimeError indicates I/O errors, API failures, or runtime issues
	ExitRuntimeError = 3
)

// ExitCode maps an error returned by a command to an exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, containment.ErrDenied):
		return ExitPolicyFail
	case errors.Is(err, k8s.ErrInvalidArgument), errors.Is(err, ErrUsage):
		return ExitInvalidInput
	default:
		return ExitRuntimeError
	}
}

// ErrUsage marks command-line errors.
var ErrUsage = errors.New("usage")

// Usagef returns an ErrUsage error with a formatted message.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError prints an error message to stderr and exits with the given code
func ExitWithError(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	Exit(code)
}
