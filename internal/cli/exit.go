package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/clinicsync/internal/cli/appctx"
)

// Process exit codes
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitUsage   = 2
	ExitDefects = 3
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, appctx.ErrInvalidConfig) {
		return ExitUsage
	}
	// cobra reports these before any RunE is reached
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "unknown flag") {
		return ExitUsage
	}
	return ExitFatal
}

// usageArgs turns positional-argument validation failures into usage errors
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return exitError(ExitUsage, check(cmd, args))
	}
}
