package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// OnExit registers fn to run when the tool exits through ExitWithError,
// ExitWithCode or atexit.Exit.
func OnExit(fn func()) { atexit.Register(fn) }

// ExitWithError prints an error message, runs exit handlers and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	atexit.Exit(1)
}

// ExitWithCode exits with the specified code and optional message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	atexit.Exit(code)
}

// Describe renders err for the terminal. Syntax errors are followed by the
// offending source line and a caret under the column.
func Describe(err error) string {
	msg := err.Error()
	var se *terrors.StandardError
	if errors.As(err, &se) && se.Code == terrors.CodeSyntax {
		if ex, ok := se.Context["excerpt"].(string); ok && ex != "" {
			msg += "\n" + ex
		}
	}
	return msg
}

// HandleError logs err and exits when it is non-nil.
func HandleError(err error, logger *Logger) {
	if err == nil {
		return
	}
	if logger != nil {
		logger.Error("%s", Describe(err))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", Describe(err))
	}
	atexit.Exit(1)
}
