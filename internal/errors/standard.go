// Package errors provides standardized error messaging for tapec
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryGeneration ErrorCategory = "GENERATION"
	CategoryTarget     ErrorCategory = "TARGET"
	CategoryIO         ErrorCategory = "IO"
	CategorySyntax     ErrorCategory = "SYNTAX"
	CategoryRuntime    ErrorCategory = "RUNTIME"
)

// Codes identify the failure kind within a category. errors.Is matches on Code.
const (
	CodeGeneration       = "GENERATION_ERROR"
	CodeTargetResolution = "TARGET_RESOLUTION"
	CodeTargetMachine    = "TARGET_MACHINE"
	CodeIO               = "IO_ERROR"
	CodeSyntax           = "SYNTAX_ERROR"
	CodeTapeOverrun      = "TAPE_OVERRUN"
	CodeMemoryFault      = "MEMORY_FAULT"
	CodeStepLimit        = "STEP_LIMIT"
)

// Sentinels for errors.Is. They never carry a message.
var (
	ErrGeneration       = &StandardError{Category: CategoryGeneration, Code: CodeGeneration}
	ErrTargetResolution = &StandardError{Category: CategoryTarget, Code: CodeTargetResolution}
	ErrTargetMachine    = &StandardError{Category: CategoryTarget, Code: CodeTargetMachine}
	ErrIO               = &StandardError{Category: CategoryIO, Code: CodeIO}
	ErrSyntax           = &StandardError{Category: CategorySyntax, Code: CodeSyntax}
	ErrTapeOverrun      = &StandardError{Category: CategoryRuntime, Code: CodeTapeOverrun}
	ErrMemoryFault      = &StandardError{Category: CategoryRuntime, Code: CodeMemoryFault}
	ErrStepLimit        = &StandardError{Category: CategoryRuntime, Code: CodeStepLimit}
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error { return e.Err }

// Is reports whether target is a StandardError with the same code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   callerName(2),
	}
}

func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

// Common error constructors

// Generation reports a failed emission step. primitive names the runtime primitive
// involved, or is empty when the failure is not tied to one.
func Generation(primitive, details string) *StandardError {
	msg := details
	if primitive != "" {
		msg = fmt.Sprintf("call to runtime primitive %q %s", primitive, details)
	}
	e := NewStandardError(CategoryGeneration, CodeGeneration, msg,
		map[string]interface{}{"primitive": primitive})
	e.Caller = callerName(2)
	return e
}

func TargetResolution(triple string, cause error) *StandardError {
	e := NewStandardError(CategoryTarget, CodeTargetResolution,
		fmt.Sprintf("cannot resolve target %q", triple),
		map[string]interface{}{"triple": triple})
	e.Caller = callerName(2)
	e.Err = cause
	return e
}

func TargetMachine(triple, details string) *StandardError {
	e := NewStandardError(CategoryTarget, CodeTargetMachine,
		fmt.Sprintf("no code generator for %s: %s", triple, details),
		map[string]interface{}{"triple": triple})
	e.Caller = callerName(2)
	return e
}

func IO(op, path string, cause error) *StandardError {
	e := NewStandardError(CategoryIO, CodeIO,
		fmt.Sprintf("%s %s", op, path),
		map[string]interface{}{"op": op, "path": path})
	e.Caller = callerName(2)
	e.Err = cause
	return e
}

func Syntax(pos fmt.Stringer, details string) *StandardError {
	e := NewStandardError(CategorySyntax, CodeSyntax,
		fmt.Sprintf("%s: %s", pos, details),
		map[string]interface{}{"pos": pos.String()})
	e.Caller = callerName(2)
	return e
}

// Runtime reports a fault while executing a program. code is one of
// CodeTapeOverrun, CodeMemoryFault or CodeStepLimit.
func Runtime(code, details string, context map[string]interface{}) *StandardError {
	e := NewStandardError(CategoryRuntime, code, details, context)
	e.Caller = callerName(2)
	return e
}
