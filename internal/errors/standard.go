// Package errors provides standardized error values for gcalloc.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory        ErrorCategory = "MEMORY"
	CategoryValidation    ErrorCategory = "VALIDATION"
	CategoryConfiguration ErrorCategory = "CONFIGURATION"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is matches on category and code so callers can compare against the
// constructors' results with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}

	return e.Category == t.Category && e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors

func InvalidAlignment(alignment uintptr) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_ALIGNMENT",
		fmt.Sprintf("Alignment %d is not a power of two", alignment),
		map[string]interface{}{"alignment": alignment})
}

func InvalidSize(size uintptr, context string) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_SIZE",
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func UnsupportedEngine(version, constraint string) *StandardError {
	return NewStandardError(CategoryConfiguration, "UNSUPPORTED_ENGINE",
		fmt.Sprintf("Engine version %s does not satisfy %s", version, constraint),
		map[string]interface{}{"version": version, "constraint": constraint})
}

func NoEngine() *StandardError {
	return NewStandardError(CategoryConfiguration, "NO_ENGINE",
		"No collector engine registered; import github.com/orizon-lang/gcalloc/engine/bdwgc",
		nil)
}

func UnsupportedStrategy(strategy string) *StandardError {
	return NewStandardError(CategoryConfiguration, "UNSUPPORTED_STRATEGY",
		fmt.Sprintf("Heap cannot serve the %s strategy", strategy),
		map[string]interface{}{"strategy": strategy})
}

func InvalidFinalizerMode(mode int) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_FINALIZER_MODE",
		fmt.Sprintf("Unknown finalizer mode %d", mode),
		map[string]interface{}{"mode": mode})
}

func InvalidProfile(field, reason string) *StandardError {
	return NewStandardError(CategoryConfiguration, "INVALID_PROFILE",
		fmt.Sprintf("Invalid tuning profile field %s: %s", field, reason),
		map[string]interface{}{"field": field})
}

func OutOfMemory(size uintptr) *StandardError {
	return NewStandardError(CategoryMemory, "OUT_OF_MEMORY",
		fmt.Sprintf("Collector could not provide %d bytes", size),
		map[string]interface{}{"size": size})
}
