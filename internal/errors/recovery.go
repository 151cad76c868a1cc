package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents a panic recovered from a cron firing or a pipeline goroutine
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Stack captured at the recovery site
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// FromRecovered wraps a value returned by recover() into a PanicError.
// Returns nil when r is nil, so it can be used directly as
//
//	defer func() { err = errors.FromRecovered(recover()) }()
func FromRecovered(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// Call runs fn and converts a panic inside it into a *PanicError
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = FromRecovered(r)
		}
	}()
	return fn()
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
