package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic inside a rule or job run
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Kind classifies a panic as a transient failure so it ends up as a failed record
func (p *PanicError) Kind() Kind {
	return KindTransient
}

// Recover converts a recovered panic value into a *PanicError.
// Call it as `if perr := errors.Recover(recover()); perr != nil { ... }` from a deferred func.
func Recover(r interface{}) *PanicError {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}
