// Package errors holds the failure taxonomy shared by the engine, the
// marketplace client and the rule management surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure by how the engine reacts to it
type Kind string

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	// Outcome is "failed"; update-type rules retry naturally on the next tick.
	KindTransient Kind = "transient"
	// KindAuth is an authentication failure that survived one refresh.
	// Needs operator re-authorization.
	KindAuth Kind = "auth"
	// KindPrecondition is an expected refusal: duplicate detected, deadline passed.
	KindPrecondition Kind = "precondition"
	// KindConfig is a malformed rule or missing credential, rejected at creation.
	KindConfig Kind = "config"
	// KindRejected is a business-level rejection returned by the marketplace.
	KindRejected Kind = "rejected"
)

// kinded is implemented by errors that know their own Kind
type kinded interface {
	Kind() Kind
}

// Error is a generic classified error
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.err != nil {
		if e.msg == "" {
			return e.err.Error()
		}
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the classification
func (e *Error) Kind() Kind {
	return e.kind
}

// New creates a classified error with a message
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it reachable through errors.Is / errors.As
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Classify returns the Kind of the first classified error in err's chain.
// Unclassified errors count as transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	return KindTransient
}

// IsConfig reports whether err is a configuration error
func IsConfig(err error) bool {
	return err != nil && Classify(err) == KindConfig
}
