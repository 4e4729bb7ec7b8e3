package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the controller reacts to them.
type ErrorKind string

const (
	// KindConnectivity: registry, runtime or object store unreachable. Transient.
	KindConnectivity ErrorKind = "connectivity"
	// KindSubmission: the job runtime rejected a job.
	KindSubmission ErrorKind = "submission"
	// KindExecution: a job exhausted its retry budget.
	KindExecution ErrorKind = "execution"
	// KindDataShape: staged data cannot be loaded as presented. Fatal to the invocation.
	KindDataShape ErrorKind = "data_shape"
)

// Error is a classified error carrying the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation. Returns nil for a nil err.
func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first classified error in err's chain.
// Unclassified errors are treated as connectivity failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnectivity
}

// IsTransient returns true if the controller should retry after a backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindSubmission:
		return true
	}
	return false
}
