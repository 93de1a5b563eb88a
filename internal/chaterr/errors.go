package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the wire protocol and for retry decisions.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindPersistence    Kind = "persistence"
	KindTransport      Kind = "transport"
	KindInternal       Kind = "internal"
)

// AuthenticationError is returned when a connection attempt carries no
// credential or one that fails verification.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError rejects a single command. No side effects were performed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError means the message store rejected or could not serve an
// operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// KindOf reports the taxonomy kind of err. Unknown errors are internal.
func KindOf(err error) Kind {
	var (
		authErr      *AuthenticationError
		validErr     *ValidationError
		persistErr   *PersistenceError
		transportErr *TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &authErr):
		return KindAuthentication
	case errors.As(err, &persistErr):
		return KindPersistence
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindInternal
	}
}

// RemoteError is an error reported by the other side of the connection that
// does not map onto a local taxonomy type.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

// FromKind rebuilds a typed error from its wire representation so callers
// can keep using errors.As on the receiving side.
func FromKind(kind Kind, msg string) error {
	switch kind {
	case KindValidation:
		return &ValidationError{Reason: msg}
	case KindAuthentication:
		return &AuthenticationError{Reason: msg}
	case KindPersistence:
		return &PersistenceError{Op: "remote", Err: errors.New(msg)}
	case KindTransport:
		return &TransportError{Op: "remote", Err: errors.New(msg)}
	default:
		return &RemoteError{Kind: kind, Message: msg}
	}
}
