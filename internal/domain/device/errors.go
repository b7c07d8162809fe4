package device

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error outcome visible to clients.
type Kind string

const (
	// KindInvalidSetting means the setting name is unknown.
	KindInvalidSetting Kind = "InvalidSetting"
	// KindTypeMismatch means the value (or argument) has the wrong type.
	KindTypeMismatch Kind = "TypeMismatch"
	// KindOutOfRange means the value violates the declared range or choice set.
	KindOutOfRange Kind = "OutOfRange"
	// KindReadOnly means the setting cannot be written.
	KindReadOnly Kind = "ReadOnly"
	// KindUnsupportedOperation means the device does not implement the operation.
	KindUnsupportedOperation Kind = "UnsupportedOperation"
	// KindInvalidState means the operation is not legal in the current trigger state.
	KindInvalidState Kind = "InvalidState"
	// KindBusy means another session holds the device.
	KindBusy Kind = "Busy"
	// KindTimeout means a lock or data wait expired.
	KindTimeout Kind = "Timeout"
	// KindHardwareError means the driver reported a failure.
	KindHardwareError Kind = "HardwareError"
	// KindAbortPending means cancellation was requested but not yet confirmed by hardware.
	KindAbortPending Kind = "AbortPending"
	// KindCommunicationError means transport-level failure to or from hardware or the server.
	KindCommunicationError Kind = "CommunicationError"
	// KindUnknownDevice means the device id is not served.
	KindUnknownDevice Kind = "UnknownDevice"
)

// Error is a typed device error. Two errors match with errors.Is when their
// kinds are equal and the target carries no message, so the sentinels below
// can be used to classify any wrapped Error.
type Error struct {
	// Kind is the client-visible classification.
	Kind Kind
	// Op is the operation that failed, if known.
	Op string
	// Message is a human-readable diagnostic.
	Message string
	// Err is the underlying cause, typically a driver error.
	Err error
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidSetting       = &Error{Kind: KindInvalidSetting}
	ErrTypeMismatch         = &Error{Kind: KindTypeMismatch}
	ErrOutOfRange           = &Error{Kind: KindOutOfRange}
	ErrReadOnly             = &Error{Kind: KindReadOnly}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrBusy                 = &Error{Kind: KindBusy}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrHardware             = &Error{Kind: KindHardwareError}
	ErrAbortPending         = &Error{Kind: KindAbortPending}
	ErrCommunication        = &Error{Kind: KindCommunicationError}
	ErrUnknownDevice        = &Error{Kind: KindUnknownDevice}
)

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap builds a typed error around a cause. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: err.Error(),
		Err:     err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Message == "" && t.Op == "" && t.Kind == e.Kind
}

// KindOf classifies any error. Typed errors keep their kind, context
// deadlines become Timeout, cancellations (the caller went away) become
// CommunicationError and everything else is a HardwareError, since untyped
// errors can only originate from drivers.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, context.Canceled) {
		return KindCommunicationError
	}

	return KindHardwareError
}

// MessageOf extracts the diagnostic message of an error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}

	return err.Error()
}
