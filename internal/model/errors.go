package model

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol or device failure. It is carried on the wire in
// the "kind" field of error envelopes.
type Kind string

const (
	KindMalformedMessage       Kind = "MalformedMessage"
	KindNotACommand            Kind = "NotACommand"
	KindNotInitialized         Kind = "NotInitialized"
	KindUnknownCommand         Kind = "UnknownCommand"
	KindUnknownField           Kind = "UnknownField"
	KindInvalidRange           Kind = "InvalidRange"
	KindInvalidConfig          Kind = "InvalidConfig"
	KindInvalidState           Kind = "InvalidState"
	KindDriverUnavailable      Kind = "DriverUnavailable"
	KindDriverError            Kind = "DriverError"
	KindDriverRejected         Kind = "DriverRejected"
	KindVersionMismatch        Kind = "VersionMismatch"
	KindScanTimeout            Kind = "ScanTimeout"
	KindDataChannelUnavailable Kind = "DataChannelUnavailable"
)

// Error is a failure with a Kind. Two Errors match under errors.Is when their
// kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrMalformedMessage is returned for undecodable messages or messages missing a required field.
	ErrMalformedMessage = &Error{Kind: KindMalformedMessage}

	// ErrNotACommand is returned when a message type is neither command, status nor halt.
	ErrNotACommand = &Error{Kind: KindNotACommand}

	// ErrNotInitialized is returned for any command other than init before the device is initialized.
	ErrNotInitialized = &Error{Kind: KindNotInitialized}

	// ErrUnknownCommand is returned for unrecognized command names.
	ErrUnknownCommand = &Error{Kind: KindUnknownCommand}

	// ErrUnknownField is returned for unrecognized parameter or scan field names.
	ErrUnknownField = &Error{Kind: KindUnknownField}

	// ErrInvalidRange is returned when a parameter value or pair violates its limits.
	ErrInvalidRange = &Error{Kind: KindInvalidRange}

	// ErrInvalidConfig is returned when init options cannot produce a valid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidConfig}

	// ErrInvalidState is returned when an operation is not valid in the current session state.
	ErrInvalidState = &Error{Kind: KindInvalidState}

	// ErrDriverUnavailable is returned when the device cannot be attached or initialized.
	ErrDriverUnavailable = &Error{Kind: KindDriverUnavailable}

	// ErrDriverError is returned when a driver call fails after initialization.
	ErrDriverError = &Error{Kind: KindDriverError}

	// ErrDriverRejected is returned when the driver refuses an option value.
	ErrDriverRejected = &Error{Kind: KindDriverRejected}

	// ErrVersionMismatch is returned when client and server protocol versions differ.
	ErrVersionMismatch = &Error{Kind: KindVersionMismatch}

	// ErrScanTimeout is returned when a scan exhausts its retries without a usable frame.
	ErrScanTimeout = &Error{Kind: KindScanTimeout}

	// ErrDataChannelUnavailable is returned when a stream is requested with no data subscriber.
	ErrDataChannelUnavailable = &Error{Kind: KindDataChannelUnavailable}
)

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
