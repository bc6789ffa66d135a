package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a capture or a flow can end in.
type ErrorKind string

const (
	KindDeviceUnavailable  ErrorKind = "device_unavailable"
	KindUnsupportedFormat  ErrorKind = "unsupported_format"
	KindCaptureInterrupted ErrorKind = "capture_interrupted"
	KindUploadError        ErrorKind = "upload_error"
	KindRemoteRejected     ErrorKind = "remote_rejected"
	KindTimeout            ErrorKind = "timeout"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindNotFound           ErrorKind = "not_found"
	KindNetworkError       ErrorKind = "network_error"
	KindCancelled          ErrorKind = "cancelled"
	KindValidation         ErrorKind = "validation"
)

// Error carries a kind and the underlying cause. Two errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrDeviceUnavailable  = &Error{Kind: KindDeviceUnavailable}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat}
	ErrCaptureInterrupted = &Error{Kind: KindCaptureInterrupted}
	ErrUploadError        = &Error{Kind: KindUploadError}
	ErrRemoteRejected     = &Error{Kind: KindRemoteRejected}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrNetworkError       = &Error{Kind: KindNetworkError}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrValidation         = &Error{Kind: KindValidation}
)

// Wrap classifies err under kind. An error that already carries a kind is
// returned as is.
func Wrap(kind ErrorKind, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or "" when err is nil or
// unclassified.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
