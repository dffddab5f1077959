package ipc

import (
	"errors"
	"fmt"
	"time"
)

// IOError wraps a transport-level read/write failure.
type IOError struct{ Err error }

func (e *IOError) Error() string { return fmt.Sprintf("ipc io: %v", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// TimeoutError reports a call that exceeded its deadline.
type TimeoutError struct{ After time.Duration }

func (e *TimeoutError) Error() string { return fmt.Sprintf("ipc timeout after %s", e.After) }

// SerdeError reports a response body that could not be decoded.
type SerdeError struct{ Err error }

func (e *SerdeError) Error() string { return fmt.Sprintf("ipc decode: %v", e.Err) }
func (e *SerdeError) Unwrap() error { return e.Err }

// RemoteError is a structured error response from the server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc remote %d: %s", e.Code, e.Message)
}

// SetupError reports a transport that could not be established at all.
type SetupError struct{ Reason string }

func (e *SetupError) Error() string { return "ipc setup: " + e.Reason }

// IsIO reports whether err is a transport io error.
func IsIO(err error) bool {
	var e *IOError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a deadline error.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsSerde reports whether err is a body-decoding error.
func IsSerde(err error) bool {
	var e *SerdeError
	return errors.As(err, &e)
}

// IsRemote reports whether err is a structured remote error, returning it.
func IsRemote(err error) (*RemoteError, bool) {
	var e *RemoteError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsSetup reports whether err is a transport-setup error.
func IsSetup(err error) bool {
	var e *SetupError
	return errors.As(err, &e)
}
