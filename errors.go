package openrt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Transport errors. Fatal to in-flight operations.
	ErrConnectTimeout = errors.New("connect timeout")
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")

	// Timeout errors. Each operation distinguishes "nothing arrived" from
	// "some but not all required signals arrived".
	ErrHandshakeTimeout      = errors.New("timeout waiting for session handshake")
	ErrUpdateTimeout         = errors.New("timeout waiting for session update")
	ErrResponseTimeout       = errors.New("timeout waiting for response")
	ErrIncompleteResponseSet = errors.New("timeout before full response set arrived")
	ErrNoResponseReceived    = errors.New("no response received")

	// Correlation errors. Item id mismatch fails the operation; session id
	// drift is logged and tolerated.
	ErrItemIDMismatch = errors.New("item id mismatch")

	// Protocol / codec errors.
	ErrMalformedEncoding = errors.New("malformed base64 encoding")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrFileNotFound      = errors.New("audio file not found")
)

// RemoteError is an error event declared by the server, surfaced distinctly
// from local timeouts.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// OpError wraps an operation failure with enough context to tell a local
// fault from a missing or late remote response.
type OpError struct {
	Op      string
	Awaited []string
	Elapsed time.Duration
	Err     error
}

func (e *OpError) Error() string {
	if len(e.Awaited) == 0 {
		return fmt.Sprintf("%s: %v (after %s)", e.Op, e.Err, e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %v (awaited %s, after %s)",
		e.Op, e.Err, strings.Join(e.Awaited, ", "), e.Elapsed.Round(time.Millisecond))
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, start time.Time, err error, awaited ...string) error {
	return &OpError{Op: op, Awaited: awaited, Elapsed: time.Since(start), Err: err}
}
