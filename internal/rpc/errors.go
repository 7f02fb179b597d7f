package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNegotiation is returned when the daemon rejects the
	// session token a second time in a row.
	ErrSessionNegotiation = errors.New("session token negotiation failed")

	// ErrMalformed is returned when the daemon's body is not a result
	// envelope.
	ErrMalformed = errors.New("malformed response envelope")

	// ErrTagMismatch is returned when a response echoes a different tag
	// than the request carried.
	ErrTagMismatch = errors.New("response tag does not match request tag")
)

// TransportError wraps network failures: connect, timeout, or a body
// that could not be read.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError reports a status that is neither 2xx nor a session conflict.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned status %d: %s", e.StatusCode, e.Body)
}

// RemoteError is a well-formed response whose result is not "success".
// Response keeps the daemon's payload so it can be relayed untouched.
type RemoteError struct {
	Result   string
	Response *Response
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error: %s", e.Result)
}
