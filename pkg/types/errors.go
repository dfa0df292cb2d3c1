package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: Specific error types let the executor map each
// failure class onto the check it fails and the terminal status it implies
var (
	ErrInvalidTargetURL = errors.New("target URL must be an absolute ws:// or wss:// URL")
	ErrInvalidCheckName = errors.New("check name must be 1-200 printable characters")
	ErrEmptyPayload     = errors.New("message payload is empty after trimming")
	ErrInvalidUTF8      = errors.New("message payload is not valid UTF-8")
)

// ConnectError reports a failed WebSocket handshake. Status is the HTTP status
// of the handshake response, or 0 when no response was received.
type ConnectError struct {
	URL    string
	Status int
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: handshake status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RequestError reports a transport failure of an HTTP probe.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ProtocolError reports a server message the scenario cannot act on.
type ProtocolError struct {
	Reason  error
	Payload []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (%d bytes)", e.Reason, len(e.Payload))
}

func (e *ProtocolError) Unwrap() error { return e.Reason }

// HandshakeStatusOf extracts the handshake status carried by a ConnectError.
func HandshakeStatusOf(err error) int {
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return connErr.Status
	}
	return 0
}
