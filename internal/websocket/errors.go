package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrUnexpectedHandshake = errors.New("handshake did not switch protocols")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection already registered")
)
