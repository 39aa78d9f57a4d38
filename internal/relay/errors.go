package relay

import "errors"

var (
	ErrTransportOpen    = errors.New("transport open failed")
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportFault   = errors.New("transport closed by device")
	ErrProtocol         = errors.New("malformed message")
	ErrNotAttached      = errors.New("session is not attached to a device")
	ErrSessionClosed    = errors.New("session is closed")
	ErrTooManySessions  = errors.New("session limit reached")
	ErrUnknownEndpoint  = errors.New("device endpoint could not be resolved")
	ErrEnumerationError = errors.New("port enumeration failed")
)
