package wsclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when the socket is not open.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrReconnectExhausted is recorded as LastError once the reconnect budget
	// is spent. Only an explicit Connect leaves that state.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClientClosed is returned by a Connect superseded by Disconnect or a
	// later Connect.
	ErrClientClosed = errors.New("websocket client closed")
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// KindOpen is a failure to establish the socket.
	KindOpen ErrorKind = "open"
	// KindRuntime is a failure of an established socket.
	KindRuntime ErrorKind = "runtime"
)

// TransportError wraps a socket failure with its kind.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket %s error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsOpenError reports whether err is a TransportError raised while connecting.
func IsOpenError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindOpen
}
