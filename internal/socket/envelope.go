package socket

import (
	"encoding/json"
	"fmt"
)

// Frame events handled by the transport itself.
const (
	EventHandshake    = "handshake"
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Envelope is one JSON frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Auth  *Auth           `json:"auth,omitempty"`
}

// Auth carries the bearer token of a handshake frame.
type Auth struct {
	Token string `json:"token"`
}

// ConnectError is the body of a connect_error frame.
type ConnectError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect error %d: %s", e.Code, e.Message)
}
