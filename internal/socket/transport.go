package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matheus3301/fleetchat/internal/apierr"
)

const maxReadBytes = 1 << 20

// Transport is one established, handshaken socket.
type Transport interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// WSDialer dials the chat socket over WebSocket.
type WSDialer struct {
	URL string
}

// Dial upgrades the connection with the bearer token in the Authorization
// header, sends the handshake frame and waits for connect or connect_error.
func (d WSDialer) Dial(ctx context.Context, token string) (Transport, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apierr.ErrUnauthorized
		}
		return nil, apierr.Transient("socket dial", err)
	}
	conn.SetReadLimit(maxReadBytes)

	t := &wsTransport{conn: conn}
	if err := t.handshake(ctx, token); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	return t, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) handshake(ctx context.Context, token string) error {
	if err := t.Write(ctx, Envelope{Event: EventHandshake, Auth: &Auth{Token: token}}); err != nil {
		return apierr.Transient("socket handshake", err)
	}
	for {
		env, err := t.Read(ctx)
		if err != nil {
			return apierr.Transient("socket handshake", err)
		}
		switch env.Event {
		case EventConnect:
			return nil
		case EventConnectError:
			ce := &ConnectError{}
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, ce); err != nil {
					return apierr.Transient("socket handshake", fmt.Errorf("decode connect_error: %w", err))
				}
			}
			if ce.Code == http.StatusUnauthorized {
				return apierr.ErrUnauthorized
			}
			return apierr.Transient("socket handshake", ce)
		}
	}
}

func (t *wsTransport) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := wsjson.Read(ctx, t.conn, &env)
	return env, err
}

func (t *wsTransport) Write(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, t.conn, env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
