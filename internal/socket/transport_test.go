package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/fleetchat/internal/apierr"
)

// handshakeServer accepts one socket, checks the handshake token and echoes
// every later frame back.
func handshakeServer(t *testing.T, want string, reply Envelope) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var hello Envelope
		if err := wsjson.Read(ctx, conn, &hello); err != nil {
			return
		}
		assert.Equal(t, EventHandshake, hello.Event)
		if !assert.NotNil(t, hello.Auth) {
			return
		}
		assert.Equal(t, want, hello.Auth.Token)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
		for {
			var env Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSDialerHandshakeAndEcho(t *testing.T) {
	url := handshakeServer(t, "tok", Envelope{Event: EventConnect})

	tr, err := WSDialer{URL: url}.Dial(t.Context(), "tok")
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Write(t.Context(), Envelope{Event: "presence:ping", ID: "1"}))
	env, err := tr.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "presence:ping", env.Event)
	assert.Equal(t, "1", env.ID)
}

func TestWSDialerConnectErrorUnauthorized(t *testing.T) {
	url := handshakeServer(t, "tok", Envelope{
		Event: EventConnectError,
		Data:  []byte(`{"message":"jwt expired","code":401}`),
	})

	_, err := WSDialer{URL: url}.Dial(t.Context(), "tok")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
}

func TestWSDialerConnectErrorTransient(t *testing.T) {
	url := handshakeServer(t, "tok", Envelope{
		Event: EventConnectError,
		Data:  []byte(`{"message":"overloaded","code":503}`),
	})

	_, err := WSDialer{URL: url}.Dial(t.Context(), "tok")
	assert.True(t, apierr.IsTransient(err))
}

func TestWSDialerUpgradeRejected(t *testing.T) {
	url := handshakeServer(t, "tok", Envelope{Event: EventConnect})

	_, err := WSDialer{URL: url}.Dial(t.Context(), "wrong")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
}
