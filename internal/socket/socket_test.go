package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/status"
)

type fakeTransport struct {
	in     chan Envelope
	sent   chan Envelope
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Envelope, 16),
		sent:   make(chan Envelope, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-f.in:
		return env, nil
	case err := <-f.fail:
		return Envelope{}, err
	case <-f.closed:
		return Envelope{}, io.EOF
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, env Envelope) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// spyDialer records Dial calls. results[i] is the error of call i; calls past
// the end succeed.
type spyDialer struct {
	gate       chan struct{}
	results    []error
	calls      atomic.Int32
	transports chan *fakeTransport
}

func newSpyDialer(results ...error) *spyDialer {
	return &spyDialer{results: results, transports: make(chan *fakeTransport, 16)}
}

func (d *spyDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	n := int(d.calls.Add(1)) - 1
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n < len(d.results) && d.results[n] != nil {
		return nil, d.results[n]
	}
	tr := newFakeTransport()
	d.transports <- tr
	return tr, nil
}

type countingTokens struct {
	calls atomic.Int32
	err   error
}

func (c *countingTokens) Token(context.Context) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "tok", nil
}

func waitState(t *testing.T, m *Manager, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, time.Second, time.Millisecond,
		"state = %s, want %s", m.State(), want)
}

func TestGetReturnsSingleConnection(t *testing.T) {
	d := newSpyDialer()
	d.gate = make(chan struct{})
	m := NewManager(d, &countingTokens{})
	t.Cleanup(m.Close)

	const n = 10
	conns := make([]*Conn, n)
	var started, done sync.WaitGroup
	for i := range n {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			c, err := m.Get(t.Context())
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	done.Wait()

	assert.Equal(t, int32(1), d.calls.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}

	again, err := m.Get(t.Context())
	require.NoError(t, err)
	assert.Same(t, conns[0], again)
	assert.Equal(t, status.Connected, m.State())
}

func TestGetCredentialFailure(t *testing.T) {
	d := newSpyDialer()
	m := NewManager(d, &countingTokens{err: apierr.ErrNoCredentials})
	t.Cleanup(m.Close)

	_, err := m.Get(t.Context())
	require.ErrorIs(t, err, apierr.ErrNoCredentials)
	assert.Zero(t, d.calls.Load())
	assert.Equal(t, status.AuthRequired, m.State())
}

func TestGetRetriesTransientDialFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newSpyDialer(apierr.Transient("socket dial", errors.New("refused")))
	m := NewManager(d, &countingTokens{}, WithClock(clock), WithBackoff(time.Second, 4*time.Second))
	t.Cleanup(m.Close)

	result := make(chan error, 1)
	go func() {
		_, err := m.Get(t.Context())
		result <- err
	}()

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	assert.Equal(t, status.Reconnecting, m.State())
	clock.Advance(time.Second)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after backoff")
	}
	assert.Equal(t, int32(2), d.calls.Load())
}

func TestReconnectReresolvesTokenAndFiresConnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transient := apierr.Transient("socket dial", errors.New("refused"))
	d := newSpyDialer(nil, transient, nil)
	tokens := &countingTokens{}
	m := NewManager(d, tokens, WithClock(clock), WithBackoff(time.Second, 4*time.Second))
	t.Cleanup(m.Close)

	c, err := m.Get(t.Context())
	require.NoError(t, err)
	var connects, disconnects atomic.Int32
	c.On(EventConnect, func(json.RawMessage) { connects.Add(1) })
	c.On(EventDisconnect, func(json.RawMessage) { disconnects.Add(1) })

	first := <-d.transports
	first.fail <- errors.New("connection reset")

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Zero(t, connects.Load())
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), d.calls.Load())
	assert.Equal(t, int32(3), tokens.calls.Load(), "token resolved before every attempt")
	waitState(t, m, status.Connected)

	again, err := m.Get(t.Context())
	require.NoError(t, err)
	assert.Same(t, c, again, "reconnect keeps the same connection object")
}

func TestAuthFailureDuringReconnectIsNotRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := bus.New()
	events, unsub := b.Subscribe(bus.ConnAuthFailed, 4)
	defer unsub()

	d := newSpyDialer(nil, apierr.ErrUnauthorized)
	m := NewManager(d, &countingTokens{}, WithClock(clock), WithBus(b))
	t.Cleanup(m.Close)

	c, err := m.Get(t.Context())
	require.NoError(t, err)
	(<-d.transports).fail <- errors.New("server restart")

	select {
	case evt := <-events:
		assert.ErrorIs(t, evt.Payload.(error), apierr.ErrUnauthorized)
	case <-time.After(time.Second):
		t.Fatal("no conn.auth_failed event")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not stopped after auth failure")
	}
	assert.Equal(t, status.AuthRequired, m.State())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), d.calls.Load())
	assert.ErrorIs(t, c.Emit("presence:ping", nil), ErrClosed)
}

func TestEmitWhileDisconnectedIsFlushedOnReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newSpyDialer(nil, apierr.Transient("socket dial", errors.New("refused")))
	m := NewManager(d, &countingTokens{}, WithClock(clock))
	t.Cleanup(m.Close)

	c, err := m.Get(t.Context())
	require.NoError(t, err)
	(<-d.transports).fail <- errors.New("drop")
	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))

	require.NoError(t, c.Emit("presence:ping", map[string]string{"conversationId": "g1"}))
	clock.Advance(DefaultMinDelay)

	next := <-d.transports
	select {
	case env := <-next.sent:
		assert.Equal(t, "presence:ping", env.Event)
		assert.NotEmpty(t, env.ID)
		assert.JSONEq(t, `{"conversationId":"g1"}`, string(env.Data))
	case <-time.After(time.Second):
		t.Fatal("buffered emit not flushed")
	}
}

func TestDispatchAndOff(t *testing.T) {
	d := newSpyDialer()
	m := NewManager(d, &countingTokens{})
	t.Cleanup(m.Close)

	c, err := m.Get(t.Context())
	require.NoError(t, err)
	tr := <-d.transports

	var got atomic.Int32
	off := c.On("message:new", func(data json.RawMessage) {
		assert.JSONEq(t, `{"id":"m1"}`, string(data))
		got.Add(1)
	})
	other := c.On("message:new", func(json.RawMessage) {})
	defer other()

	tr.in <- Envelope{Event: "message:new", Data: json.RawMessage(`{"id":"m1"}`)}
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, time.Millisecond)

	off()
	off()
	assert.Equal(t, 1, c.Listeners("message:new"))
	tr.in <- Envelope{Event: "message:new", Data: json.RawMessage(`{"id":"m1"}`)}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestCloseStopsManager(t *testing.T) {
	d := newSpyDialer()
	m := NewManager(d, &countingTokens{})

	c, err := m.Get(t.Context())
	require.NoError(t, err)
	m.Close()

	assert.Equal(t, status.Closed, m.State())
	assert.ErrorIs(t, c.Emit("presence:ping", nil), ErrClosed)
	_, err = m.Get(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventLabelIsBounded(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"message:new", "message:new"},
		{"group:deleted", "group:deleted"},
		{EventDisconnect, EventDisconnect},
		{"message:new:v2", "other"},
		{"spam-0001", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := eventLabel(tt.event); got != tt.want {
			t.Errorf("eventLabel(%q) = %q, want %q", tt.event, got, tt.want)
		}
	}
}
