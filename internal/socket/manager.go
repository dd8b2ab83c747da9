// Package socket owns the single realtime connection shared by every
// conversation session of the process.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/metrics"
	"github.com/matheus3301/fleetchat/internal/status"
)

// Default reconnect and dial limits.
const (
	DefaultMinDelay    = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned once the manager or connection was closed.
	ErrClosed = errors.New("socket closed")
	// ErrBackpressure is returned by Emit when the outbound buffer is full.
	ErrBackpressure = errors.New("socket outbound buffer full")
)

// TokenSource supplies the bearer token attached to every connect attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for reconnect backoff.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBus publishes connection lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.minDelay = minDelay
		m.maxDelay = maxDelay
	}
}

// WithDialTimeout bounds a single dial and handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// Manager hands out the process-wide connection. Concurrent Get calls before
// a connection exists share one connection attempt.
type Manager struct {
	dialer      Dialer
	tokens      TokenSource
	clock       clockwork.Clock
	log         *zap.Logger
	bus         *bus.Bus
	machine     *status.Machine
	minDelay    time.Duration
	maxDelay    time.Duration
	dialTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu   sync.Mutex
	conn *Conn
}

// NewManager creates a Manager. No connection is opened until Get.
func NewManager(dialer Dialer, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		tokens:      tokens,
		clock:       clockwork.NewRealClock(),
		log:         zap.NewNop(),
		minDelay:    DefaultMinDelay,
		maxDelay:    DefaultMaxDelay,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxDelay < m.minDelay {
		m.maxDelay = m.minDelay
	}
	m.machine = status.NewMachine(m.bus)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Get returns the live connection, connecting first if needed. Transient
// failures are retried with backoff until ctx is done; credential failures
// are returned immediately.
func (m *Manager) Get(ctx context.Context) (*Conn, error) {
	if c := m.current(); c != nil {
		return c, nil
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ch := m.group.DoChan("connect", func() (any, error) {
		if c := m.current(); c != nil {
			return c, nil
		}
		tr, err := m.establish(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, err
		}
		c := newConn(m)
		m.mu.Lock()
		m.conn = c
		m.mu.Unlock()
		m.connected()
		go c.run(tr)
		return c, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

// Acquire is Get returning the Channel interface.
func (m *Manager) Acquire(ctx context.Context) (Channel, error) {
	c, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears the connection down and stops reconnecting.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c != nil {
		<-c.done
	}
	_ = m.machine.Transition(status.Closed)
}

func (m *Manager) current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	select {
	case <-m.conn.done:
		return nil
	default:
		return m.conn
	}
}

// establish dials until it succeeds, ctx is done or credentials fail. The
// token is resolved again before every attempt.
func (m *Manager) establish(ctx context.Context) (Transport, error) {
	delay := m.minDelay
	for attempt := 1; ; attempt++ {
		_ = m.machine.Transition(status.Connecting)
		tr, err := m.dial(ctx)
		if err == nil {
			return tr, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apierr.IsCredential(err) {
			metrics.SocketConnectErrors.WithLabelValues("auth").Inc()
			_ = m.machine.Transition(status.AuthRequired)
			m.log.Error("socket auth failed", zap.Error(err))
			m.bus.Notify(bus.ConnAuthFailed, "", err)
			return nil, err
		}
		metrics.SocketConnectErrors.WithLabelValues("transient").Inc()
		_ = m.machine.Transition(status.Reconnecting)
		m.log.Warn("socket connect error",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(delay):
		}
		delay = min(delay*2, m.maxDelay)
	}
}

func (m *Manager) dial(ctx context.Context) (Transport, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	return m.dialer.Dial(dctx, token)
}

func (m *Manager) connected() {
	metrics.SocketConnects.Inc()
	_ = m.machine.Transition(status.Connected)
	m.log.Info("socket connected")
	m.bus.Notify(bus.ConnConnected, "", nil)
}

func (m *Manager) disconnected(err error) {
	metrics.SocketDisconnects.Inc()
	_ = m.machine.Transition(status.Reconnecting)
	m.log.Warn("socket disconnected", zap.Error(err))
	m.bus.Notify(bus.ConnDisconnected, "", err)
}
