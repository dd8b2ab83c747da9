package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/metrics"
)

const outboundBuffer = 256

// otherEvent labels received events the client does not know by name.
const otherEvent = "other"

var knownEvents = map[string]bool{
	chat.EventMessageNew:     true,
	chat.EventPresenceBulk:   true,
	chat.EventPresenceUpdate: true,
	chat.EventMemberAdded:    true,
	chat.EventMemberRemoved:  true,
	chat.EventGroupUpdated:   true,
	chat.EventGroupDeleted:   true,
	EventConnect:             true,
	EventConnectError:        true,
	EventDisconnect:          true,
}

// eventLabel bounds the metric label set to the known event names.
func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return otherEvent
}

// Handler receives the raw data of an event. Handlers run on the connection's
// read goroutine and must not block.
type Handler func(data json.RawMessage)

// Conn is the shared connection. It survives transport drops: frames emitted
// while disconnected are flushed after the next successful reconnect.
type Conn struct {
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Envelope
	done   chan struct{}

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	next     uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

func newConn(m *Manager) *Conn {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Conn{
		m:        m,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan Envelope, outboundBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string][]handlerEntry),
	}
}

// Done is closed when the connection stops for good: the manager was closed
// or credentials were rejected during a reconnect.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Emit queues an event with data encoded as JSON.
func (c *Conn) Emit(event string, data any) error {
	env := Envelope{Event: event, ID: uuid.NewString()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// On registers fn for event and returns a function that removes it.
func (c *Conn) On(event string, fn Handler) (off func()) {
	c.mu.Lock()
	c.next++
	id := c.next
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			hs := c.handlers[event]
			for i, h := range hs {
				if h.id == id {
					c.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// Listeners returns how many handlers are registered for event.
func (c *Conn) Listeners(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func (c *Conn) dispatch(env Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h.fn)
	}
	c.mu.Unlock()
	for _, fn := range hs {
		fn(env.Data)
	}
}

// run serves tr, then keeps reconnecting until the connection is closed or
// credentials fail.
func (c *Conn) run(tr Transport) {
	defer close(c.done)
	defer c.cancel()
	for {
		err := c.serve(tr)
		if c.ctx.Err() != nil {
			return
		}
		c.m.disconnected(err)
		c.dispatch(Envelope{Event: EventDisconnect})

		tr, err = c.m.establish(c.ctx)
		if err != nil {
			return
		}
		c.m.connected()
		c.dispatch(Envelope{Event: EventConnect})
	}
}

// serve pumps frames until tr fails or the connection is closed. The
// transport is closed and its reader drained before serve returns.
func (c *Conn) serve(tr Transport) error {
	ctx, cancel := context.WithCancel(c.ctx)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		_ = tr.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		for {
			env, err := tr.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			metrics.SocketEvents.WithLabelValues(eventLabel(env.Event)).Inc()
			c.dispatch(env)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case env := <-c.out:
			if err := tr.Write(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Channel is the emit/listen surface of a connection.
type Channel interface {
	Emit(event string, data any) error
	On(event string, fn Handler) (off func())
}

var _ Channel = (*Conn)(nil)
