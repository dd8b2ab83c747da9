// Package sockettest provides an in-memory socket.Channel for tests.
package sockettest

import (
	"encoding/json"
	"sync"

	"github.com/matheus3301/fleetchat/internal/socket"
)

// Emitted is one recorded Emit call.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// Channel records emits and lets tests deliver events to registered handlers.
type Channel struct {
	mu       sync.Mutex
	emitted  []Emitted
	handlers map[string]map[int]socket.Handler
	next     int
	EmitErr  error
}

// NewChannel returns an empty Channel.
func NewChannel() *Channel {
	return &Channel{handlers: make(map[string]map[int]socket.Handler)}
}

// Emit records event and its JSON-encoded data.
func (c *Channel) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Data: raw})
	return nil
}

// On registers fn for event.
func (c *Channel) On(event string, fn socket.Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]socket.Handler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Deliver calls every handler registered for event with data encoded as JSON.
func (c *Channel) Deliver(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	c.mu.Lock()
	hs := make([]socket.Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// Emitted returns a copy of every recorded emit.
func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Events returns the names of every recorded emit, in order.
func (c *Channel) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.emitted))
	for i, e := range c.emitted {
		out[i] = e.Event
	}
	return out
}

// Reset forgets recorded emits.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = nil
}

// Listeners returns the total number of registered handlers.
func (c *Channel) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}
