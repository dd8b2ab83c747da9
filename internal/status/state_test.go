package status

import (
	"testing"

	"github.com/matheus3301/fleetchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Idle, AuthRequired},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Connected, AuthRequired},
		{Reconnecting, Connecting},
		{AuthRequired, Connecting},
		{Connected, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(IDLE -> CONNECTED) should fail")
	}
}

func TestClosedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Closed)
	for _, s := range []State{Idle, Connecting, Connected, Reconnecting, AuthRequired} {
		if err := m.Transition(s); err == nil {
			t.Errorf("Transition(CLOSED -> %s) should fail", s)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.ConnStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.ConnStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestAuthRequiredCannotJumpToConnected verifies that a failed handshake must
// retry through CONNECTING before the connection is considered usable again.
func TestAuthRequiredCannotJumpToConnected(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, AuthRequired)

	if err := m.Transition(Connected); err == nil {
		t.Fatal("Transition(AUTH_REQUIRED -> CONNECTED) should fail")
	}
	if m.Current() != AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("AUTH_REQUIRED -> CONNECTING: %v", err)
	}
	if err := m.Transition(Connected); err != nil {
		t.Fatalf("CONNECTING -> CONNECTED: %v", err)
	}
}

// TestDropReconnectCycle walks CONNECTED → RECONNECTING → CONNECTING → CONNECTED.
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		AuthRequired: {AuthRequired},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
