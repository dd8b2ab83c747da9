// Package presence reconciles member presence for one conversation from the
// bulk snapshot, incremental pushes and the REST poll.
package presence

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/metrics"
)

// Fetcher returns the roster of a conversation, presence included.
type Fetcher interface {
	ListMembers(ctx context.Context, conversationID string) ([]chat.Member, error)
}

// Emitter sends socket events.
type Emitter interface {
	Emit(event string, data any) error
}

// Changed is the payload of a presence.changed event.
type Changed struct {
	MemberIDs []string
}

// Tracker is the only writer of member presence for a conversation. Status
// transitions are applied as reported; offline is never inferred locally.
type Tracker struct {
	conversationID string
	fetch          Fetcher
	bus            *bus.Bus
	log            *zap.Logger

	mu     sync.Mutex
	closed bool
	states map[string]chat.Presence
	// pushed holds the revision of the last push per member.
	pushed map[string]uint64
	rev    uint64
}

// NewTracker creates a tracker for conversationID.
func NewTracker(conversationID string, fetch Fetcher, b *bus.Bus, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		conversationID: conversationID,
		fetch:          fetch,
		bus:            b,
		log:            log.With(zap.String("conversation", conversationID)),
		states:         make(map[string]chat.Presence),
		pushed:         make(map[string]uint64),
	}
}

// ConversationID returns the conversation the tracker belongs to.
func (t *Tracker) ConversationID() string {
	return t.conversationID
}

// Subscribe asks the server for presence updates of the conversation. The
// server answers with a bulk snapshot.
func (t *Tracker) Subscribe(e Emitter) error {
	return e.Emit(chat.EmitPresenceSubscribe, chat.RoomPayload{ConversationID: t.conversationID})
}

// RequestHere asks for an immediate bulk snapshot.
func (t *Tracker) RequestHere(e Emitter) error {
	return e.Emit(chat.EmitPresenceHere, chat.RoomPayload{ConversationID: t.conversationID})
}

// Unsubscribe stops presence updates for the conversation.
func (t *Tracker) Unsubscribe(e Emitter) error {
	return e.Emit(chat.EmitPresenceUnsubscribe, chat.RoomPayload{ConversationID: t.conversationID})
}

// Ping emits the liveness heartbeat for the local user.
func (t *Tracker) Ping(e Emitter) error {
	return e.Emit(chat.EmitPresencePing, chat.RoomPayload{ConversationID: t.conversationID})
}

// OnBulkSnapshot applies every listed state. Members missing from states keep
// their current presence.
func (t *Tracker) OnBulkSnapshot(conversationID string, states []chat.PresenceState) {
	if conversationID != t.conversationID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var changed []string
	for _, s := range states {
		if s.UserID == "" {
			continue
		}
		t.markPushed(s.UserID)
		if t.merge(s.UserID, s.Presence) {
			changed = append(changed, s.UserID)
		}
		metrics.PresenceUpdates.WithLabelValues(metrics.SourceBulk, metrics.OutcomeApply).Inc()
	}
	t.mu.Unlock()
	t.notify(changed)
}

// OnIncrementalUpdate applies a single member change. Last arrival wins.
func (t *Tracker) OnIncrementalUpdate(conversationID, memberID string, p chat.Presence) {
	if conversationID != t.conversationID || memberID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.markPushed(memberID)
	changed := t.merge(memberID, p)
	t.mu.Unlock()
	metrics.PresenceUpdates.WithLabelValues(metrics.SourcePush, metrics.OutcomeApply).Inc()
	if changed {
		t.notify([]string{memberID})
	}
}

// Revision returns the current push revision. Capture it before issuing a
// REST request whose result is passed to ApplyPoll.
func (t *Tracker) Revision() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rev
}

// ApplyPoll merges presence read from a REST roster fetched after revision
// since. Members pushed after since are skipped, and absent fields never
// overwrite known ones.
func (t *Tracker) ApplyPoll(since uint64, members []chat.Member) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var changed []string
	for _, m := range members {
		if m.ID == "" || m.Presence.IsZero() {
			continue
		}
		if t.pushed[m.ID] > since {
			metrics.PresenceUpdates.WithLabelValues(metrics.SourcePoll, metrics.OutcomeStale).Inc()
			continue
		}
		if t.merge(m.ID, m.Presence) {
			changed = append(changed, m.ID)
		}
		metrics.PresenceUpdates.WithLabelValues(metrics.SourcePoll, metrics.OutcomeApply).Inc()
	}
	t.mu.Unlock()
	t.notify(changed)
}

// PollFallback fetches the roster and merges its presence. Errors are
// returned for the caller to log; state is untouched on failure.
func (t *Tracker) PollFallback(ctx context.Context) error {
	since := t.Revision()
	members, err := t.fetch.ListMembers(ctx, t.conversationID)
	if err != nil {
		return err
	}
	t.ApplyPoll(since, members)
	return nil
}

// Get returns the known presence of a member.
func (t *Tracker) Get(memberID string) (chat.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.states[memberID]
	return p, ok
}

// Status returns a member's status, offline when unknown.
func (t *Tracker) Status(memberID string) chat.Status {
	if p, ok := t.Get(memberID); ok && p.Status != "" {
		return p.Status
	}
	return chat.StatusOffline
}

// Snapshot returns a copy of every known presence.
func (t *Tracker) Snapshot() map[string]chat.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.states)
}

// Forget drops a member that left the conversation.
func (t *Tracker) Forget(memberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, memberID)
	delete(t.pushed, memberID)
}

// Close stops the tracker from accepting further updates.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *Tracker) markPushed(memberID string) {
	t.rev++
	t.pushed[memberID] = t.rev
}

// merge overlays the reported fields of p. Caller holds t.mu.
func (t *Tracker) merge(memberID string, p chat.Presence) bool {
	cur, ok := t.states[memberID]
	next := cur
	if p.Status != "" {
		next.Status = p.Status
	}
	if !p.LastActiveAt.IsZero() {
		next.LastActiveAt = p.LastActiveAt
	}
	if ok && next == cur {
		return false
	}
	if !ok && next.IsZero() {
		return false
	}
	t.states[memberID] = next
	return true
}

func (t *Tracker) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	t.log.Debug("presence changed", zap.Strings("members", changed))
	t.bus.Notify(bus.PresenceChanged, t.conversationID, Changed{MemberIDs: changed})
}
