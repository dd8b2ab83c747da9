// Package roster keeps the member list of a conversation current from REST
// loads, socket pushes and the periodic poll.
package roster

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/presence"
	"github.com/matheus3301/fleetchat/internal/rest"
)

// Client is the REST surface the roster needs.
type Client interface {
	ListMembers(ctx context.Context, conversationID string) ([]chat.Member, error)
	AddMember(ctx context.Context, conversationID string, req rest.AddMemberRequest) (chat.Member, error)
	RemoveMember(ctx context.Context, conversationID, memberID string) error
	ChangeRole(ctx context.Context, conversationID, memberID string, role chat.Role) error
	Conversation(ctx context.Context, id string) (chat.Conversation, error)
}

// Changed is the payload of a roster.changed event.
type Changed struct {
	Added   []string
	Removed []string
	Updated bool
}

// Roster is the member list of one conversation. It never stores presence;
// Members fills it in from the tracker.
type Roster struct {
	conversationID string
	client         Client
	presence       *presence.Tracker
	bus            *bus.Bus
	log            *zap.Logger

	mu      sync.Mutex
	closed  bool
	loaded  bool
	members map[string]chat.Member
	order   []string
	count   int
	conv    chat.Conversation
}

// New creates an empty roster backed by tracker for presence.
func New(conversationID string, client Client, tracker *presence.Tracker, b *bus.Bus, log *zap.Logger) *Roster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Roster{
		conversationID: conversationID,
		client:         client,
		presence:       tracker,
		bus:            b,
		log:            log.With(zap.String("conversation", conversationID)),
		members:        make(map[string]chat.Member),
		conv:           chat.Conversation{ID: conversationID},
	}
}

// Load fetches the roster and replaces the local one. Members missing from
// the fetch lose their tracked presence; the fetched presence goes to the
// tracker under the same rules as a poll.
func (r *Roster) Load(ctx context.Context) error {
	since := r.presence.Revision()
	fetched, err := r.client.ListMembers(ctx, r.conversationID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	prev := r.members
	r.members = make(map[string]chat.Member, len(fetched))
	r.order = r.order[:0:0]
	for _, m := range fetched {
		if m.ID == "" {
			continue
		}
		if _, dup := r.members[m.ID]; !dup {
			r.order = append(r.order, m.ID)
		}
		r.members[m.ID] = withoutPresence(m)
	}
	var removed []string
	for id := range prev {
		if _, ok := r.members[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	r.count = len(r.members)
	r.loaded = true
	r.mu.Unlock()

	for _, id := range removed {
		r.presence.Forget(id)
	}
	r.presence.ApplyPoll(since, fetched)
	r.notify(Changed{Removed: removed, Updated: true})
	return nil
}

// LoadDetail fetches the conversation detail, including an explicit owner
// when the server provides one.
func (r *Roster) LoadDetail(ctx context.Context) error {
	conv, err := r.client.Conversation(ctx, r.conversationID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if conv.ID == "" {
		conv.ID = r.conversationID
	}
	r.conv = conv
	if !r.loaded {
		r.count = conv.MemberCount
	}
	r.mu.Unlock()
	r.notify(Changed{Updated: true})
	return nil
}

// OnMemberAdded inserts m unless its identifier is already present. It
// reports whether the roster changed.
func (r *Roster) OnMemberAdded(conversationID string, m chat.Member) bool {
	if conversationID != r.conversationID || m.ID == "" {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.members[m.ID]; ok {
		r.mu.Unlock()
		return false
	}
	r.members[m.ID] = withoutPresence(m)
	r.order = append(r.order, m.ID)
	r.count++
	r.mu.Unlock()

	if !m.Presence.IsZero() {
		r.presence.OnIncrementalUpdate(conversationID, m.ID, m.Presence)
	}
	r.notify(Changed{Added: []string{m.ID}})
	return true
}

// OnMemberRemoved removes memberID if present. The count never goes below zero.
func (r *Roster) OnMemberRemoved(conversationID, memberID string) bool {
	if conversationID != r.conversationID {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.members[memberID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, memberID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == memberID })
	r.count = max(r.count-1, 0)
	r.mu.Unlock()

	r.presence.Forget(memberID)
	r.notify(Changed{Removed: []string{memberID}})
	return true
}

// OnGroupUpdated applies the changed fields of a group:updated push.
func (r *Roster) OnGroupUpdated(u chat.GroupUpdated) {
	if u.ConversationID != r.conversationID {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if u.Title != nil {
		r.conv.Title = *u.Title
	}
	if u.Description != nil {
		r.conv.Description = *u.Description
	}
	if u.MemberCount != nil {
		r.conv.MemberCount = *u.MemberCount
		r.count = max(*u.MemberCount, 0)
	}
	r.mu.Unlock()
	r.notify(Changed{Updated: true})
}

// PollRefresh merges a fresh roster into the local one by identifier.
// Non-presence fields are overlaid; presence goes through the tracker's
// revision guard. Members missing from the poll are kept.
func (r *Roster) PollRefresh(ctx context.Context) error {
	since := r.presence.Revision()
	fetched, err := r.client.ListMembers(ctx, r.conversationID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	var added []string
	for _, m := range fetched {
		if m.ID == "" {
			continue
		}
		cur, ok := r.members[m.ID]
		if !ok {
			r.members[m.ID] = withoutPresence(m)
			r.order = append(r.order, m.ID)
			added = append(added, m.ID)
			continue
		}
		r.members[m.ID] = overlay(cur, m)
	}
	r.count = len(r.members)
	r.mu.Unlock()

	r.presence.ApplyPoll(since, fetched)
	r.notify(Changed{Added: added, Updated: true})
	return nil
}

// AddMember adds memberID on the server and applies the result like a push.
func (r *Roster) AddMember(ctx context.Context, memberID string, role chat.Role) (chat.Member, error) {
	m, err := r.client.AddMember(ctx, r.conversationID, rest.AddMemberRequest{MemberID: memberID, Role: role})
	if err != nil {
		return chat.Member{}, err
	}
	r.OnMemberAdded(r.conversationID, m)
	return m, nil
}

// RemoveMember removes memberID on the server and applies the result like a push.
func (r *Roster) RemoveMember(ctx context.Context, memberID string) error {
	if err := r.client.RemoveMember(ctx, r.conversationID, memberID); err != nil {
		return err
	}
	r.OnMemberRemoved(r.conversationID, memberID)
	return nil
}

// ChangeRole asks the server to change a role. The local roster is not
// touched; a best-effort refresh picks the new role up.
func (r *Roster) ChangeRole(ctx context.Context, memberID string, role chat.Role) error {
	if err := r.client.ChangeRole(ctx, r.conversationID, memberID, role); err != nil {
		return err
	}
	if err := r.PollRefresh(ctx); err != nil {
		r.log.Debug("roster refresh after role change failed", zap.Error(err))
	}
	return nil
}

// Owner returns the server-provided owner, or else the member with the
// earliest join time. It is empty for an empty roster.
func (r *Roster) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id := r.conv.Owner(); id != "" {
		return id
	}
	var owner *chat.Member
	for _, id := range r.order {
		m := r.members[id]
		if m.JoinedAt.IsZero() {
			continue
		}
		if owner == nil || m.JoinedAt.Before(owner.JoinedAt) ||
			(m.JoinedAt.Equal(owner.JoinedAt) && m.ID < owner.ID) {
			owner = &m
		}
	}
	if owner == nil {
		return ""
	}
	return owner.ID
}

// CanManage reports whether userID may add or remove members.
func (r *Roster) CanManage(userID string) bool {
	return userID != "" && userID == r.Owner()
}

// Members returns the roster in insertion order with presence filled in.
func (r *Roster) Members() []chat.Member {
	r.mu.Lock()
	out := make([]chat.Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	r.mu.Unlock()
	for i := range out {
		out[i].Presence, _ = r.presence.Get(out[i].ID)
	}
	return out
}

// Member returns one member with presence filled in.
func (r *Roster) Member(id string) (chat.Member, bool) {
	r.mu.Lock()
	m, ok := r.members[id]
	r.mu.Unlock()
	if ok {
		m.Presence, _ = r.presence.Get(id)
	}
	return m, ok
}

// Count returns the cached member count.
func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Conversation returns the conversation detail.
func (r *Roster) Conversation() chat.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conv
	c.MemberCount = r.count
	return c
}

// Close stops the roster from accepting further changes.
func (r *Roster) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Roster) notify(c Changed) {
	r.bus.Notify(bus.RosterChanged, r.conversationID, c)
}

func withoutPresence(m chat.Member) chat.Member {
	m.Presence = chat.Presence{}
	return m
}

// overlay copies the reported non-presence fields of fresh onto cur.
func overlay(cur, fresh chat.Member) chat.Member {
	cur.Name = cmp.Or(fresh.Name, cur.Name)
	cur.Phone = cmp.Or(fresh.Phone, cur.Phone)
	cur.Role = cmp.Or(fresh.Role, cur.Role)
	if !fresh.JoinedAt.IsZero() {
		cur.JoinedAt = fresh.JoinedAt
	}
	return cur
}
