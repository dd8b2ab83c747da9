// Package directory keeps the current user's conversation list, mirrored to
// the local cache for offline start.
package directory

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/rest"
	"github.com/matheus3301/fleetchat/internal/socket"
	"github.com/matheus3301/fleetchat/internal/store"
)

// Client is the REST surface the directory needs.
type Client interface {
	ListGroups(ctx context.Context) ([]chat.Conversation, error)
	CreateGroup(ctx context.Context, req rest.CreateGroupRequest) (chat.Conversation, error)
	RenameGroup(ctx context.Context, id string, req rest.RenameGroupRequest) (chat.Conversation, error)
	DeleteGroup(ctx context.Context, id string) error
}

// Directory is the conversation list of the current user.
type Directory struct {
	client Client
	cache  *store.DB
	bus    *bus.Bus
	log    *zap.Logger

	mu      sync.Mutex
	list    []chat.Conversation
	deleted map[string]struct{}
	conn    socket.Channel
	offs    []func()
}

// New creates a Directory. cache may be nil.
func New(client Client, cache *store.DB, b *bus.Bus, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{client: client, cache: cache, bus: b, log: log, deleted: make(map[string]struct{})}
}

// Restore fills the list from the local cache.
func (d *Directory) Restore(ctx context.Context) error {
	if d.cache == nil {
		return nil
	}
	list, err := d.cache.ListConversations(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.list = list
	d.mu.Unlock()
	d.notify()
	return nil
}

// Attach registers the group push handlers on conn and rejoins every
// conversation room after each reconnect.
func (d *Directory) Attach(conn socket.Channel) {
	offs := []func(){
		conn.On(chat.EventGroupUpdated, func(data json.RawMessage) {
			var u chat.GroupUpdated
			if err := json.Unmarshal(data, &u); err != nil {
				d.log.Warn("bad group:updated payload", zap.Error(err))
				return
			}
			d.OnGroupUpdated(context.Background(), u)
		}),
		conn.On(chat.EventGroupDeleted, func(data json.RawMessage) {
			var g chat.GroupDeleted
			if err := json.Unmarshal(data, &g); err != nil {
				d.log.Warn("bad group:deleted payload", zap.Error(err))
				return
			}
			d.OnGroupDeleted(context.Background(), g.ConversationID)
		}),
		conn.On(socket.EventConnect, func(json.RawMessage) {
			d.joinAll()
		}),
	}
	d.mu.Lock()
	d.conn = conn
	d.offs = append(d.offs, offs...)
	d.mu.Unlock()
}

// Detach removes the handlers registered by Attach.
func (d *Directory) Detach() {
	d.mu.Lock()
	offs := d.offs
	d.offs = nil
	d.conn = nil
	d.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// Load fetches the list, replaces the local one, persists it and joins every
// conversation room.
func (d *Directory) Load(ctx context.Context) error {
	list, err := d.client.ListGroups(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.list = list
	for _, c := range list {
		delete(d.deleted, c.ID)
	}
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.ReplaceConversations(ctx, list); err != nil {
			d.log.Warn("persist conversations failed", zap.Error(err))
		}
		if err := d.cache.SetState(ctx, store.KeyLastDirectoryLoad, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			d.log.Warn("persist directory load time failed", zap.Error(err))
		}
	}
	d.joinAll()
	d.notify()
	return nil
}

// Create creates a conversation and appends it to the list.
func (d *Directory) Create(ctx context.Context, req rest.CreateGroupRequest) (chat.Conversation, error) {
	conv, err := d.client.CreateGroup(ctx, req)
	if err != nil {
		return chat.Conversation{}, err
	}
	d.upsert(ctx, conv)
	return conv, nil
}

// Rename changes a conversation's title and, optionally, description.
func (d *Directory) Rename(ctx context.Context, id string, req rest.RenameGroupRequest) (chat.Conversation, error) {
	conv, err := d.client.RenameGroup(ctx, id, req)
	if err != nil {
		return chat.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = id
	}
	if cur, ok := d.Get(id); ok && conv.MemberCount == 0 {
		conv.MemberCount = cur.MemberCount
	}
	d.upsert(ctx, conv)
	return conv, nil
}

// Delete deletes a conversation and purges it from the cache.
func (d *Directory) Delete(ctx context.Context, id string) error {
	if err := d.client.DeleteGroup(ctx, id); err != nil {
		return err
	}
	d.OnGroupDeleted(ctx, id)
	return nil
}

// OnGroupUpdated applies the changed fields of a group:updated push.
func (d *Directory) OnGroupUpdated(ctx context.Context, u chat.GroupUpdated) {
	d.mu.Lock()
	i := d.index(u.ConversationID)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	c := &d.list[i]
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.MemberCount != nil {
		c.MemberCount = max(*u.MemberCount, 0)
	}
	updated := *c
	d.mu.Unlock()

	d.persist(ctx, updated)
	d.notify()
}

// OnGroupDeleted removes a conversation locally and from the cache.
func (d *Directory) OnGroupDeleted(ctx context.Context, id string) {
	d.mu.Lock()
	n := len(d.list)
	d.list = slices.DeleteFunc(d.list, func(c chat.Conversation) bool { return c.ID == id })
	removed := len(d.list) != n
	d.deleted[id] = struct{}{}
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.DeleteConversation(ctx, id); err != nil {
			d.log.Warn("purge conversation failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	if removed {
		d.notify()
	}
}

// List returns a copy of the conversation list.
func (d *Directory) List() []chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.list)
}

// Get returns one conversation.
func (d *Directory) Get(id string) (chat.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(id); i >= 0 {
		return d.list[i], true
	}
	return chat.Conversation{}, false
}

// Deleted reports whether id was deleted since the last Load listed it.
func (d *Directory) Deleted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.deleted[id]
	return ok
}

// Cached returns the last persisted list.
func (d *Directory) Cached(ctx context.Context) ([]chat.Conversation, error) {
	if d.cache == nil {
		return nil, nil
	}
	return d.cache.ListConversations(ctx)
}

func (d *Directory) upsert(ctx context.Context, conv chat.Conversation) {
	d.mu.Lock()
	delete(d.deleted, conv.ID)
	if i := d.index(conv.ID); i >= 0 {
		d.list[i] = conv
	} else {
		d.list = append(d.list, conv)
	}
	d.mu.Unlock()
	d.persist(ctx, conv)
	d.notify()
}

func (d *Directory) persist(ctx context.Context, conv chat.Conversation) {
	if d.cache == nil {
		return
	}
	if err := d.cache.UpsertConversation(ctx, conv); err != nil {
		d.log.Warn("persist conversation failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
}

func (d *Directory) joinAll() {
	d.mu.Lock()
	conn := d.conn
	ids := make([]string, len(d.list))
	for i, c := range d.list {
		ids[i] = c.ID
	}
	d.mu.Unlock()
	if conn == nil || len(ids) == 0 {
		return
	}
	if err := conn.Emit(chat.EmitJoinAll, chat.JoinAllPayload{ConversationIDs: ids}); err != nil {
		d.log.Warn("join all conversations failed", zap.Error(err))
	}
}

func (d *Directory) index(id string) int {
	return slices.IndexFunc(d.list, func(c chat.Conversation) bool { return c.ID == id })
}

func (d *Directory) notify() {
	d.bus.Notify(bus.DirectoryChanged, "", nil)
}
