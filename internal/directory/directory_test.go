package directory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/rest"
	"github.com/matheus3301/fleetchat/internal/socket"
	"github.com/matheus3301/fleetchat/internal/socket/sockettest"
	"github.com/matheus3301/fleetchat/internal/store"
)

type fakeClient struct {
	groups  []chat.Conversation
	listErr error
	deleted []string
}

func (f *fakeClient) ListGroups(context.Context) ([]chat.Conversation, error) {
	return append([]chat.Conversation(nil), f.groups...), f.listErr
}

func (f *fakeClient) CreateGroup(_ context.Context, req rest.CreateGroupRequest) (chat.Conversation, error) {
	return chat.Conversation{ID: "new", Title: req.Title, MemberCount: 1}, nil
}

func (f *fakeClient) RenameGroup(_ context.Context, id string, req rest.RenameGroupRequest) (chat.Conversation, error) {
	return chat.Conversation{ID: id, Title: req.Title}, nil
}

func (f *fakeClient) DeleteGroup(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func joinAllIDs(t *testing.T, ch *sockettest.Channel) [][]string {
	t.Helper()
	var out [][]string
	for _, e := range ch.Emitted() {
		if e.Event != chat.EmitJoinAll {
			continue
		}
		var p chat.JoinAllPayload
		require.NoError(t, json.Unmarshal(e.Data, &p))
		out = append(out, p.ConversationIDs)
	}
	return out
}

func TestLoadPersistsAndJoinsAll(t *testing.T) {
	db := testDB(t)
	c := &fakeClient{groups: []chat.Conversation{{ID: "g1", Title: "Day"}, {ID: "g2", Title: "Night"}}}
	ch := sockettest.NewChannel()
	d := New(c, db, nil, nil)
	d.Attach(ch)

	require.NoError(t, d.Load(t.Context()))
	assert.Len(t, d.List(), 2)
	assert.Equal(t, [][]string{{"g1", "g2"}}, joinAllIDs(t, ch))

	cached, err := d.Cached(t.Context())
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	ch.Deliver(socket.EventConnect, nil)
	assert.Len(t, joinAllIDs(t, ch), 2, "rejoin after reconnect")
}

func TestLoadFailureKeepsList(t *testing.T) {
	c := &fakeClient{groups: []chat.Conversation{{ID: "g1"}}}
	d := New(c, nil, nil, nil)
	require.NoError(t, d.Load(t.Context()))

	c.listErr = apierr.ErrUnauthorized
	require.ErrorIs(t, d.Load(t.Context()), apierr.ErrUnauthorized)
	assert.Len(t, d.List(), 1)
}

func TestRestoreFromCache(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.ReplaceConversations(t.Context(), []chat.Conversation{{ID: "g1", Title: "Day"}}))

	d := New(&fakeClient{}, db, nil, nil)
	require.NoError(t, d.Restore(t.Context()))
	conv, ok := d.Get("g1")
	require.True(t, ok)
	assert.Equal(t, "Day", conv.Title)
}

func TestCreateRenameDelete(t *testing.T) {
	db := testDB(t)
	c := &fakeClient{groups: []chat.Conversation{{ID: "g1", Title: "Day", MemberCount: 3}}}
	d := New(c, db, nil, nil)
	require.NoError(t, d.Load(t.Context()))

	conv, err := d.Create(t.Context(), rest.CreateGroupRequest{Title: "Airport"})
	require.NoError(t, err)
	assert.Equal(t, "new", conv.ID)

	renamed, err := d.Rename(t.Context(), "g1", rest.RenameGroupRequest{Title: "Day shift"})
	require.NoError(t, err)
	assert.Equal(t, 3, renamed.MemberCount, "member count kept when the response omits it")

	require.NoError(t, d.Delete(t.Context(), "g1"))
	assert.Equal(t, []string{"g1"}, c.deleted)
	_, ok := d.Get("g1")
	assert.False(t, ok)

	cached, err := db.ListConversations(t.Context())
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "new", cached[0].ID)
}

func TestGroupPushes(t *testing.T) {
	db := testDB(t)
	c := &fakeClient{groups: []chat.Conversation{{ID: "g1", Title: "Day"}, {ID: "g2", Title: "Night"}}}
	ch := sockettest.NewChannel()
	d := New(c, db, nil, nil)
	d.Attach(ch)
	require.NoError(t, d.Load(t.Context()))

	ch.Deliver(chat.EventGroupUpdated, map[string]any{"conversationId": "g1", "title": "Morning", "memberCount": 5})
	conv, _ := d.Get("g1")
	assert.Equal(t, "Morning", conv.Title)
	assert.Equal(t, 5, conv.MemberCount)

	ch.Deliver(chat.EventGroupDeleted, map[string]any{"conversationId": "g2"})
	_, ok := d.Get("g2")
	assert.False(t, ok)

	cached, _ := db.ListConversations(t.Context())
	require.Len(t, cached, 1)
	assert.Equal(t, "Morning", cached[0].Title)

	d.Detach()
	assert.Zero(t, ch.Listeners())
	ch.Deliver(chat.EventGroupDeleted, map[string]any{"conversationId": "g1"})
	_, ok = d.Get("g1")
	assert.True(t, ok, "detached directory ignores pushes")
}

func TestDeletedUntilListedAgain(t *testing.T) {
	c := &fakeClient{groups: []chat.Conversation{{ID: "g1"}, {ID: "g2"}}}
	ch := sockettest.NewChannel()
	d := New(c, nil, nil, nil)
	d.Attach(ch)
	require.NoError(t, d.Load(t.Context()))
	assert.False(t, d.Deleted("g2"))

	ch.Deliver(chat.EventGroupDeleted, map[string]any{"conversationId": "g2"})
	assert.True(t, d.Deleted("g2"))
	assert.False(t, d.Deleted("g1"))

	c.groups = []chat.Conversation{{ID: "g1"}}
	require.NoError(t, d.Load(t.Context()))
	assert.True(t, d.Deleted("g2"), "still gone after a reload")

	c.groups = []chat.Conversation{{ID: "g1"}, {ID: "g2"}}
	require.NoError(t, d.Load(t.Context()))
	assert.False(t, d.Deleted("g2"))
}

func TestLoadLogsCacheFailures(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Close())
	core, logs := observer.New(zap.WarnLevel)
	d := New(&fakeClient{groups: []chat.Conversation{{ID: "g1"}}}, db, nil, zap.New(core))

	require.NoError(t, d.Load(t.Context()))
	assert.Len(t, d.List(), 1)
	assert.Equal(t, 1, logs.FilterMessage("persist conversations failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("persist directory load time failed").Len())
}
