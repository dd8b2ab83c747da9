package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/matheus3301/fleetchat/internal/auth"
	"github.com/matheus3301/fleetchat/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateReportsSteps(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	change, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if change.From != 0 || change.To != 2 {
		t.Errorf("migrated %d -> %d, want 0 -> 2", change.From, change.To)
	}
	if got := change.StepNames(); !slices.Equal(got, []string{"init", "conversations"}) {
		t.Errorf("applied steps = %v, want [init conversations]", got)
	}

	again, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if again.Changed() || again.From != 2 || again.To != 2 {
		t.Errorf("second Migrate() = %+v, want no change at 2", again)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	creds := NewCredentials(testDB(t))

	got, err := creds.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != (auth.Credentials{}) {
		t.Errorf("fresh profile credentials = %+v, want zero", got)
	}

	if err := creds.Save(ctx, auth.Credentials{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := creds.Save(ctx, auth.Credentials{Access: "a2", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	got, err = creds.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Access != "a2" || got.Refresh != "r1" {
		t.Errorf("got %+v, want a2/r1", got)
	}

	if err := creds.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = creds.Load(ctx)
	if got != (auth.Credentials{}) {
		t.Errorf("after Clear got %+v, want zero", got)
	}
}

func TestReplaceConversationsKeepsOrder(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	first := []chat.Conversation{{ID: "g2", Title: "Night"}, {ID: "g1", Title: "Day"}}
	if err := db.ReplaceConversations(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := []chat.Conversation{{ID: "g3", Title: "Airport", MemberCount: 4, OwnerID: "u1"}, {ID: "g2", Title: "Night"}}
	if err := db.ReplaceConversations(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2 (full replace)", len(got))
	}
	if got[0].ID != "g3" || got[1].ID != "g2" {
		t.Errorf("order = %s,%s, want g3,g2", got[0].ID, got[1].ID)
	}
	if got[0].MemberCount != 4 || got[0].OwnerID != "u1" {
		t.Errorf("g3 = %+v", got[0])
	}
}

func TestUpsertAndDeleteConversation(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	if err := db.UpsertConversation(ctx, chat.Conversation{ID: "g1", Title: "Day"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(ctx, chat.Conversation{ID: "g2", Title: "Night"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(ctx, chat.Conversation{ID: "g1", Title: "Day shift"}); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Title != "Day shift" || got[1].ID != "g2" {
		t.Fatalf("got %+v", got)
	}

	if err := db.DeleteConversation(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.ListConversations(ctx)
	if len(got) != 1 || got[0].ID != "g2" {
		t.Errorf("after delete got %+v", got)
	}
}

func TestSyncState(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	v, err := db.State(ctx, KeyLastDirectoryLoad)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}
	if err := db.SetState(ctx, KeyLastDirectoryLoad, "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(ctx, KeyLastDirectoryLoad, "2000"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.State(ctx, KeyLastDirectoryLoad)
	if v != "2000" {
		t.Errorf("value = %q, want 2000", v)
	}
}
