package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/fleetchat/internal/chat"
)

// ReplaceConversations stores list as the complete conversation cache,
// preserving its order.
func (db *DB) ReplaceConversations(ctx context.Context, list []chat.Conversation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	now := time.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversations (id, title, description, member_count, owner_id, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i, c := range list {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Title, c.Description, c.MemberCount, c.Owner(), i, now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertConversation inserts or updates one cached conversation. New entries
// go to the end of the list.
func (db *DB) UpsertConversation(ctx context.Context, c chat.Conversation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, description, member_count, owner_id, position, updated_at)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM conversations), ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			member_count = excluded.member_count,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.Description, c.MemberCount, c.Owner(), time.Now().UnixMilli())
	return err
}

// DeleteConversation purges a conversation from the cache.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// ListConversations returns the cached conversations in list order.
func (db *DB) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, description, member_count, owner_id
		FROM conversations
		ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.MemberCount, &c.OwnerID); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
