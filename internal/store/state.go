package store

import (
	"context"
	"database/sql"
	"errors"
)

// Sync state keys.
const (
	KeyLastDirectoryLoad = "directory.last_load"
	KeyConnectionState   = "connection.state"
)

// SetState records a key/value pair in sync_state.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// State returns the value for key, or "" if unset.
func (db *DB) State(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
