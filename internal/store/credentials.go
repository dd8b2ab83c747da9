package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/fleetchat/internal/auth"
)

// Credentials persists the single cached token pair of a profile. It
// implements auth.TokenStore.
type Credentials struct {
	db *DB
}

// NewCredentials returns a token store backed by db.
func NewCredentials(db *DB) *Credentials {
	return &Credentials{db: db}
}

// Load returns the cached pair. A profile that never logged in yields a zero
// value and no error.
func (c *Credentials) Load(ctx context.Context) (auth.Credentials, error) {
	var creds auth.Credentials
	err := c.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM credentials WHERE id = 1`).
		Scan(&creds.Access, &creds.Refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credentials{}, nil
	}
	return creds, err
}

// Save replaces the cached pair.
func (c *Credentials) Save(ctx context.Context, creds auth.Credentials) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		creds.Access, creds.Refresh, time.Now().UnixMilli())
	return err
}

// Clear removes the cached pair.
func (c *Credentials) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`)
	return err
}
