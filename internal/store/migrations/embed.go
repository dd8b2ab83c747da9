// Package migrations embeds the SQL schema migrations for fleetchat.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
