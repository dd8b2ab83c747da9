package store

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/fleetchat/internal/store/migrations"
)

// SchemaStep is one embedded migration.
type SchemaStep struct {
	Version uint
	Name    string
}

// SchemaChange describes a Migrate run: the schema version before and after
// and the steps applied in between.
type SchemaChange struct {
	From    uint
	To      uint
	Applied []SchemaStep
}

// Changed reports whether any step was applied.
func (c SchemaChange) Changed() bool {
	return len(c.Applied) > 0
}

// StepNames returns the names of the applied steps, in order.
func (c SchemaChange) StepNames() []string {
	names := make([]string, len(c.Applied))
	for i, s := range c.Applied {
		names[i] = s.Name
	}
	return names
}

// ErrDirtySchema is returned when an earlier migration stopped halfway.
var ErrDirtySchema = errors.New("schema is dirty")

// Migrate brings fleetchat.db up to the embedded schema. A schema left dirty
// by an interrupted run is reported, never forced.
func (db *DB) Migrate() (*SchemaChange, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	from, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migrate from version %d: %w", from, err)
	}
	to, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}

	steps, err := embeddedSteps()
	if err != nil {
		return nil, err
	}
	change := &SchemaChange{From: from, To: to}
	for _, s := range steps {
		if s.Version > from && s.Version <= to {
			change.Applied = append(change.Applied, s)
		}
	}
	return change, nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}
	return v, nil
}

// embeddedSteps lists the up migrations, named after their file:
// 000002_conversations.up.sql is step 2, "conversations".
func embeddedSteps() ([]SchemaStep, error) {
	files, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]SchemaStep, 0, len(files))
	for _, f := range files {
		prefix, name, ok := strings.Cut(strings.TrimSuffix(f, ".up.sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing name", f)
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", f, err)
		}
		steps = append(steps, SchemaStep{Version: uint(v), Name: name})
	}
	slices.SortFunc(steps, func(a, b SchemaStep) int { return int(a.Version) - int(b.Version) })
	return steps, nil
}
