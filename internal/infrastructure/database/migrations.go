package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"sync"
	"time"
)

// migrationFile matches YYYYMMDD_HHMMSS_description.{up,down}.sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	registryMu sync.RWMutex
	registered fs.FS
)

// RegisterMigrations sets the schema applied by Migrate. The migrations
// package calls it from init with its embedded files.
func RegisterMigrations(fsys fs.FS) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = fsys
}

func registeredMigrations() fs.FS {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registered
}

// Migration is one versioned schema change.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	Up      string
	Down    string // empty when the change cannot be reverted
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// LoadMigrations reads the migrations at the root of fsys, oldest first.
// Files that are not .sql are ignored; a .sql file with a malformed name
// or a down file without its up file is an error.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, name := range names {
		m := migrationFile.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("migration %q: name must be YYYYMMDD_HHMMSS_description.up.sql or .down.sql", name)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		version, desc, direction := m[1], m[2], m[3]
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: desc}
			byVersion[version] = mig
		} else if mig.Name != desc {
			return nil, fmt.Errorf("migration %s: conflicting names %q and %q", version, mig.Name, desc)
		}
		if direction == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration %s (%s): missing .up.sql", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies the registered migrations that have not run yet.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := LoadMigrations(registeredMigrations())
	if err != nil {
		return err
	}
	_, err = db.Apply(ctx, migrations)
	return err
}

// Apply runs each pending migration in its own transaction and returns how
// many were applied. On failure earlier migrations stay committed and the
// next call resumes at the one that failed.
func (db *DB) Apply(ctx context.Context, migrations []Migration) (int, error) {
	pending, err := db.Pending(ctx, migrations)
	if err != nil {
		return 0, err
	}
	for i, m := range pending {
		err := db.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return i, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return len(pending), nil
}

// Revert rolls back the most recently applied migration and returns its
// version, or "" when nothing is applied.
func (db *DB) Revert(ctx context.Context, migrations []Migration) (string, error) {
	applied, err := db.Applied(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}
	latest := applied[len(applied)-1].Version

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == latest {
			target = &migrations[i]
			break
		}
	}
	switch {
	case target == nil:
		return "", fmt.Errorf("migration %s is applied but not known to this build", latest)
	case target.Down == "":
		return "", fmt.Errorf("migration %s (%s) cannot be reverted", latest, target.Name)
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, target.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", latest)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reverting migration %s (%s): %w", latest, target.Name, err)
	}
	return latest, nil
}

// Pending returns the migrations not yet recorded in schema_migrations.
func (db *DB) Pending(ctx context.Context, migrations []Migration) ([]Migration, error) {
	applied, err := db.Applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		done[a.Version] = struct{}{}
	}

	var pending []Migration
	for _, m := range migrations {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Applied lists recorded migrations, oldest first.
func (db *DB) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a  AppliedMigration
			at string
		)
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		if a.AppliedAt, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("migration %s: bad applied_at %q: %w", a.Version, at, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SchemaVersion returns the newest applied version, or "" on an empty schema.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return "", err
	}
	var version string
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), '') FROM schema_migrations").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	) STRICT`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}
