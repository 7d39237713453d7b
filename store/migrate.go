package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"
)

// internalSchema holds the store's own bookkeeping tables. Created with IF
// NOT EXISTS before any migration runs, so they are never part of a
// migration chain.
const internalSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collection (
	name TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
`

// Migration is one step in the schema pipeline. Migrations are totally
// ordered by Version, applied exactly once each, in ascending order, inside
// a single upgrade transaction.
type Migration struct {
	Version     int
	Description string

	// Apply performs the schema change.
	// PRE: every migration with a lower version has been applied
	// POST: the schema matches what Validate expects
	Apply func(ctx context.Context, tx *UpgradeTx) error

	// Validate is checked immediately after Apply, inside the same
	// transaction. A non-nil error aborts the whole upgrade. Optional.
	Validate func(ctx context.Context, tx *UpgradeTx) error
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// validateCollectionName rejects names that cannot be embedded in a table name.
func validateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// recordTable returns the backing table name for a collection.
// PRE: name has passed validateCollectionName
func recordTable(name string) string {
	return "record_" + name
}

// UpgradeTx is the handle migrations receive. It exposes collection DDL,
// record helpers for backfills, and raw SQL access, all inside the single
// upgrade transaction.
type UpgradeTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// CreateCollection registers a new named collection and creates its table.
// PRE: name matches ^[A-Za-z][A-Za-z0-9_]*$ and is not already registered
// POST: collection is usable by record operations once the upgrade commits
func (u *UpgradeTx) CreateCollection(ctx context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(ctx,
		`INSERT INTO collection (name, created_at) VALUES (?, ?)`,
		name, u.now().UTC().Format(dateLayout)); err != nil {
		return classify(err)
	}
	if _, err := u.tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at TEXT NOT NULL)`,
		recordTable(name))); err != nil {
		return classify(err)
	}
	return nil
}

// DropCollection removes a collection and its records. Dropping must always
// be an explicit migration step, never a side effect.
// PRE: name is a registered collection
// POST: collection and all its records are gone once the upgrade commits
func (u *UpgradeTx) DropCollection(ctx context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	res, err := u.tx.ExecContext(ctx, `DELETE FROM collection WHERE name = ?`, name)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	if _, err := u.tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, recordTable(name))); err != nil {
		return classify(err)
	}
	return nil
}

// Put upserts a record, for data backfills during an upgrade.
// PRE: collection was created by this or an earlier migration
// POST: record is present with upsert semantics
func (u *UpgradeTx) Put(ctx context.Context, collection string, rec Record) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}
	return upsertRecord(ctx, u.tx, collection, rec, u.now().UTC())
}

// Records reads all records of a collection, for migration-time transforms.
// PRE: collection was created by this or an earlier migration
// POST: returns records ordered by id
func (u *UpgradeTx) Records(ctx context.Context, collection string) ([]Record, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}
	return listRecords(ctx, u.tx, collection)
}

// ExecContext runs raw SQL inside the upgrade transaction.
func (u *UpgradeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return u.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a raw query inside the upgrade transaction.
func (u *UpgradeTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return u.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a raw single-row query inside the upgrade transaction.
func (u *UpgradeTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return u.tx.QueryRowContext(ctx, query, args...)
}

// SchemaVersion returns the highest applied migration version, or 0 for a
// database that has never been migrated.
// PRE: db is a valid connection
// POST: returns version >= 0
func SchemaVersion(ctx context.Context, db SQLDB) (int, error) {
	var tables int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&tables)
	if err != nil {
		return 0, classify(err)
	}
	if tables == 0 {
		return 0, nil
	}
	var version int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, classify(err)
	}
	return version, nil
}

// LatestVersion returns the highest version in a migration list, or 0.
func LatestVersion(migrations []Migration) int {
	latest := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}

// checkMigrations validates the migration list before anything touches disk.
func checkMigrations(migrations []Migration) ([]Migration, error) {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version < 1 {
			return nil, fmt.Errorf("%w: migration version %d must be >= 1", ErrMigrationFailed, m.Version)
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, fmt.Errorf("%w: duplicate migration version %d", ErrMigrationFailed, m.Version)
		}
		if m.Apply == nil {
			return nil, fmt.Errorf("%w: migration %d has no apply function", ErrMigrationFailed, m.Version)
		}
	}
	return sorted, nil
}

// runMigrations brings the database to the highest supplied version. All
// pending steps run inside one transaction; at most one upgrade transaction
// runs per store lifetime because this is only called from New.
// PRE: db is a valid connection, migrations have unique versions >= 1
// POST: returns the resulting schema version; on error the on-disk version
// is unchanged
func runMigrations(ctx context.Context, db SQLDB, migrations []Migration, now func() time.Time) (int, error) {
	sorted, err := checkMigrations(migrations)
	if err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, internalSchema); err != nil {
		return 0, fmt.Errorf("%w: create internal tables: %v", ErrMigrationFailed, err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("%w: read schema version: %v", ErrMigrationFailed, err)
	}
	target := 0
	if len(sorted) > 0 {
		target = sorted[len(sorted)-1].Version
	}

	if current > target {
		return 0, fmt.Errorf("%w: on-disk version %d is newer than latest supplied migration %d",
			ErrVersionMismatch, current, target)
	}
	if current == target {
		slog.Debug("schema_up_to_date", "version", current)
		return current, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin upgrade transaction: %v", ErrMigrationFailed, err)
	}
	utx := &UpgradeTx{tx: tx, now: now}

	applied := 0
	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		if err := m.Apply(ctx, utx); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: apply migration %d (%s): %v", ErrMigrationFailed, m.Version, m.Description, err)
		}
		if m.Validate != nil {
			if err := m.Validate(ctx, utx); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("%w: validate migration %d (%s): %v", ErrMigrationFailed, m.Version, m.Description, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, now().UTC().Format(dateLayout)); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: record migration %d: %v", ErrMigrationFailed, m.Version, err)
		}
		applied++
		slog.Info("schema_migration_applied", "version", m.Version, "description", m.Description)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit upgrade transaction: %v", ErrMigrationFailed, err)
	}

	slog.Info("schema_upgrade_complete", "from", current, "to", target, "applied", applied)
	return target, nil
}
