// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents one database schema migration. Migrations are
// embedded in the binary so the schema ships with the daemon.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS centers (
	row_id INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	local_id INTEGER NOT NULL,
	center_id INTEGER NOT NULL DEFAULT -1,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	server_user TEXT NOT NULL DEFAULT '',
	server_password TEXT NOT NULL DEFAULT '',
	client_user TEXT NOT NULL DEFAULT '',
	sync_frequency INTEGER NOT NULL DEFAULT 0,
	change_save_time INTEGER NOT NULL DEFAULT 0,
	last_import INTEGER NOT NULL DEFAULT 0,
	last_export INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE (namespace, local_id)
);

CREATE TABLE IF NOT EXISTS change_records (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	change_type TEXT NOT NULL,
	additivity INTEGER NOT NULL,
	subject_id INTEGER NOT NULL,
	minor_subject TEXT NOT NULL DEFAULT '',
	data1 TEXT NOT NULL DEFAULT '',
	data2 TEXT NOT NULL DEFAULT '',
	previous_value TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_records_ns_time
	ON change_records (namespace, time);
CREATE INDEX IF NOT EXISTS idx_change_records_ns_subject
	ON change_records (namespace, subject_type, time);

CREATE TABLE IF NOT EXISTS sync_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	parallel_id INTEGER NOT NULL DEFAULT -1,
	center_local_id INTEGER NOT NULL,
	sync_type TEXT NOT NULL,
	time INTEGER NOT NULL,
	is_import INTEGER NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_records_ns_center
	ON sync_records (namespace, center_local_id, time);

CREATE TABLE IF NOT EXISTS latest_center_changes (
	namespace TEXT NOT NULL,
	center_local_id INTEGER NOT NULL,
	subject_type TEXT NOT NULL,
	change_id TEXT NOT NULL,
	time INTEGER NOT NULL,
	PRIMARY KEY (namespace, center_local_id, subject_type)
);

CREATE TABLE IF NOT EXISTS purge_policies (
	namespace TEXT PRIMARY KEY,
	entry_count INTEGER NOT NULL DEFAULT -1,
	age INTEGER NOT NULL DEFAULT -1,
	exclude_users TEXT NOT NULL DEFAULT '[]',
	exclude_types TEXT NOT NULL DEFAULT '[]'
);
`

// migrations is the ordered, append-only migration list.
var migrations = []Migration{
	{Version: 1, Description: "initial schema", SQL: schemaV1},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate applies all pending migrations, each in its own transaction so
// a crash leaves the schema at a whole version boundary.
func (m *Migrator) Migrate() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(mig.SQL))
	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, hex.EncodeToString(sum[:]),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
