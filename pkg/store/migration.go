package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 is the initial params/keys/items schema
	SchemaVersion1 = 1
	// SchemaVersion2 records per-item decryption status and adds store_secrets
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// getSchemaVersion returns the current schema version from the database.
// Returns 1 if no version is stored.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return version, nil
}

// setSchemaVersion records version inside tx.
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("store: failed to create schema_version table: %w", err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("store: failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema migrates the database schema to the current version.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d",
			ErrDatabaseCorrupted, version, CurrentSchemaVersion)
	}

	if version < SchemaVersion2 {
		if err := migrateToV2(db); err != nil {
			return fmt.Errorf("store: migration to v2 failed: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds the error_decrypting column to items and the
// store_secrets table. Existing rows default to not failing; the flag is
// recomputed the next time items are decrypted and written.
func migrateToV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	columns, err := getTableColumns(tx, "items")
	if err != nil {
		return err
	}
	if !columns["error_decrypting"] {
		if _, err := tx.Exec("ALTER TABLE items ADD COLUMN error_decrypting INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("failed to add error_decrypting column: %w", err)
		}
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS store_secrets (
			name TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create store_secrets table: %w", err)
	}

	if err := setSchemaVersion(tx, SchemaVersion2); err != nil {
		return err
	}
	return tx.Commit()
}

// getTableColumns returns the set of column names for a table.
func getTableColumns(tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
