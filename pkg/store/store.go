// Package store persists offline auth parameters, the current offline key
// set, and encrypted items in a local SQLite database.
//
// The database file is created with owner-only permissions. The offline key
// set is stored as raw key material, so the data directory must be treated
// like a keychain.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/keyrecover/pkg/corpus"
	"github.com/forest6511/keyrecover/pkg/crypto"
	"github.com/forest6511/keyrecover/pkg/keys"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DBFileName = "keyrecover.db"
	FileMode   = 0600 // Owner read/write only
	DirMode    = 0700 // Owner read/write/execute only

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 1024 * 1024 // 1 MB minimum free space
	DiskWarningPercent = 90          // Warn when disk is 90% full

	auditSecretName = "audit_hmac"
)

// Errors
var (
	ErrAlreadyInitialized = errors.New("store: offline key set already initialized")
	ErrNotInitialized     = errors.New("store: offline key set not initialized")
	ErrClosed             = errors.New("store: store is closed")
	ErrInsufficientDisk   = errors.New("store: insufficient disk space")
	ErrDatabaseCorrupted  = errors.New("store: database is corrupted")
	ErrInvalidItem        = errors.New("store: invalid item")
)

// Store is the local SQLite store.
type Store struct {
	path   string // data directory
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens or creates the store in dir and migrates its schema.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{path: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// Single connection: the CLI is the only writer and this avoids
	// "database is locked" errors between pooled connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create tables: %w", err)
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
	}

	s.db = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the data directory.
func (s *Store) Path() string {
	return s.path
}

// createTables creates the version 1 schema. Later versions are applied by
// migrateSchema.
func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offline_auth_params (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			params_json TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS offline_keys (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version TEXT NOT NULL,
			master_key BLOB NOT NULL,
			auth_key BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			uuid TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			enc_item_key BLOB NOT NULL,
			auth_hash BLOB NOT NULL,
			content BLOB NOT NULL,
			source TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// SaveAuthParams records the parameters of a newly established offline key
// set. It refuses to replace existing parameters.
func (s *Store) SaveAuthParams(ctx context.Context, p *keys.AuthParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: failed to marshal auth params: %w", err)
	}

	res, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO offline_auth_params (id, params_json) VALUES (1, ?)", string(raw))
	if err != nil {
		return fmt.Errorf("store: failed to save auth params: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyInitialized
	}
	return nil
}

// OfflineAuthParams returns the stored auth parameters, or nil and no error
// when no offline key set has ever been established.
func (s *Store) OfflineAuthParams(ctx context.Context) (*keys.AuthParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var raw string
	err = db.QueryRowContext(ctx, "SELECT params_json FROM offline_auth_params WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read auth params: %w", err)
	}

	var p keys.AuthParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: auth params: %v", ErrDatabaseCorrupted, err)
	}
	return &p, nil
}

// PersistOfflineKeys replaces the current offline key set with ks.
func (s *Store) PersistOfflineKeys(ctx context.Context, ks *keys.KeySet) error {
	if !ks.Valid() {
		return fmt.Errorf("store: refusing to persist invalid key set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(len(ks.MasterKey) + len(ks.AuthKey)); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO offline_keys (id, version, master_key, auth_key, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			master_key = excluded.master_key,
			auth_key = excluded.auth_key,
			updated_at = excluded.updated_at`,
		ks.Version, ks.MasterKey, ks.AuthKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: failed to persist offline keys: %w", err)
	}
	return nil
}

// OfflineKeys returns the current offline key set, or nil and no error if
// there is none.
func (s *Store) OfflineKeys(ctx context.Context) (*keys.KeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	ks := &keys.KeySet{}
	err = db.QueryRowContext(ctx,
		"SELECT version, master_key, auth_key FROM offline_keys WHERE id = 1").
		Scan(&ks.Version, &ks.MasterKey, &ks.AuthKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read offline keys: %w", err)
	}
	if !ks.Valid() {
		return nil, fmt.Errorf("%w: offline key length", ErrDatabaseCorrupted)
	}
	return ks, nil
}

// ForgetOfflineKeys deletes the offline key set. Auth parameters and items
// are kept, which is the state a device is left in after a restore that
// dropped derived keys.
func (s *Store) ForgetOfflineKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM offline_keys"); err != nil {
		return fmt.Errorf("store: failed to delete offline keys: %w", err)
	}
	return nil
}

// WriteItems upserts items by ID in one transaction, tagging each with
// source. Writing the same items twice leaves the same rows.
func (s *Store) WriteItems(ctx context.Context, items []*corpus.Item, source corpus.Source) error {
	size := 0
	for _, it := range items {
		if it == nil || it.ID == "" {
			return fmt.Errorf("%w: missing identifier", ErrInvalidItem)
		}
		if len(it.EncItemKey) == 0 || len(it.Content) == 0 {
			return fmt.Errorf("%w: %s has no encrypted payload", ErrInvalidItem, it.ID)
		}
		size += len(it.EncItemKey) + len(it.AuthHash) + len(it.Content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(size); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (uuid, content_type, enc_item_key, auth_hash, content, source, error_decrypting, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			content_type = excluded.content_type,
			enc_item_key = excluded.enc_item_key,
			auth_hash = excluded.auth_hash,
			content = excluded.content,
			source = excluded.source,
			error_decrypting = excluded.error_decrypting,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		updated := it.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.ContentType, it.EncItemKey, it.AuthHash, it.Content,
			string(source), it.DecryptionFailed, updated.UTC()); err != nil {
			return fmt.Errorf("store: failed to write item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// LoadItems returns every stored item ordered by ID. Plaintext is never
// stored; DecryptionFailed reflects the flag recorded at the last write.
func (s *Store) LoadItems(ctx context.Context) ([]*corpus.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT uuid, content_type, enc_item_key, auth_hash, content, source, error_decrypting, updated_at
		FROM items ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*corpus.Item
	for rows.Next() {
		it := &corpus.Item{}
		var source string
		if err := rows.Scan(&it.ID, &it.ContentType, &it.EncItemKey, &it.AuthHash,
			&it.Content, &source, &it.DecryptionFailed, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan item: %w", err)
		}
		it.Source = corpus.Source(source)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate items: %w", err)
	}
	return items, nil
}

// AuditSecret returns the random secret used to key the audit log chain,
// creating it on first use.
func (s *Store) AuditSecret(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var secret []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM store_secrets WHERE name = ?", auditSecretName).Scan(&secret)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: failed to read audit secret: %w", err)
	}

	secret, err = crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO store_secrets (name, value) VALUES (?, ?)", auditSecretName, secret); err != nil {
		return nil, fmt.Errorf("store: failed to save audit secret: %w", err)
	}
	return secret, nil
}

// Backup writes a consistent copy of the database into dir and returns its
// path.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", fmt.Errorf("store: failed to create backup directory: %w", err)
	}
	name := fmt.Sprintf("keyrecover-%s.db", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(dir, name)

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("store: failed to write backup: %w", err)
	}
	if err := os.Chmod(dest, FileMode); err != nil {
		return "", fmt.Errorf("store: failed to set backup permissions: %w", err)
	}
	return dest, nil
}
