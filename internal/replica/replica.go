// Package replica provides the embedded SQLite replica that backs one side of
// a sync channel.
//
// A replica stores:
//   - its own SiteID (sync_site)
//   - the current value of every synced cell (sync_cells)
//   - an append-only change log numbered by a local db version (sync_changes)
//   - the LastSeenRecord table (sync_last_seen): the highest version each peer
//     has delivered to this replica
//
// Merging is last-writer-wins per cell: an incoming change wins when its
// column version is greater, or equal with a byte-wise greater origin SiteID.
// Applying a change that was already applied is a no-op, so duplicate
// delivery is harmless.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrClosed is returned by operations on a closed replica.
var ErrClosed = errors.New("replica closed")

// DB wraps the SQLite connection of one replica.
type DB struct {
	conn *sql.DB
	path string

	siteMu sync.RWMutex
	site   SiteID
}

// Open opens (creating if needed) the replica stored at path.
//
// The schema is created and a SiteID generated on first open.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext opens the replica with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replica directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	site, err := db.ensureSiteID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	db.site = site

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// SiteID returns this replica's current identity.
func (db *DB) SiteID() SiteID {
	db.siteMu.RLock()
	defer db.siteMu.RUnlock()
	return db.site
}

// Close closes the database connection after a WAL checkpoint.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close replica: %w", err)
	}

	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_site (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		site_id BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_cells (
		tbl TEXT NOT NULL,
		pk TEXT NOT NULL,
		cid TEXT NOT NULL,
		val TEXT,
		col_version INTEGER NOT NULL,
		site_id BLOB NOT NULL,
		db_version INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk, cid)
	);

	-- Append-only log; db_version is this replica's local clock
	CREATE TABLE IF NOT EXISTS sync_changes (
		db_version INTEGER PRIMARY KEY,
		tbl TEXT NOT NULL,
		pk TEXT NOT NULL,
		cid TEXT NOT NULL,
		val TEXT,
		col_version INTEGER NOT NULL,
		site_id BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_last_seen (
		site_id BLOB PRIMARY KEY,
		version INTEGER NOT NULL,
		flags INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sync_changes_site ON sync_changes(site_id, db_version);
	CREATE INDEX IF NOT EXISTS idx_sync_changes_created ON sync_changes(created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ensureSiteID loads the stored SiteID, generating one on first use.
func (db *DB) ensureSiteID(ctx context.Context) (SiteID, error) {
	var raw []byte
	err := db.conn.QueryRowContext(ctx, `SELECT site_id FROM sync_site WHERE id = 0`).Scan(&raw)
	if err == nil {
		return siteIDFromBytes(raw)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SiteID{}, fmt.Errorf("failed to read site id: %w", err)
	}

	site := NewSiteID()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO sync_site (id, site_id, created_at) VALUES (0, ?, ?)`,
		site[:], formatTime(time.Now()))
	if err != nil {
		return SiteID{}, fmt.Errorf("failed to store site id: %w", err)
	}
	return site, nil
}

// Reset wipes all synced state and regenerates the SiteID, turning this
// replica into a brand new one. Peers that remember the old identity will be
// rejected by the coherence check until they resync from scratch.
func (db *DB) Reset(ctx context.Context) (SiteID, error) {
	if db.conn == nil {
		return SiteID{}, ErrClosed
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return SiteID{}, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM sync_cells`,
		`DELETE FROM sync_changes`,
		`DELETE FROM sync_last_seen`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return SiteID{}, fmt.Errorf("failed to reset replica: %w", err)
		}
	}

	site := NewSiteID()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_site SET site_id = ?, created_at = ? WHERE id = 0`,
		site[:], formatTime(time.Now())); err != nil {
		return SiteID{}, fmt.Errorf("failed to regenerate site id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SiteID{}, fmt.Errorf("failed to commit reset: %w", err)
	}

	db.siteMu.Lock()
	db.site = site
	db.siteMu.Unlock()
	return site, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
