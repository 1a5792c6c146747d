package replica

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put records a local write of one cell and returns the new db version.
func (db *DB) Put(ctx context.Context, table, pk, cid, val string) (int64, error) {
	if db.conn == nil {
		return 0, ErrClosed
	}
	if table == "" || pk == "" || cid == "" {
		return 0, fmt.Errorf("table, pk and cid are required")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	colVersion := int64(1)
	var cur int64
	err = tx.QueryRowContext(ctx,
		`SELECT col_version FROM sync_cells WHERE tbl = ? AND pk = ? AND cid = ?`,
		table, pk, cid).Scan(&cur)
	switch {
	case err == nil:
		colVersion = cur + 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("failed to read cell: %w", err)
	}

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	ch := Change{
		Table:      table,
		PK:         pk,
		CID:        cid,
		Val:        val,
		ColVersion: colVersion,
		SiteID:     db.SiteID(),
	}
	if err := writeChange(ctx, tx, ch, version, time.Now()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit write: %w", err)
	}
	return version, nil
}

// Get returns the current value of a cell.
func (db *DB) Get(ctx context.Context, table, pk, cid string) (string, bool, error) {
	if db.conn == nil {
		return "", false, ErrClosed
	}
	var val sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT val FROM sync_cells WHERE tbl = ? AND pk = ? AND cid = ?`,
		table, pk, cid).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cell: %w", err)
	}
	return val.String, true, nil
}

// ApplyChangeSet merges a batch received from a peer and records the
// batch's Until as the sender's LastSeen version, in one transaction.
func (db *DB) ApplyChangeSet(ctx context.Context, cs ChangeSet) (ApplyResult, error) {
	var res ApplyResult
	if db.conn == nil {
		return res, ErrClosed
	}
	if cs.Sender.IsZero() {
		return res, fmt.Errorf("change set has no sender")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return res, err
	}

	now := time.Now()
	for _, ch := range cs.Changes {
		wins, err := incomingWins(ctx, tx, ch)
		if err != nil {
			return res, err
		}
		if !wins {
			res.Skipped++
			continue
		}
		if err := writeChange(ctx, tx, ch, version, now); err != nil {
			return res, err
		}
		version++
		res.Applied++
	}

	if cs.Sender != db.SiteID() {
		if err := recordLastSeen(ctx, tx, cs.Sender, cs.Until, 0); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit apply: %w", err)
	}
	return res, nil
}

// incomingWins applies the last-writer-wins rule against the stored cell.
func incomingWins(ctx context.Context, q execer, ch Change) (bool, error) {
	var curVersion int64
	var curSite []byte
	err := q.QueryRowContext(ctx,
		`SELECT col_version, site_id FROM sync_cells WHERE tbl = ? AND pk = ? AND cid = ?`,
		ch.Table, ch.PK, ch.CID).Scan(&curVersion, &curSite)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cell: %w", err)
	}
	if ch.ColVersion != curVersion {
		return ch.ColVersion > curVersion, nil
	}
	return bytes.Compare(ch.SiteID[:], curSite) > 0, nil
}

// nextVersion returns the db version the next change will be stored under.
func nextVersion(ctx context.Context, q execer) (int64, error) {
	var max int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(db_version), 0) FROM sync_changes`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read db version: %w", err)
	}
	return max + 1, nil
}

func writeChange(ctx context.Context, q execer, ch Change, version int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_cells (tbl, pk, cid, val, col_version, site_id, db_version)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, pk, cid) DO UPDATE SET
		val = excluded.val,
		col_version = excluded.col_version,
		site_id = excluded.site_id,
		db_version = excluded.db_version
	`, ch.Table, ch.PK, ch.CID, ch.Val, ch.ColVersion, ch.SiteID[:], version)
	if err != nil {
		return fmt.Errorf("failed to upsert cell: %w", err)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO sync_changes (db_version, tbl, pk, cid, val, col_version, site_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, version, ch.Table, ch.PK, ch.CID, ch.Val, ch.ColVersion, ch.SiteID[:], formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}

// DBVersion returns the highest local db version.
func (db *DB) DBVersion(ctx context.Context) (int64, error) {
	if db.conn == nil {
		return 0, ErrClosed
	}
	next, err := nextVersion(ctx, db.conn)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// ChangesSince returns up to limit changes with a db version greater than
// since, skipping changes that originated on exclude. Until is set to the
// highest version scanned so a batch made only of excluded changes still
// advances the receiver's cursor.
func (db *DB) ChangesSince(ctx context.Context, since int64, exclude SiteID, limit int) (ChangeSet, error) {
	cs := ChangeSet{
		Sender: db.SiteID(),
		Since:  since,
		Until:  since,
	}
	if db.conn == nil {
		return cs, ErrClosed
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT db_version, tbl, pk, cid, val, col_version, site_id, created_at
	FROM sync_changes
	WHERE db_version > ?
	ORDER BY db_version
	LIMIT ?
	`, since, limit)
	if err != nil {
		return cs, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return cs, err
		}
		cs.Until = ch.DBVersion
		if ch.SiteID == exclude {
			continue
		}
		cs.Changes = append(cs.Changes, ch)
	}
	if err := rows.Err(); err != nil {
		return cs, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return cs, nil
}

// ChangesCreatedSince lists changes logged at or after t, oldest first.
func (db *DB) ChangesCreatedSince(ctx context.Context, t time.Time, limit int) ([]Change, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT db_version, tbl, pk, cid, val, col_version, site_id, created_at
	FROM sync_changes
	WHERE created_at >= ?
	ORDER BY db_version
	LIMIT ?
	`, formatTime(t), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return changes, nil
}

func scanChange(rows *sql.Rows) (Change, error) {
	var (
		ch      Change
		val     sql.NullString
		site    []byte
		created string
	)
	if err := rows.Scan(&ch.DBVersion, &ch.Table, &ch.PK, &ch.CID, &val, &ch.ColVersion, &site, &created); err != nil {
		return ch, fmt.Errorf("failed to scan change: %w", err)
	}
	id, err := siteIDFromBytes(site)
	if err != nil {
		return ch, err
	}
	ch.Val = val.String
	ch.SiteID = id
	ch.CreatedAt = parseTime(created)
	return ch, nil
}
