package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LastSeen returns the recorded version for a peer.
func (db *DB) LastSeen(ctx context.Context, peer SiteID) (int64, bool, error) {
	if db.conn == nil {
		return 0, false, ErrClosed
	}
	var version int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT version FROM sync_last_seen WHERE site_id = ?`, peer[:]).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read last seen for %s: %w", peer.Short(), err)
	}
	return version, true, nil
}

// LastSeens returns every peer this replica has synced with.
func (db *DB) LastSeens(ctx context.Context) ([]PeerVersion, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT site_id, version, flags FROM sync_last_seen ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last seen: %w", err)
	}
	defer rows.Close()

	var out []PeerVersion
	for rows.Next() {
		var (
			raw []byte
			pv  PeerVersion
		)
		if err := rows.Scan(&raw, &pv.Version, &pv.Flags); err != nil {
			return nil, fmt.Errorf("failed to scan last seen: %w", err)
		}
		id, err := siteIDFromBytes(raw)
		if err != nil {
			return nil, err
		}
		pv.SiteID = id
		out = append(out, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate last seen: %w", err)
	}
	return out, nil
}

// RecordLastSeen raises the recorded version for a peer. Lower versions
// never overwrite higher ones.
func (db *DB) RecordLastSeen(ctx context.Context, peer SiteID, version, flags int64) error {
	if db.conn == nil {
		return ErrClosed
	}
	return recordLastSeen(ctx, db.conn, peer, version, flags)
}

func recordLastSeen(ctx context.Context, q execer, peer SiteID, version, flags int64) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_last_seen (site_id, version, flags) VALUES (?, ?, ?)
	ON CONFLICT(site_id) DO UPDATE SET
		version = MAX(version, excluded.version),
		flags = excluded.flags
	`, peer[:], version, flags)
	if err != nil {
		return fmt.Errorf("failed to record last seen for %s: %w", peer.Short(), err)
	}
	return nil
}
