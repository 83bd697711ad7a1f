package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/replicasync/replica/internal/replica/journal"
)

// timeFormat is fixed width so committed_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SyncState is the replica's position in the server history.
type SyncState struct {
	// LastServerVersion is the highest server version integrated locally.
	LastServerVersion int64

	// LastAckedVersion is the highest local journal version the server
	// acknowledged.
	LastAckedVersion int64

	// LatestLocalVersion is the highest local-origin journal version.
	LatestLocalVersion int64
}

// Pending reports whether local changes await upload.
func (s SyncState) Pending() bool {
	return s.LatestLocalVersion > s.LastAckedVersion
}

func appendJournal(ctx context.Context, q querier, origin journal.Origin, cs journal.Changeset, changes journal.Changes) (*journal.Entry, error) {
	var version int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM journal`).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to allocate journal version: %w", err)
	}
	if origin == journal.OriginLocal {
		cs.ClientVersion = version
	}

	csJSON, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changeset: %w", err)
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}

	committed := time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		INSERT INTO journal (version, origin, peer, server_version, changeset, changes, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		version, string(origin), cs.Peer, cs.ServerVersion, string(csJSON), string(changesJSON),
		committed.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to append journal entry: %w", err)
	}

	return &journal.Entry{
		Version:     version,
		Origin:      origin,
		Changeset:   cs,
		Changes:     changes,
		CommittedAt: committed,
	}, nil
}

// EntriesSince returns up to limit entries after the given version, oldest
// first. An empty origin matches both local and remote entries.
func (db *DB) EntriesSince(ctx context.Context, after int64, origin journal.Origin, limit int) ([]*journal.Entry, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT version, origin, changeset, changes, committed_at
		FROM journal WHERE version > ?`
	args := []any{after}
	if origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(origin))
	}
	query += ` ORDER BY version LIMIT ?`
	args = append(args, limit)

	return db.queryEntries(ctx, query, args...)
}

// EntriesBetween returns entries committed in [since, until), oldest first.
// A zero until means no upper bound.
func (db *DB) EntriesBetween(ctx context.Context, since, until time.Time, limit int) ([]*journal.Entry, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	if until.IsZero() {
		until = time.Now().Add(24 * time.Hour)
	}

	return db.queryEntries(ctx, `
		SELECT version, origin, changeset, changes, committed_at
		FROM journal WHERE committed_at >= ? AND committed_at < ?
		ORDER BY version LIMIT ?`,
		since.UTC().Format(timeFormat), until.UTC().Format(timeFormat), limit)
}

// LocalSource tails local-origin entries, for the upload side of a session.
func (db *DB) LocalSource() journal.EntrySource {
	return journal.SourceFunc(func(ctx context.Context, after int64, limit int) ([]*journal.Entry, error) {
		return db.EntriesSince(ctx, after, journal.OriginLocal, limit)
	})
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]*journal.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*journal.Entry
	for rows.Next() {
		var (
			e                   journal.Entry
			origin, cs, changes string
			committed           string
		)
		if err := rows.Scan(&e.Version, &origin, &cs, &changes, &committed); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Origin = journal.Origin(origin)
		if err := json.Unmarshal([]byte(cs), &e.Changeset); err != nil {
			return nil, fmt.Errorf("failed to decode changeset %d: %w", e.Version, err)
		}
		if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes %d: %w", e.Version, err)
		}
		if t, err := time.Parse(timeFormat, committed); err == nil {
			e.CommittedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}
	return entries, nil
}

// LatestVersion returns the highest journal version (0 if empty).
func (db *DB) LatestVersion(ctx context.Context) (int64, error) {
	if db.conn == nil {
		return 0, ErrClosed
	}
	var v int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM journal`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return v, nil
}

// SyncState reads the replica's sync position.
func (db *DB) SyncState(ctx context.Context) (SyncState, error) {
	var s SyncState
	if db.conn == nil {
		return s, ErrClosed
	}

	var err error
	if s.LastServerVersion, err = db.metaInt(ctx, metaLastServerVersion); err != nil {
		return s, err
	}
	if s.LastAckedVersion, err = db.metaInt(ctx, metaLastAckedVersion); err != nil {
		return s, err
	}

	var latest sql.NullInt64
	err = db.conn.QueryRowContext(ctx,
		`SELECT MAX(version) FROM journal WHERE origin = ?`, string(journal.OriginLocal)).Scan(&latest)
	if err != nil {
		return s, fmt.Errorf("failed to read latest local version: %w", err)
	}
	s.LatestLocalVersion = latest.Int64
	return s, nil
}

// SetLastAcked records the highest local version the server acknowledged.
// Older acknowledgements are ignored.
func (db *DB) SetLastAcked(ctx context.Context, version int64) error {
	if db.conn == nil {
		return ErrClosed
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		metaLastAckedVersion, strconv.FormatInt(version, 10))
	if err != nil {
		return fmt.Errorf("failed to record acknowledgement: %w", err)
	}
	return nil
}

// SetLastServerVersion advances the server position without applying
// anything, e.g. past changesets this replica uploaded itself.
func (db *DB) SetLastServerVersion(ctx context.Context, version int64) error {
	if db.conn == nil {
		return ErrClosed
	}
	return advanceServerVersion(ctx, db.conn, version)
}

func (db *DB) metaInt(ctx context.Context, key string) (int64, error) {
	v, err := db.getMeta(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid meta %s %q: %w", key, v, err)
	}
	return n, nil
}
