// Package db provides the local store of a replica.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) in WAL mode.
// Objects are kept in three tables:
//
//   - objects: one row per live object with its scalar fields and per-field clocks
//   - links: one row per (object, link field, target), with a clock and a
//     removed flag so list elements behave as last-writer-wins registers
//   - tombstones: the clock of every erased object
//
// Every committed transaction appends a row to the journal table in the same
// SQL transaction. Local transactions go through Write; changesets downloaded
// from the server go through Apply, which resolves conflicts by clock.
//
// Architecture:
//   - Database file: <dir>/<name>.db
//   - WAL mode: concurrent readers during writes
//   - One writer at a time (writeMu + BEGIN IMMEDIATE)
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/schema"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned when creating an object whose ID is taken.
	ErrExists = errors.New("object already exists")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database closed")
)

const (
	metaPeerID            = "peer_id"
	metaLastServerVersion = "last_server_version"
	metaLastAckedVersion  = "last_acked_version"
)

// DB is a replica's local store.
type DB struct {
	conn   *sql.DB
	path   string
	schema *schema.Schema
	peer   string
	clock  *journal.HLC

	writeMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(*journal.Entry)
}

// Open opens (or creates) the store at path for the given schema.
//
// The schema tables are created if missing and a peer ID is generated on
// first open. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".replica/cars.db", schema.Default())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, s *schema.Schema) (*DB, error) {
	if s == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		schema: s,
	}

	if !memory {
		if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// dsn builds the connection string. Pragmas are passed per connection so
// every pooled connection gets them.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)&_txlock=immediate"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_txlock=immediate"
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Schema returns the object schema the store was opened with.
func (db *DB) Schema() *schema.Schema {
	return db.schema
}

// PeerID returns the replica's persistent peer identifier.
func (db *DB) PeerID() string {
	return db.peer
}

// Clock returns the replica's hybrid logical clock.
func (db *DB) Clock() *journal.HLC {
	return db.clock
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the store tables if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the store tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS objects (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,   -- JSON object of scalar fields
		clocks TEXT NOT NULL,   -- JSON object field -> clock
		created_t INTEGER NOT NULL,
		created_p TEXT NOT NULL,
		UNIQUE (class, id)
	);

	CREATE TABLE IF NOT EXISTS links (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		field TEXT NOT NULL,
		target TEXT NOT NULL,
		clock_t INTEGER NOT NULL,
		clock_p TEXT NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (class, id, field, target)
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		clock_t INTEGER NOT NULL,
		clock_p TEXT NOT NULL,
		PRIMARY KEY (class, id)
	);

	CREATE TABLE IF NOT EXISTS journal (
		version INTEGER PRIMARY KEY,
		origin TEXT NOT NULL,
		peer TEXT NOT NULL,
		server_version INTEGER NOT NULL DEFAULT 0,
		changeset TEXT NOT NULL,  -- JSON journal.Changeset
		changes TEXT NOT NULL,    -- JSON journal.Changes
		committed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_objects_class ON objects(class, seq);
	CREATE INDEX IF NOT EXISTS idx_links_inverse ON links(class, field, target);
	CREATE INDEX IF NOT EXISTS idx_journal_origin ON journal(origin, version);
	CREATE INDEX IF NOT EXISTS idx_journal_time ON journal(committed_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	peer, err := db.getMeta(ctx, metaPeerID)
	if err != nil {
		return err
	}
	if peer == "" {
		peer = uuid.NewString()
		if err := db.setMeta(ctx, db.conn, metaPeerID, peer); err != nil {
			return err
		}
	}
	db.peer = peer
	db.clock = journal.NewHLC(peer)

	// Never issue a clock below what is already stored.
	var maxT sql.NullInt64
	err = db.conn.QueryRowContext(ctx, `
		SELECT MAX(t) FROM (
			SELECT MAX(created_t) AS t FROM objects
			UNION ALL SELECT MAX(clock_t) FROM links
			UNION ALL SELECT MAX(clock_t) FROM tombstones
		)`).Scan(&maxT)
	if err != nil {
		return fmt.Errorf("failed to read clock high-water mark: %w", err)
	}
	if maxT.Valid {
		db.clock.Observe(journal.Clock{Time: maxT.Int64})
	}

	return nil
}

// OnCommit registers a hook called after every committed transaction, local
// or remote, outside the write lock. Hooks must not block.
func (db *DB) OnCommit(fn func(*journal.Entry)) {
	db.hooksMu.Lock()
	defer db.hooksMu.Unlock()
	db.hooks = append(db.hooks, fn)
}

func (db *DB) fireHooks(e *journal.Entry) {
	if e == nil {
		return
	}
	db.hooksMu.RLock()
	hooks := append([]func(*journal.Entry){}, db.hooks...)
	db.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(e)
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) getMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, db.conn, key)
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

func (db *DB) setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
