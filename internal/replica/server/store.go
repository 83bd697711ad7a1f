package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/crypto/bcrypt"

	"github.com/replicasync/replica/internal/replica/journal"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for an unknown or expired token.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUserExists is returned when adding a username that is taken.
	ErrUserExists = errors.New("user already exists")
)

// User is a registered account.
type User struct {
	Identity  string    `json:"identity"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists users, tokens and the per-path changeset history.
type Store struct {
	conn *sql.DB
	path string
}

// OpenStore opens (or creates) the server database.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping server database: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS users (
		identity TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		identity TEXT NOT NULL REFERENCES users(identity),
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		path TEXT NOT NULL,
		server_version INTEGER NOT NULL,
		peer TEXT NOT NULL,
		client_version INTEGER NOT NULL,
		payload TEXT NOT NULL,       -- JSON journal.Changeset
		integrated_at TEXT NOT NULL,
		PRIMARY KEY (path, server_version),
		UNIQUE (path, peer, client_version)
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_identity ON tokens(identity);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize server schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close server database: %w", err)
	}
	s.conn = nil
	return nil
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *Store) AddUser(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{Identity: uuid.NewString(), Username: username, CreatedAt: time.Now().UTC()}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO users (identity, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		u.Identity, u.Username, string(hash), u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to add user: %w", err)
	}

	// ON CONFLICT DO NOTHING leaves the old row in place.
	existing, err := s.userByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing.Identity != u.Identity {
		return nil, fmt.Errorf("%s: %w", username, ErrUserExists)
	}
	return u, nil
}

// ListUsers returns every user ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT identity, username, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			created string
		)
		if err := rows.Scan(&u.Identity, &u.Username, &created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, created)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) userByName(ctx context.Context, username string) (*User, error) {
	var (
		u       User
		created string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT identity, username, created_at FROM users WHERE username = ?`, username).
		Scan(&u.Identity, &u.Username, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", username, err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// Authenticate checks a password and returns the user's identity.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var identity, hash string
	err := s.conn.QueryRowContext(ctx, `
		SELECT identity, password_hash FROM users WHERE username = ?`, username).
		Scan(&identity, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return identity, nil
}

// IssueToken creates an access token for identity.
func (s *Store) IssueToken(ctx context.Context, identity string, ttl time.Duration) (string, time.Time, error) {
	token := uuid.NewString()
	expires := time.Now().Add(ttl).UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tokens (token, identity, expires_at) VALUES (?, ?, ?)`,
		token, identity, expires.Format(time.RFC3339))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to issue token: %w", err)
	}
	return token, expires, nil
}

// ValidateToken returns the identity owning token.
func (s *Store) ValidateToken(ctx context.Context, token string) (string, error) {
	var identity, expires string
	err := s.conn.QueryRowContext(ctx, `
		SELECT identity, expires_at FROM tokens WHERE token = ?`, token).
		Scan(&identity, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil || time.Now().After(t) {
		return "", ErrInvalidToken
	}
	return identity, nil
}

// Integration is the outcome of appending an upload to history.
type Integration struct {
	// AckedClientVersion is the highest client version now in history,
	// including duplicates of earlier uploads.
	AckedClientVersion int64

	// LatestServerVersion is the path's newest server version.
	LatestServerVersion int64

	// Appended counts changesets that were new.
	Appended int
}

// Append integrates changesets from peer into the history of path in one
// transaction. Changesets already present (same peer and client version)
// are skipped, which makes re-uploads after a reconnect harmless.
func (s *Store) Append(ctx context.Context, path, peer string, changesets []journal.Changeset) (Integration, error) {
	var res Integration

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(server_version), 0) FROM history WHERE path = ?`, path).Scan(&latest); err != nil {
		return res, fmt.Errorf("failed to read latest version: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, cs := range changesets {
		cs.Peer = peer
		if cs.ClientVersion > res.AckedClientVersion {
			res.AckedClientVersion = cs.ClientVersion
		}

		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM history WHERE path = ? AND peer = ? AND client_version = ?`,
			path, peer, cs.ClientVersion).Scan(&n); err != nil {
			return res, fmt.Errorf("failed to check history: %w", err)
		}
		if n > 0 {
			continue
		}

		latest++
		cs.ServerVersion = latest
		payload, err := json.Marshal(cs)
		if err != nil {
			return res, fmt.Errorf("failed to encode changeset: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (path, server_version, peer, client_version, payload, integrated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			path, latest, peer, cs.ClientVersion, string(payload), now); err != nil {
			return res, fmt.Errorf("failed to append changeset: %w", err)
		}
		res.Appended++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit history: %w", err)
	}
	res.LatestServerVersion = latest
	return res, nil
}

// HistoryAfter returns up to limit changesets of path after version.
func (s *Store) HistoryAfter(ctx context.Context, path string, after int64, limit int) ([]journal.Changeset, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT payload FROM history
		WHERE path = ? AND server_version > ?
		ORDER BY server_version LIMIT ?`, path, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []journal.Changeset
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		var cs journal.Changeset
		if err := json.Unmarshal([]byte(payload), &cs); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// LatestVersion returns the newest server version of path.
func (s *Store) LatestVersion(ctx context.Context, path string) (int64, error) {
	var v int64
	if err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(server_version), 0) FROM history WHERE path = ?`, path).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return v, nil
}
