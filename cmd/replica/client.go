package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/replicasync/replica/internal/replica"
	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/schema"
)

const loginFileName = "login.json"

// errNotLoggedIn is returned by loadLogin when no login was saved.
var errNotLoggedIn = errors.New("not logged in (run 'replica login')")

// saveLogin stores u under dir, readable only by the owner.
func saveLogin(dir string, u *auth.User) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode login: %w", err)
	}

	path := filepath.Join(dir, loginFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write login: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save login: %w", err)
	}
	return nil
}

// loadLogin reads the saved login. Returns errNotLoggedIn if there is none.
func loadLogin(dir string) (*auth.User, error) {
	data, err := os.ReadFile(filepath.Join(dir, loginFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read login: %w", err)
	}
	var u auth.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", loginFileName, err)
	}
	return &u, nil
}

func removeLogin(dir string) error {
	err := os.Remove(filepath.Join(dir, loginFileName))
	if errors.Is(err, os.ErrNotExist) {
		return errNotLoggedIn
	}
	return err
}

func loadSchema() (*schema.Schema, error) {
	if cfg.Client.Schema == "" {
		return schema.Default(), nil
	}
	return schema.Load(cfg.Client.Schema)
}

// replicaURL joins the user's sync endpoint with a path such as ~/cars.
func replicaURL(u *auth.User, path string) string {
	if u == nil {
		return path
	}
	return strings.TrimSuffix(u.ServerURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// clientConfiguration builds the replica configuration from the loaded
// settings. Without a saved login the replica is local only.
func clientConfiguration(component string) (*replica.Configuration, error) {
	user, err := loadLogin(cfg.Client.Directory)
	if err != nil && !errors.Is(err, errNotLoggedIn) {
		return nil, err
	}
	if user != nil && user.Expired() {
		return nil, fmt.Errorf("login for %s expired at %s (run 'replica login')",
			user.Identity, user.ExpiresAt.Local().Format(time.RFC3339))
	}

	s, err := loadSchema()
	if err != nil {
		return nil, err
	}

	logger := logOut.Logger(component)
	b := replica.NewConfiguration(user, replicaURL(user, cfg.Client.Path)).
		Directory(cfg.Client.Directory).
		Schema(s).
		Logger(logger).
		ErrorHandler(func(err error) {
			logger.Printf("Sync error: %v", err)
		})
	if cfg.Client.WaitForInitialRemoteData {
		b = b.WaitForInitialRemoteData()
	}
	return b.Build()
}

// openReplica opens the configured replica, synced when logged in.
func openReplica(ctx context.Context, component string) (*replica.Replica, error) {
	c, err := clientConfiguration(component)
	if err != nil {
		return nil, err
	}
	return replica.Open(ctx, c)
}

// openStore opens the configured replica's database without starting a
// session, for commands that only read or rewrite local state.
func openStore() (*db.DB, error) {
	c, err := clientConfiguration("replica")
	if err != nil {
		return nil, err
	}
	return db.Open(c.DBPath(), c.Schema)
}

// flushUploads waits for local changes to reach the server.
func flushUploads(r *replica.Replica, timeout time.Duration) error {
	sess := r.Session()
	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sess.WaitForUploadCompletion(ctx); err != nil {
		return fmt.Errorf("changes saved locally but not yet uploaded: %w", err)
	}
	return nil
}
