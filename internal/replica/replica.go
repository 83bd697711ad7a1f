// Package replica is the client entry point: it opens a local store, keeps
// it synced with a server path, and delivers change notifications for
// queried collections.
//
//	user, _ := auth.Login(ctx, "http://localhost:7800", auth.UsernamePassword("alice", "pw", false))
//	cfg, _ := replica.NewConfiguration(user, "ws://localhost:7800/~/cars").
//	    WaitForInitialRemoteData().
//	    Build()
//	r, _ := replica.Open(ctx, cfg)
//	defer r.Close()
//
//	cars := r.Where("Car").FindAll()
//	cars.AddChangeListener(func(res *notify.Results, cs *notify.CollectionChangeSet) { ... })
package replica

import (
	"context"
	"fmt"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/sync"
)

// Replica is an open local replica.
type Replica struct {
	config     *Configuration
	db         *db.DB
	dispatcher *notify.Dispatcher
	session    *sync.Session
}

// Open opens the local store, starts change dispatch and, for a synced
// configuration, the sync session. With WaitForInitialRemoteData set it
// returns only after the first complete download.
func Open(ctx context.Context, cfg *Configuration) (*Replica, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	store, err := db.Open(cfg.DBPath(), cfg.Schema)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		config: cfg,
		db:     store,
		dispatcher: notify.New(store, notify.Config{
			Logger:  logger,
			Metrics: cfg.Metrics,
		}),
	}
	store.OnCommit(r.dispatcher.Notify)

	if !cfg.Synced() {
		return r, nil
	}

	r.session = sync.NewSession(store, sync.Config{
		ServerURL:                cfg.ServerURL,
		Path:                     cfg.Path,
		User:                     cfg.User,
		ErrorHandler:             cfg.ErrorHandler,
		WaitForInitialRemoteData: cfg.WaitForInitialRemoteData,
		PollInterval:             cfg.PollInterval,
		Logger:                   logger,
		Metrics:                  cfg.Metrics,
	})
	if err := r.session.Start(); err != nil {
		r.Close()
		return nil, err
	}

	if cfg.WaitForInitialRemoteData {
		wctx := ctx
		if cfg.InitialDataTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, cfg.InitialDataTimeout)
			defer cancel()
		}
		if err := r.session.WaitForInitialRemoteData(wctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to download initial data: %w", err)
		}
	}

	return r, nil
}

// Where starts a query over class.
func (r *Replica) Where(class string) *Query {
	return &Query{r: r, q: db.Query{Class: class}}
}

// AddChangeListener registers fn for every committed transaction, local or
// remote. Bursts are coalesced into the latest entry.
func (r *Replica) AddChangeListener(fn notify.GlobalListener) notify.Token {
	return r.dispatcher.AddGlobalListener(fn)
}

// RemoveChangeListener unregisters a global listener.
func (r *Replica) RemoveChangeListener(tok notify.Token) {
	r.dispatcher.RemoveGlobalListener(tok)
}

// Write runs fn in a local write transaction.
func (r *Replica) Write(ctx context.Context, fn func(tx *db.Tx) error) (*journal.Entry, error) {
	return r.db.Write(ctx, fn)
}

// Session returns the sync session, or nil for a local replica.
func (r *Replica) Session() *sync.Session {
	return r.session
}

// DB returns the local store.
func (r *Replica) DB() *db.DB {
	return r.db
}

// Configuration returns the configuration the replica was opened with.
func (r *Replica) Configuration() *Configuration {
	return r.config
}

// Close stops the session and the dispatcher and closes the store.
func (r *Replica) Close() error {
	if r.session != nil {
		r.session.Stop()
	}
	r.dispatcher.Close()
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close replica: %w", err)
	}
	return nil
}
