// Package ingest feeds a directory of object files into a replica.
//
// Every file in the directory holds one object and is named
// {Class}--{id}.json, e.g. Car--1.json or Owner--7.json. The Ingester:
//  1. Imports every file on start
//  2. Watches the directory for changes
//  3. Debounces bursts of events per file
//  4. Upserts written files and deletes the objects of removed files
//
// Writes go through the local store, so they are journaled, uploaded and
// observed like any other local transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/snapshot"
)

// Config holds configuration for the ingester.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is
	// processed (default: 100ms)
	DebounceInterval time.Duration

	// Logger for ingest activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Stats counts what the ingester has done.
type Stats struct {
	Upserted int
	Deleted  int
	Errors   int
}

type pending struct {
	event    FileEvent
	queuedAt time.Time
}

// Ingester mirrors a directory of object files into a store.
type Ingester struct {
	store  *db.DB
	dir    string
	config *Config

	watcher *FileWatcher
	queue   map[string]pending
	queueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an ingester for dir. A nil config uses DefaultConfig.
func New(store *db.DB, dir string, config *Config) (*Ingester, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ingester{
		store:   store,
		dir:     dir,
		config:  config,
		watcher: watcher,
		queue:   make(map[string]pending),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start imports the directory and begins watching it. It returns once the
// watcher is running; call Stop to shut down.
func (in *Ingester) Start(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("failed to create ingest directory: %w", err)
	}
	if err := in.watcher.Start(in.dir); err != nil {
		return err
	}
	if err := in.FullSync(ctx); err != nil {
		_ = in.watcher.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	in.config.Logger.Printf("Watching: %s", in.dir)

	in.wg.Add(2)
	go in.watchFileEvents()
	go in.processQueue()
	return nil
}

// Stop shuts the ingester down and waits for pending work to finish.
func (in *Ingester) Stop() error {
	in.cancel()
	err := in.watcher.Stop()
	in.wg.Wait()
	return err
}

// Stats returns a copy of the counters.
func (in *Ingester) Stats() Stats {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.stats
}

// FullSync imports every object file in the directory in one pass.
func (in *Ingester) FullSync(ctx context.Context) error {
	paths, err := ListObjectFiles(in.dir)
	if err != nil {
		return err
	}

	var records []*snapshot.Record
	for _, path := range paths {
		rec, err := ReadObjectFile(path)
		if err != nil {
			in.config.Logger.Printf("Warning: skipping %s: %v", path, err)
			in.count(0, 0, 1)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	in.config.Logger.Printf("Importing %d object files", len(records))
	return in.importRecords(ctx, records)
}

func (in *Ingester) importRecords(ctx context.Context, records []*snapshot.Record) error {
	result, err := snapshot.Import(ctx, in.store, records, snapshot.ImportOptions{})
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		in.config.Logger.Printf("Error ingesting %s", msg)
	}
	in.count(result.Objects, 0, len(result.Errors))
	return nil
}

func (in *Ingester) count(upserted, deleted, errs int) {
	in.statsMu.Lock()
	in.stats.Upserted += upserted
	in.stats.Deleted += deleted
	in.stats.Errors += errs
	in.statsMu.Unlock()
}

func (in *Ingester) watchFileEvents() {
	defer in.wg.Done()

	events, errs := in.watcher.Events(), in.watcher.Errors()
	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			in.queueChange(event)

		case err, ok := <-errs:
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event for a file.
func (in *Ingester) queueChange(event FileEvent) {
	in.queueMu.Lock()
	defer in.queueMu.Unlock()

	in.queue[event.Path] = pending{event: event, queuedAt: time.Now()}
}

func (in *Ingester) processQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return

		case <-ticker.C:
			in.processPendingChanges()
		}
	}
}

// processPendingChanges applies every file that has been quiet for the
// debounce interval. Writes are imported together so links between files
// written in the same burst resolve.
func (in *Ingester) processPendingChanges() {
	now := time.Now()
	var due []FileEvent

	in.queueMu.Lock()
	for path, p := range in.queue {
		if now.Sub(p.queuedAt) < in.config.DebounceInterval {
			continue
		}
		due = append(due, p.event)
		delete(in.queue, path)
	}
	in.queueMu.Unlock()

	if len(due) == 0 {
		return
	}

	var records []*snapshot.Record
	for _, event := range due {
		if _, err := os.Stat(event.Path); os.IsNotExist(err) {
			in.deleteObject(event)
			continue
		}
		rec, err := ReadObjectFile(event.Path)
		if err != nil {
			in.config.Logger.Printf("Error reading %s: %v", event.Path, err)
			in.count(0, 0, 1)
			continue
		}
		records = append(records, rec)
	}

	if len(records) > 0 {
		if err := in.importRecords(in.ctx, records); err != nil && in.ctx.Err() == nil {
			in.config.Logger.Printf("Error importing changes: %v", err)
			in.count(0, 0, len(records))
		}
	}
}

func (in *Ingester) deleteObject(event FileEvent) {
	_, err := in.store.Write(in.ctx, func(tx *db.Tx) error {
		return tx.Delete(event.Class, event.ID)
	})
	switch {
	case err == nil:
		in.config.Logger.Printf("Deleted %s %s", event.Class, event.ID)
		in.count(0, 1, 0)
	case errors.Is(err, db.ErrNotFound):
	default:
		in.config.Logger.Printf("Error deleting %s %s: %v", event.Class, event.ID, err)
		in.count(0, 0, 1)
	}
}
