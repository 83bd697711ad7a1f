package journal

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// EntrySource reads committed entries after a version, oldest first.
type EntrySource interface {
	EntriesSince(ctx context.Context, after int64, limit int) ([]*Entry, error)
}

// SourceFunc adapts a function to EntrySource.
type SourceFunc func(ctx context.Context, after int64, limit int) ([]*Entry, error)

// EntriesSince implements EntrySource.
func (f SourceFunc) EntriesSince(ctx context.Context, after int64, limit int) ([]*Entry, error) {
	return f(ctx, after, limit)
}

// WatchConfig configures the journal tail.
type WatchConfig struct {
	// After is the version to start after (0 = from the beginning).
	After int64

	// PollInterval is how often to check for new entries (default: 250ms).
	PollInterval time.Duration

	// Limit caps the entries delivered per callback (default: 100).
	Limit int

	// Wake triggers an immediate check, e.g. from a commit hook.
	Wake <-chan struct{}

	// Logger for transient read errors (default: stderr).
	Logger *log.Logger
}

// WatchCallback receives new entries in version order. Returning an error
// stops the watch and the error is returned from Watch.
type WatchCallback func(entries []*Entry) error

// Watch tails the journal and delivers new entries to cb until ctx is
// cancelled or cb fails. Read errors are logged and retried on the next tick.
func Watch(ctx context.Context, src EntrySource, config WatchConfig, cb WatchCallback) error {
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.Limit == 0 {
		config.Limit = 100
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[journal] ", log.LstdFlags)
	}

	after := config.After
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			entries, err := src.EntriesSince(ctx, after, config.Limit)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				config.Logger.Printf("Warning: failed to read journal after %d: %v", after, err)
				break
			}

			entries = findNewEntries(entries, after)
			if len(entries) == 0 {
				break
			}

			if err := cb(entries); err != nil {
				return fmt.Errorf("journal callback failed: %w", err)
			}
			after = entries[len(entries)-1].Version

			// A short batch means we are caught up.
			if len(entries) < config.Limit {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-config.Wake:
		}
	}
}

// findNewEntries drops entries at or before after and anything out of order.
func findNewEntries(entries []*Entry, after int64) []*Entry {
	out := entries[:0:0]
	last := after
	for _, e := range entries {
		if e.Version <= last {
			continue
		}
		out = append(out, e)
		last = e.Version
	}
	return out
}
