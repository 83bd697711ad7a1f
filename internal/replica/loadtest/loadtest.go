// Package loadtest reproduces the inverse-relationship listener scenario
// in-process and measures how long writes take to reach observers.
//
// Run starts a sync server and two replicas. The reader registers change
// listeners on Car, Owner and Manufacture; the writer adds cars in batches,
// each car linked to one of a few shared owners, so every batch modifies
// both sides of the Car.carOwners / Owner.ownerCars relationship. A batch
// is visible when the reader's listeners have seen every car and every
// owner link. If a batch does not become visible within StallTimeout, Run
// fails with ErrStalled.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/replica"
	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/server"
)

// ErrStalled is returned when a batch never becomes visible to the reader.
var ErrStalled = errors.New("sync propagation stalled")

// Config holds load test parameters.
type Config struct {
	// Cars is the total number of cars written (default: 200)
	Cars int

	// BatchSize is the number of cars per write transaction (default: 20)
	BatchSize int

	// Owners is the number of shared owners cars link to (default: 5)
	Owners int

	// StallTimeout bounds the wait for one batch (default: 30s)
	StallTimeout time.Duration

	// Dir holds the server and replica databases (default: a temp dir,
	// removed afterwards)
	Dir string

	// Logger for load test progress (default: stderr logger)
	Logger *log.Logger

	// Metrics is optional and shared by every component
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cars:         200,
		BatchSize:    20,
		Owners:       5,
		StallTimeout: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Cars <= 0 {
		out.Cars = d.Cars
	}
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.Owners <= 0 {
		out.Owners = d.Owners
	}
	if out.StallTimeout <= 0 {
		out.StallTimeout = d.StallTimeout
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	return &out
}

// LatencyStats captures write-to-listener latency per batch.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Samples   int
	Durations []time.Duration
}

// Result summarizes a load test run.
type Result struct {
	Cars    int
	Batches int
	Elapsed time.Duration
	Latency *LatencyStats

	// Notifications counts update change sets per observed class.
	Notifications map[string]int
}

// observer tracks what the reader's listeners have delivered. The initial
// change set counts toward visibility since the first evaluation may already
// include integrated batches.
type observer struct {
	mu     sync.Mutex
	counts map[string]int
	cars   int
	links  int
	wake   chan struct{}
}

func newObserver() *observer {
	return &observer{counts: make(map[string]int), wake: make(chan struct{}, 1)}
}

func (o *observer) listener(class string) notify.ChangeListener {
	return func(r *notify.Results, cs *notify.CollectionChangeSet) {
		if cs.State == notify.StateError {
			return
		}
		snap := r.Snapshot()

		o.mu.Lock()
		if cs.State == notify.StateUpdate {
			o.counts[class]++
		}
		switch class {
		case "Car":
			o.cars = len(snap)
		case "Owner":
			links := 0
			for _, owner := range snap {
				links += len(owner.List("ownerCars"))
			}
			o.links = links
		}
		o.mu.Unlock()

		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
}

func (o *observer) visible(cars int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cars >= cars && o.links >= cars
}

func (o *observer) notifications() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.counts))
	for k, v := range o.counts {
		out[k] = v
	}
	return out
}

// Run executes the load test.
func Run(ctx context.Context, config *Config) (*Result, error) {
	cfg := config.withDefaults()

	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "replica-loadtest-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	srv, err := server.NewServer(&server.Config{
		Port:            0,
		DBPath:          filepath.Join(dir, "server.db"),
		AllowCreateUser: true,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	defer srv.Stop()
	if err := srv.Start(); err != nil {
		return nil, err
	}

	_, port, err := net.SplitHostPort(srv.GetAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to parse server address: %w", err)
	}
	user, err := auth.Login(ctx, "http://127.0.0.1:"+port, auth.UsernamePassword("loadtest", "loadtest", true))
	if err != nil {
		return nil, err
	}

	var sessionErr error
	var sessionErrMu sync.Mutex
	open := func(name string) (*replica.Replica, error) {
		rc, err := replica.NewConfiguration(user, user.ServerURL+"/~/loadtest").
			Directory(filepath.Join(dir, name)).
			WaitForInitialRemoteData().
			ErrorHandler(func(err error) {
				cfg.Logger.Printf("%s session error: %v", name, err)
				sessionErrMu.Lock()
				sessionErr = err
				sessionErrMu.Unlock()
			}).
			Logger(cfg.Logger).
			Metrics(cfg.Metrics).
			Build()
		if err != nil {
			return nil, err
		}
		return replica.Open(ctx, rc)
	}

	writer, err := open("writer")
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	defer writer.Close()
	reader, err := open("reader")
	if err != nil {
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	defer reader.Close()

	obs := newObserver()
	for _, q := range []*replica.Query{
		reader.Where("Car").Sort("carId", false),
		reader.Where("Owner").Sort("ownerId", false),
		reader.Where("Manufacture"),
	} {
		results := q.FindAll()
		defer results.Close()
		results.AddChangeListener(obs.listener(results.Query().Class))
	}

	cfg.Logger.Printf("Writing %d cars in batches of %d across %d owners", cfg.Cars, cfg.BatchSize, cfg.Owners)

	result := &Result{}
	var durations []time.Duration
	start := time.Now()
	for written := 0; written < cfg.Cars; {
		n := min(cfg.BatchSize, cfg.Cars-written)
		if err := writeBatch(ctx, writer, written, n, cfg.Owners); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", result.Batches+1, err)
		}
		written += n
		result.Batches++

		began := time.Now()
		if err := waitVisible(ctx, obs, written, cfg.StallTimeout); err != nil {
			sessionErrMu.Lock()
			if sessionErr != nil {
				err = fmt.Errorf("%w (last session error: %v)", err, sessionErr)
			}
			sessionErrMu.Unlock()
			return nil, fmt.Errorf("batch %d (%d cars): %w", result.Batches, written, err)
		}
		durations = append(durations, time.Since(began))
	}

	result.Cars = cfg.Cars
	result.Elapsed = time.Since(start)
	result.Latency = computeLatencyStats(durations)
	result.Notifications = obs.notifications()
	cfg.Logger.Printf("Done in %v", result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// writeBatch adds cars first+1..first+n in one transaction. Each car links
// to a shared owner and the batch's manufacturer.
func writeBatch(ctx context.Context, r *replica.Replica, first, n, owners int) error {
	_, err := r.Write(ctx, func(tx *db.Tx) error {
		maker, err := tx.Create("Manufacture", map[string]any{
			"manufactureName":     fmt.Sprintf("Maker %d", first+1),
			"manufactureLocation": "Gothenburg",
		})
		if err != nil {
			return err
		}
		for i := first + 1; i <= first+n; i++ {
			ownerID := (i-1)%owners + 1
			owner, err := tx.Upsert("Owner", map[string]any{
				"ownerId":   ownerID,
				"ownerName": fmt.Sprintf("Owner %d", ownerID),
				"ownerYear": "1990",
			})
			if err != nil {
				return err
			}
			_, err = tx.Create("Car", map[string]any{
				"carId":          i,
				"carYear":        fmt.Sprintf("%d", 2000+i%25),
				"carManufacture": maker.ID,
				"carOwners":      []string{owner.ID},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func waitVisible(ctx context.Context, obs *observer, cars int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !obs.visible(cars) {
		select {
		case <-obs.wake:
		case <-timer.C:
			return ErrStalled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Samples:   len(durations),
		Durations: sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Batches:       %d\n", s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
