package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func TestComputeLatencyStats(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		wantMin   time.Duration
		wantMax   time.Duration
		wantP50   time.Duration
		wantMean  time.Duration
	}{
		{"empty", nil, 0, 0, 0, 0},
		{"single", []time.Duration{5 * time.Millisecond}, 5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond},
		{
			"unsorted",
			[]time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond},
			10 * time.Millisecond, 40 * time.Millisecond, 30 * time.Millisecond, 25 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := computeLatencyStats(tt.durations)
			if s.Min != tt.wantMin || s.Max != tt.wantMax || s.P50 != tt.wantP50 || s.Mean != tt.wantMean {
				t.Errorf("stats = %+v", s)
			}
			if s.Samples != len(tt.durations) {
				t.Errorf("Samples = %d, want %d", s.Samples, len(tt.durations))
			}
		})
	}
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	computeLatencyStats([]time.Duration{time.Millisecond}).PrintStats(&buf)
	for _, want := range []string{"Batches:       1", "P99:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var nilConfig *Config
	if c := nilConfig.withDefaults(); c.Cars != 200 || c.Logger == nil {
		t.Errorf("nil config defaults = %+v", c)
	}
	c := (&Config{Cars: 10, Owners: -1}).withDefaults()
	if c.Cars != 10 || c.Owners != 5 || c.BatchSize != 20 || c.StallTimeout != 30*time.Second {
		t.Errorf("defaults = %+v", c)
	}
}

// TestRun drives linked cars through sync while the reader observes every
// collection, including both sides of the inverse relationship.
func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := Run(ctx, &Config{
		Cars:         60,
		BatchSize:    15,
		Owners:       3,
		StallTimeout: 20 * time.Second,
		Dir:          t.TempDir(),
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Cars != 60 || result.Batches != 4 {
		t.Errorf("result = %+v", result)
	}
	if result.Latency.Samples != 4 {
		t.Errorf("latency samples = %d, want 4", result.Latency.Samples)
	}
	for _, class := range []string{"Car", "Owner", "Manufacture"} {
		if result.Notifications[class] == 0 {
			t.Errorf("no %s notifications: %v", class, result.Notifications)
		}
	}
	t.Logf("p50=%v p95=%v p99=%v", result.Latency.P50, result.Latency.P95, result.Latency.P99)
}
