package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/schema"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339", "2024-03-01T08:30:00Z", time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), false},
		{"date", "2024-03-10", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), false},
		{"duration", "90m", now.Add(-90 * time.Minute), false},
		{"negative duration", "-2h", now.Add(-2 * time.Hour), false},
		{"natural", "2 hours ago", now.Add(-2 * time.Hour), false},
		{"unrecognized", "xyzzy", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseSince(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.input, err)
			}
			if d := got.Sub(tt.want); d < -time.Minute || d > time.Minute {
				t.Errorf("parseSince(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAssignments(t *testing.T) {
	s := schema.Default()
	car, _ := s.Class("Car")
	owner, _ := s.Class("Owner")

	got, err := parseAssignments(car, []string{"carId=1", "carYear=2020", "carOwners=7, 8", "carManufacture=m-1"})
	if err != nil {
		t.Fatalf("parseAssignments failed: %v", err)
	}
	want := map[string]any{
		"carId":          json.Number("1"),
		"carYear":        "2020",
		"carOwners":      []string{"7", "8"},
		"carManufacture": "m-1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	got, err = parseAssignments(car, []string{`carOwners=["9"]`, "carOwners="})
	if err != nil {
		t.Fatalf("parseAssignments failed: %v", err)
	}
	if diff := cmp.Diff([]string{}, got["carOwners"]); diff != "" {
		t.Errorf("later assignment should win (-want +got):\n%s", diff)
	}

	errCases := []struct {
		name string
		c    *schema.ObjectSchema
		arg  string
	}{
		{"no equals", car, "carYear"},
		{"unknown property", car, "color=red"},
		{"computed property", owner, "ownerCars=1"},
		{"bad list", car, "carOwners=[1,"},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseAssignments(tt.c, []string{tt.arg}); err == nil {
				t.Errorf("parseAssignments(%q) succeeded, want error", tt.arg)
			}
		})
	}
}

func TestParseFilters(t *testing.T) {
	car, _ := schema.Default().Class("Car")

	got, err := parseFilters(car, []string{"carYear=2020", "carId=3"})
	if err != nil {
		t.Fatalf("parseFilters failed: %v", err)
	}
	want := []db.Filter{
		{Field: "carId", Value: int64(3)},
		{Field: "carYear", Value: "2020"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filters mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseFilters(car, []string{"carOwners=1"}); err == nil {
		t.Error("expected an error filtering on a list")
	}
	if _, err := parseFilters(car, []string{"carId=x"}); err == nil {
		t.Error("expected an error for a non-numeric int")
	}
}

func TestSaveLoadLogin(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	if _, err := loadLogin(dir); !errors.Is(err, errNotLoggedIn) {
		t.Fatalf("loadLogin on empty dir = %v, want errNotLoggedIn", err)
	}

	u := &auth.User{
		Identity:  "id-1",
		Token:     "secret",
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		AuthURL:   "http://localhost:7800",
		ServerURL: "ws://localhost:7800/sync",
	}
	if err := saveLogin(dir, u); err != nil {
		t.Fatalf("saveLogin failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, loginFileName))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("login file mode = %v, want 0600", perm)
	}

	got, err := loadLogin(dir)
	if err != nil {
		t.Fatalf("loadLogin failed: %v", err)
	}
	if diff := cmp.Diff(u, got); diff != "" {
		t.Errorf("login mismatch (-want +got):\n%s", diff)
	}

	if err := removeLogin(dir); err != nil {
		t.Fatalf("removeLogin failed: %v", err)
	}
	if err := removeLogin(dir); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("second removeLogin = %v, want errNotLoggedIn", err)
	}
}

func TestReplicaURL(t *testing.T) {
	u := &auth.User{ServerURL: "ws://host:7800/sync/"}
	tests := []struct {
		user *auth.User
		path string
		want string
	}{
		{u, "~/cars", "ws://host:7800/sync/~/cars"},
		{u, "/id-1/cars", "ws://host:7800/sync/id-1/cars"},
		{nil, "~/cars", "~/cars"},
	}
	for _, tt := range tests {
		if got := replicaURL(tt.user, tt.path); got != tt.want {
			t.Errorf("replicaURL(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFormatRanges(t *testing.T) {
	cs := &notify.CollectionChangeSet{Insertions: []int{0, 1, 2, 7}}
	if got := formatRanges(cs.InsertionRanges()); got != "[0+3 7+1]" {
		t.Errorf("formatRanges = %q", got)
	}
	if got := formatRanges(nil); got != "[]" {
		t.Errorf("formatRanges(nil) = %q", got)
	}
}

func TestDescribeClasses(t *testing.T) {
	s := schema.Default()
	got := describeClasses(s, []string{"Car", "Manufacture", "Owner"})
	if want := "Car (inverse), Manufacture, Owner (inverse)"; got != want {
		t.Errorf("describeClasses = %q, want %q", got, want)
	}
}

func TestSummarizeChanges(t *testing.T) {
	changes := journal.Changes{
		"Owner": {Insertions: journal.IDSet{}, Deletions: journal.IDSet{}, Modifications: journal.IDSet{"7": {}}},
		"Car":   {Insertions: journal.IDSet{"1": {}, "2": {}}, Deletions: journal.IDSet{}, Modifications: journal.IDSet{"3": {}}},
	}
	if got := summarizeChanges(changes); got != "Car(+2 ~1) Owner(~1)" {
		t.Errorf("summarizeChanges = %q", got)
	}
	if got := summarizeChanges(journal.Changes{}); got != "no changes" {
		t.Errorf("summarizeChanges(empty) = %q", got)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "NAME"}, [][]string{{"1", "Ann"}, {"22", "Bo"}})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "Ann") || !strings.Contains(lines[2], "22") {
		t.Errorf("unexpected table:\n%s", out)
	}
	// Columns line up.
	if strings.Index(lines[1], "Ann") != strings.Index(lines[2], "Bo") {
		t.Errorf("columns not aligned:\n%s", out)
	}
}

func TestFormatClassCounts(t *testing.T) {
	if got := formatClassCounts(map[string]int{"Owner": 1, "Car": 2}); got != "Car: 2, Owner: 1" {
		t.Errorf("formatClassCounts = %q", got)
	}
	if got := formatClassCounts(nil); got != "empty" {
		t.Errorf("formatClassCounts(nil) = %q", got)
	}
}
