package replica

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/server"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSplitURL(t *testing.T) {
	tests := []struct {
		raw        string
		wantServer string
		wantPath   string
		wantErr    bool
	}{
		{"ws://host:7800/~/cars", "ws://host:7800/sync", "~/cars", false},
		{"wss://host/sync/~/cars", "wss://host/sync", "~/cars", false},
		{"ws://host/sync/u1/cars", "ws://host/sync", "/u1/cars", false},
		{"ws://host/synced/x", "ws://host/sync", "/synced/x", false},
		{"ws://host/sync", "", "", true},
		{"http://host:9080/~/RealmSyncIssueDB", "ws://host:9080/sync", "~/RealmSyncIssueDB", false},
		{"~/cars", "", "~/cars", false},
		{"ftp://host/~/cars", "", "", true},
		{"ws://host/", "", "", true},
		{"ws:///~/cars", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			gotServer, gotPath, err := SplitURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidURL) {
					t.Errorf("error %v is not ErrInvalidURL", err)
				}
				return
			}
			if gotServer != tt.wantServer || gotPath != tt.wantPath {
				t.Errorf("SplitURL(%q) = %q, %q; want %q, %q", tt.raw, gotServer, gotPath, tt.wantServer, tt.wantPath)
			}
		})
	}
}

func TestConfiguration_Logger(t *testing.T) {
	cfg, err := NewConfiguration(nil, "~/cars").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.Logger == nil || cfg.Logger.Prefix() != "[replica] " {
		t.Errorf("default logger = %v, want one prefixed [replica]", cfg.Logger)
	}

	l := quietLogger()
	cfg, err = NewConfiguration(nil, "~/cars").Logger(l).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.Logger != l {
		t.Error("Build replaced the configured logger")
	}
}

func TestConfiguration_DBPath(t *testing.T) {
	tests := []struct {
		user *auth.User
		url  string
		want string
	}{
		{nil, "~/cars", filepath.Join("d", "local", "cars.db")},
		{&auth.User{Identity: "u1"}, "ws://h/~/cars", filepath.Join("d", "u1", "cars.db")},
		{&auth.User{Identity: "u1"}, "ws://h/sync/u1/fleet/cars", filepath.Join("d", "u1", "fleet_cars.db")},
	}
	for _, tt := range tests {
		cfg, err := NewConfiguration(tt.user, tt.url).Directory("d").Build()
		if err != nil {
			t.Fatalf("Build(%q) failed: %v", tt.url, err)
		}
		if got := cfg.DBPath(); got != tt.want {
			t.Errorf("DBPath(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}

	if _, err := NewConfiguration(&auth.User{Identity: "u1"}, "~/cars").Build(); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("synced config without server: error = %v, want ErrInvalidURL", err)
	}
}

// recorder collects change sets delivered to a collection listener.
type recorder chan *notify.CollectionChangeSet

func (rec recorder) listen(_ *notify.Results, cs *notify.CollectionChangeSet) {
	rec <- cs
}

func (rec recorder) next(t *testing.T) *notify.CollectionChangeSet {
	t.Helper()
	select {
	case cs := <-rec:
		return cs
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a change set")
		return nil
	}
}

func createCar(ctx context.Context, r *Replica, carID, ownerID int) error {
	_, err := r.Write(ctx, func(tx *db.Tx) error {
		owner, err := tx.Upsert("Owner", map[string]any{"ownerId": ownerID, "ownerName": "Ann", "ownerYear": "1990"})
		if err != nil {
			return err
		}
		_, err = tx.Create("Car", map[string]any{"carId": carID, "carYear": "2021", "carOwners": []string{owner.ID}})
		return err
	})
	return err
}

func TestOpen_Local(t *testing.T) {
	ctx := context.Background()
	cfg, err := NewConfiguration(nil, "~/cars").Directory(t.TempDir()).Logger(quietLogger()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	r, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.Session() != nil {
		t.Error("local replica should have no session")
	}

	globals := make(chan *journal.Entry, 10)
	r.AddChangeListener(func(e *journal.Entry) { globals <- e })

	owners := make(recorder, 10)
	r.Where("Owner").Sort("ownerId", false).FindAll().AddChangeListener(owners.listen)
	if cs := owners.next(t); cs.State != notify.StateInitial {
		t.Fatalf("first change set = %s, want initial", cs.State)
	}

	if err := createCar(ctx, r, 1, 5); err != nil {
		t.Fatalf("createCar failed: %v", err)
	}
	cs := owners.next(t)
	if cs.State != notify.StateUpdate || len(cs.Insertions) != 1 || cs.Insertions[0] != 0 {
		t.Errorf("owner update = %+v", cs)
	}

	select {
	case e := <-globals:
		if e.Origin != journal.OriginLocal {
			t.Errorf("global entry origin = %s", e.Origin)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("global listener not called")
	}

	found, err := r.Where("Car").EqualTo("carYear", "2021").Find(ctx)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "1" {
		t.Errorf("Find = %v", found)
	}
}

// TestOpen_SyncedInverseListeners runs the reported scenario: listeners on
// every collection of the reader, including both sides of the Car/Owner
// inverse relationship, while the writer adds linked cars.
func TestOpen_SyncedInverseListeners(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := server.NewServer(&server.Config{
		DBPath:          filepath.Join(t.TempDir(), "server.db"),
		AllowCreateUser: true,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		_ = srv.Stop()
		ts.Close()
	}()

	user, err := auth.Login(ctx, ts.URL, auth.UsernamePassword("alice", "pw", true))
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	open := func(dir string) *Replica {
		cfg, err := NewConfiguration(user, user.ServerURL+"/~/cars").
			Directory(dir).
			WaitForInitialRemoteData().
			PollInterval(20 * time.Millisecond).
			ErrorHandler(func(err error) { t.Errorf("session error: %v", err) }).
			Logger(quietLogger()).
			Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		r, err := Open(ctx, cfg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return r
	}

	writer := open(t.TempDir())
	defer writer.Close()
	reader := open(t.TempDir())
	defer reader.Close()

	cars, owners, makers := make(recorder, 100), make(recorder, 100), make(recorder, 100)
	carResults := reader.Where("Car").Sort("carId", false).FindAll()
	carResults.AddChangeListener(cars.listen)
	ownerResults := reader.Where("Owner").FindAll()
	ownerResults.AddChangeListener(owners.listen)
	reader.Where("Manufacture").FindAll().AddChangeListener(makers.listen)
	for _, rec := range []recorder{cars, owners, makers} {
		if cs := rec.next(t); cs.State != notify.StateInitial {
			t.Fatalf("first change set = %s, want initial", cs.State)
		}
	}

	const n = 20
	for i := 1; i <= n; i++ {
		if err := createCar(ctx, writer, i, 1); err != nil {
			t.Fatalf("createCar %d failed: %v", i, err)
		}
	}

	// Updates may be coalesced; keep reading until every car arrived.
	for carResults.Len() < n {
		if cs := cars.next(t); cs.State == notify.StateError {
			t.Fatalf("car listener error: %v", cs.Err)
		}
	}

	// The shared owner keeps being modified through the inverse
	// relationship until it links every car.
	ownerCars := func() int {
		snap := ownerResults.Snapshot()
		if len(snap) != 1 {
			return 0
		}
		return len(snap[0].List("ownerCars"))
	}
	if cs := owners.next(t); cs.State != notify.StateUpdate {
		t.Fatalf("owner change set = %s, want update", cs.State)
	}
	for ownerCars() < n {
		if cs := owners.next(t); cs.State == notify.StateError {
			t.Fatalf("owner listener error: %v", cs.Err)
		}
	}

	select {
	case cs := <-makers:
		t.Errorf("untouched Manufacture collection notified: %+v", cs)
	default:
	}
}
