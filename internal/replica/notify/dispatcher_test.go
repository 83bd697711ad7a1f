package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/schema"
)

// fakeStore serves fixed ID lists per class.
type fakeStore struct {
	mu    sync.Mutex
	ids   map[string][]string
	err   error
	calls map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ids: make(map[string][]string), calls: make(map[string]int)}
}

func (f *fakeStore) set(class string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[class] = ids
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) callCount(class string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[class]
}

func (f *fakeStore) Find(ctx context.Context, q db.Query) ([]*schema.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[q.Class]++
	if f.err != nil {
		return nil, f.err
	}
	var out []*schema.Object
	for _, id := range f.ids[q.Class] {
		out = append(out, &schema.Object{Class: q.Class, ID: id})
	}
	return out, nil
}

func quietConfig() Config {
	return Config{Logger: log.New(io.Discard, "", 0), Metrics: metrics.New()}
}

func entryFor(class string, inserted, modified []string) *journal.Entry {
	cc := &journal.ClassChanges{
		Insertions:    make(journal.IDSet),
		Deletions:     make(journal.IDSet),
		Modifications: make(journal.IDSet),
	}
	for _, id := range inserted {
		cc.Insertions.Add(id)
	}
	for _, id := range modified {
		cc.Modifications.Add(id)
	}
	return &journal.Entry{Changes: journal.Changes{class: cc}}
}

func collect(r *Results) <-chan *CollectionChangeSet {
	ch := make(chan *CollectionChangeSet, 64)
	r.AddChangeListener(func(_ *Results, cs *CollectionChangeSet) { ch <- cs })
	return ch
}

func next(t *testing.T, ch <-chan *CollectionChangeSet) *CollectionChangeSet {
	t.Helper()
	select {
	case cs := <-ch:
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change set")
		return nil
	}
}

func TestResults_InitialThenUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.set("Car", "1", "2")
	d := New(store, quietConfig())
	defer d.Close()

	cars := d.Observe(db.Query{Class: "Car"})
	ch := collect(cars)

	initial := next(t, ch)
	if initial.State != StateInitial {
		t.Fatalf("first change set state = %v, want initial", initial.State)
	}
	if cars.Len() != 2 || !cars.Loaded() {
		t.Errorf("Len = %d Loaded = %v, want 2 true", cars.Len(), cars.Loaded())
	}

	store.set("Car", "1", "2", "3")
	d.Notify(entryFor("Car", []string{"3"}, []string{"1"}))

	update := next(t, ch)
	if update.State != StateUpdate {
		t.Fatalf("state = %v, want update", update.State)
	}
	if diff := cmp.Diff([]int{2}, update.Insertions); diff != "" {
		t.Errorf("insertions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, update.Changes); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
}

func TestResults_LateListenerGetsInitialOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.set("Owner", "7")
	d := New(store, quietConfig())
	defer d.Close()

	owners := d.Observe(db.Query{Class: "Owner"})
	first := collect(owners)
	next(t, first)

	second := collect(owners)
	if cs := next(t, second); cs.State != StateInitial {
		t.Errorf("late listener state = %v, want initial", cs.State)
	}

	select {
	case cs := <-first:
		t.Errorf("existing listener got %v change set without a change", cs.State)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotify_SkipsUntouchedClass(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	d := New(store, quietConfig())
	defer d.Close()

	owners := d.Observe(db.Query{Class: "Owner"})
	next(t, collect(owners))
	time.Sleep(20 * time.Millisecond)
	before := store.callCount("Owner")

	d.Notify(entryFor("Car", []string{"1"}, nil))
	time.Sleep(50 * time.Millisecond)

	if got := store.callCount("Owner"); got != before {
		t.Errorf("Owner evaluated %d times after a Car commit, want %d", got, before)
	}
}

// TestNotify_SlowListenerDoesNotBlock is the regression test for sync
// stalling behind collection listeners: commits keep flowing while a
// listener is stuck and are coalesced once it returns.
func TestNotify_SlowListenerDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	d := New(store, quietConfig())
	defer d.Close()

	cars := d.Observe(db.Query{Class: "Car"})
	release := make(chan struct{})
	wedged := make(chan struct{})
	ch := make(chan *CollectionChangeSet, 16)
	var once sync.Once
	cars.AddChangeListener(func(_ *Results, cs *CollectionChangeSet) {
		if cs.State == StateUpdate {
			once.Do(func() {
				close(wedged)
				<-release
			})
		}
		ch <- cs
	})
	next(t, ch)

	// Wedge the listener on the first update.
	store.set("Car", "0")
	d.Notify(entryFor("Car", []string{"0"}, nil))
	select {
	case <-wedged:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never received the first update")
	}

	ids := []string{"0"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 1000; i++ {
			id := string(rune('a'+i%26)) + time.Duration(i).String()
			ids = append(ids, id)
			store.set("Car", ids...)
			d.Notify(entryFor("Car", []string{id}, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked behind a slow listener")
	}

	close(release)
	if cs := next(t, ch); len(cs.Insertions) != 1 {
		t.Errorf("first update insertions = %v, want one", cs.Insertions)
	}
	coalesced := next(t, ch)
	if len(coalesced.Insertions) != 1000 {
		t.Errorf("coalesced update has %d insertions, want 1000", len(coalesced.Insertions))
	}
	if cars.Len() != 1001 {
		t.Errorf("Len = %d, want 1001", cars.Len())
	}
}

func TestResults_EvaluationError(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.set("Car", "a", "b")
	d := New(store, quietConfig())
	defer d.Close()

	cars := d.Observe(db.Query{Class: "Car"})
	ch := collect(cars)
	next(t, ch)

	boom := errors.New("disk on fire")
	store.fail(boom)
	d.Notify(entryFor("Car", nil, []string{"a"}))

	cs := next(t, ch)
	if cs.State != StateError || !errors.Is(cs.Err, boom) {
		t.Errorf("got state %v err %v, want error %v", cs.State, cs.Err, boom)
	}

	// The modification seen during the failure is reported once it recovers.
	store.fail(nil)
	d.Notify(entryFor("Car", nil, []string{"b"}))

	cs = next(t, ch)
	if cs.State != StateUpdate {
		t.Fatalf("state after recovery = %v, want update", cs.State)
	}
	if diff := cmp.Diff([]int{0, 1}, cs.Changes); diff != "" {
		t.Errorf("changes after recovery (-want +got):\n%s", diff)
	}
}

func TestResults_RemoveListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	d := New(store, quietConfig())
	defer d.Close()

	cars := d.Observe(db.Query{Class: "Car"})
	ch := make(chan *CollectionChangeSet, 8)
	tok := cars.AddChangeListener(func(_ *Results, cs *CollectionChangeSet) { ch <- cs })
	next(t, ch)

	cars.RemoveChangeListener(tok)
	store.set("Car", "1")
	d.Notify(entryFor("Car", []string{"1"}, nil))

	select {
	case cs := <-ch:
		t.Errorf("removed listener received %v", cs.State)
	case <-time.After(50 * time.Millisecond):
	}

	cars.Close()
}

func TestGlobalListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(newFakeStore(), quietConfig())
	defer d.Close()

	got := make(chan int64, 8)
	tok := d.AddGlobalListener(func(e *journal.Entry) { got <- e.Version })

	d.Notify(&journal.Entry{Version: 3})
	select {
	case v := <-got:
		if v != 3 {
			t.Errorf("version = %d, want 3", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("global listener not called")
	}

	d.RemoveGlobalListener(tok)
	d.Notify(&journal.Entry{Version: 4})
	select {
	case v := <-got:
		t.Errorf("removed global listener received %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_InverseRelationshipWakesOwners(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "notify.db"), schema.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	d := New(store, quietConfig())
	defer d.Close()
	store.OnCommit(d.Notify)

	ctx := context.Background()
	_, err = store.Write(ctx, func(tx *db.Tx) error {
		_, err := tx.Create("Owner", map[string]any{"ownerId": 7, "ownerName": "Ann", "ownerYear": "1990"})
		return err
	})
	if err != nil {
		t.Fatalf("create owner failed: %v", err)
	}

	owners := d.Observe(db.Query{Class: "Owner"})
	ch := collect(owners)
	next(t, ch)

	_, err = store.Write(ctx, func(tx *db.Tx) error {
		_, err := tx.Create("Car", map[string]any{"carId": 1, "carYear": "2020", "carOwners": []string{"7"}})
		return err
	})
	if err != nil {
		t.Fatalf("create car failed: %v", err)
	}

	cs := next(t, ch)
	if diff := cmp.Diff([]int{0}, cs.Changes); diff != "" {
		t.Errorf("owner changes (-want +got):\n%s", diff)
	}
	snap := owners.Snapshot()
	if len(snap) != 1 || len(snap[0].List("ownerCars")) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
