package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/replicasync/replica/internal/replica/schema"
)

func TestClockOrder(t *testing.T) {
	a := Clock{Time: 10, Peer: "a"}
	b := Clock{Time: 10, Peer: "b"}
	c := Clock{Time: 11, Peer: "a"}

	if !b.After(a) || a.After(b) {
		t.Error("peer should break ties")
	}
	if !c.After(b) {
		t.Error("time should dominate peer")
	}
	if a.After(a) {
		t.Error("a clock is not after itself")
	}
	if !(Clock{}).IsZero() {
		t.Error("zero clock should be zero")
	}
}

func TestHLC_Monotonic(t *testing.T) {
	h := NewHLC("p1")
	fixed := time.Unix(100, 0)
	h.now = func() time.Time { return fixed }

	first := h.Now()
	second := h.Now()
	if !second.After(first) {
		t.Fatalf("second clock %v not after first %v", second, first)
	}

	h.Observe(Clock{Time: first.Time + 1000, Peer: "p2"})
	third := h.Now()
	if third.Time <= first.Time+1000 {
		t.Errorf("clock after Observe = %d, want > %d", third.Time, first.Time+1000)
	}
	if third.Peer != "p1" {
		t.Errorf("peer = %q, want p1", third.Peer)
	}
}

func TestRecorder_InversePropagation(t *testing.T) {
	r := NewRecorder(schema.Default())

	r.Insert("Car", "1")
	r.Link("Car", "1", "carOwners", "7")
	r.Link("Car", "2", "carOwners", "8")
	r.Link("Car", "2", "carManufacture", "m1")

	got := r.Changes()

	want := Changes{
		"Car": {
			Insertions:    IDSet{"1": {}},
			Deletions:     IDSet{},
			Modifications: IDSet{"2": {}},
		},
		"Owner": {
			Insertions:    IDSet{},
			Deletions:     IDSet{},
			Modifications: IDSet{"7": {}, "8": {}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Changes() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := got["Manufacture"]; ok {
		t.Error("Manufacture has no inverse and must not be reported")
	}
}

func TestRecorder_Cancellation(t *testing.T) {
	r := NewRecorder(schema.Default())

	r.Insert("Owner", "1")
	r.Modify("Owner", "1")
	r.Delete("Owner", "1")

	r.Modify("Owner", "2")
	r.Delete("Owner", "2")

	r.Delete("Owner", "3")
	r.Insert("Owner", "3")

	cc := r.Changes()["Owner"]
	if cc == nil {
		t.Fatal("expected Owner changes")
	}
	if diff := cmp.Diff([]string{}, cc.Insertions.Sorted()); diff != "" {
		t.Errorf("insertions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"2"}, cc.Deletions.Sorted()); diff != "" {
		t.Errorf("deletions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"3"}, cc.Modifications.Sorted()); diff != "" {
		t.Errorf("modifications (-want +got):\n%s", diff)
	}
}

func TestIDSet_JSON(t *testing.T) {
	s := IDSet{"b": {}, "a": {}}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("Marshal = %s", data)
	}

	var back IDSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.Has("a") || !back.Has("b") || len(back) != 2 {
		t.Errorf("Unmarshal = %v", back)
	}
}

func TestInstruction_JSONKeepsLargeInts(t *testing.T) {
	cs := Changeset{Peer: "p1", Instructions: []Instruction{
		{Op: OpSet, Class: "Car", ID: "1", Field: "carId", Value: int64(9007199254740993), Clock: Clock{Time: 1, Peer: "p1"}},
		{Op: OpSet, Class: "Car", ID: "1", Field: "carYear", Value: "2020", Clock: Clock{Time: 2, Peer: "p1"}},
	}}
	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Changeset
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := []any{json.Number("9007199254740993"), "2020"}
	got := []any{back.Instructions[0].Value, back.Instructions[1].Value}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
	if back.Instructions[1].Clock != (Clock{Time: 2, Peer: "p1"}) {
		t.Errorf("clock = %+v", back.Instructions[1].Clock)
	}
}

// memSource is an in-memory EntrySource.
type memSource struct {
	mu      sync.Mutex
	entries []*Entry
	fail    int
}

func (m *memSource) add(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &Entry{Version: v})
}

func (m *memSource) EntriesSince(ctx context.Context, after int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return nil, errors.New("transient")
	}
	var out []*Entry
	for _, e := range m.entries {
		if e.Version > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestWatch(t *testing.T) {
	src := &memSource{fail: 1}
	for v := int64(1); v <= 5; v++ {
		src.add(v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wake := make(chan struct{}, 1)
	var got []int64
	done := errors.New("done")

	err := Watch(ctx, src, WatchConfig{
		After:        1,
		PollInterval: 10 * time.Millisecond,
		Limit:        2,
		Wake:         wake,
	}, func(entries []*Entry) error {
		for _, e := range entries {
			got = append(got, e.Version)
		}
		if len(got) == 4 {
			src.add(6)
			wake <- struct{}{}
		}
		if len(got) == 5 {
			return done
		}
		return nil
	})

	if !errors.Is(err, done) {
		t.Fatalf("Watch returned %v, want done", err)
	}
	if diff := cmp.Diff([]int64{2, 3, 4, 5, 6}, got); diff != "" {
		t.Errorf("delivered versions (-want +got):\n%s", diff)
	}
}

func TestFindNewEntries(t *testing.T) {
	in := []*Entry{{Version: 3}, {Version: 4}, {Version: 4}, {Version: 2}, {Version: 6}}
	out := findNewEntries(in, 3)

	var got []int64
	for _, e := range out {
		got = append(got, e.Version)
	}
	if diff := cmp.Diff([]int64{4, 6}, got); diff != "" {
		t.Errorf("findNewEntries (-want +got):\n%s", diff)
	}
}
