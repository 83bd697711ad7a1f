package notify

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/replicasync/replica/internal/replica/journal"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new []string
		modified journal.IDSet
		want     *CollectionChangeSet
	}{
		{
			name: "no change",
			old:  []string{"a", "b"},
			new:  []string{"a", "b"},
			want: &CollectionChangeSet{},
		},
		{
			name: "append",
			old:  []string{"a", "b"},
			new:  []string{"a", "b", "c"},
			want: &CollectionChangeSet{Insertions: []int{2}},
		},
		{
			name: "delete middle",
			old:  []string{"a", "b", "c"},
			new:  []string{"a", "c"},
			want: &CollectionChangeSet{Deletions: []int{1}},
		},
		{
			name:     "modification uses new index",
			old:      []string{"x", "a", "b"},
			new:      []string{"a", "b"},
			modified: journal.IDSet{"b": {}},
			want:     &CollectionChangeSet{Deletions: []int{0}, Changes: []int{1}},
		},
		{
			name:     "move to front",
			old:      []string{"a", "b", "c"},
			new:      []string{"c", "a", "b"},
			modified: journal.IDSet{"c": {}},
			want: &CollectionChangeSet{
				Deletions:  []int{2},
				Insertions: []int{0},
				Moves:      []Move{{From: 2, To: 0}},
			},
		},
		{
			name: "replace all",
			old:  []string{"a", "b"},
			new:  []string{"c"},
			want: &CollectionChangeSet{Deletions: []int{0, 1}, Insertions: []int{0}},
		},
		{
			name: "from empty",
			old:  nil,
			new:  []string{"a", "b", "c"},
			want: &CollectionChangeSet{Insertions: []int{0, 1, 2}},
		},
	}

	opts := []cmp.Option{
		cmpopts.EquateEmpty(),
		cmpopts.IgnoreFields(CollectionChangeSet{}, "State", "Err"),
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new, tt.modified)
			if got.State != StateUpdate {
				t.Errorf("state = %v, want update", got.State)
			}
			if diff := cmp.Diff(tt.want, got, opts...); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestDiff_Reconstructs checks that removing Deletions from old and
// Insertions from new leaves the same sequence, and that every survivor is
// either kept in place or moved.
func TestDiff_Reconstructs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		n := rng.Intn(30)
		old := make([]string, n)
		for i := range old {
			old[i] = string(rune('A' + i))
		}

		next := append([]string(nil), old...)
		rng.Shuffle(len(next), func(i, j int) { next[i], next[j] = next[j], next[i] })
		if len(next) > 0 {
			next = next[:rng.Intn(len(next)+1)]
		}
		for i := 0; i < rng.Intn(4); i++ {
			next = append(next, string(rune('a'+i)))
		}

		cs := Diff(old, next, nil)

		kept := without(old, cs.Deletions)
		remaining := without(next, cs.Insertions)
		if diff := cmp.Diff(kept, remaining, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round %d: old %v new %v: survivors differ (-old +new):\n%s", round, old, next, diff)
		}

		survivors := 0
		for _, k := range next {
			for _, o := range old {
				if k == o {
					survivors++
				}
			}
		}
		if got := survivors - len(cs.Moves); got != len(kept) {
			t.Fatalf("round %d: %d survivors, %d moves, %d kept in place", round, survivors, len(cs.Moves), len(kept))
		}
	}
}

func without(keys []string, drop []int) []string {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	var out []string
	for i, k := range keys {
		if !skip[i] {
			out = append(out, k)
		}
	}
	return out
}

func TestRanges(t *testing.T) {
	cs := &CollectionChangeSet{
		Deletions:  []int{0, 1, 2, 5, 7, 8},
		Insertions: []int{},
		Changes:    []int{3},
	}

	want := []Range{{StartIndex: 0, Length: 3}, {StartIndex: 5, Length: 1}, {StartIndex: 7, Length: 2}}
	if diff := cmp.Diff(want, cs.DeletionRanges()); diff != "" {
		t.Errorf("DeletionRanges (-want +got):\n%s", diff)
	}
	if got := cs.InsertionRanges(); len(got) != 0 {
		t.Errorf("InsertionRanges = %v, want empty", got)
	}
	if diff := cmp.Diff([]Range{{StartIndex: 3, Length: 1}}, cs.ChangeRanges()); diff != "" {
		t.Errorf("ChangeRanges (-want +got):\n%s", diff)
	}
}

func TestLIS(t *testing.T) {
	tests := []struct {
		seq     []int
		wantLen int
	}{
		{nil, 0},
		{[]int{0, 1, 2, 3}, 4},
		{[]int{3, 2, 1, 0}, 1},
		{[]int{2, 0, 1}, 2},
		{[]int{0, 8, 4, 12, 2, 10, 6, 14, 1, 9}, 4},
	}

	for _, tt := range tests {
		keep := lis(tt.seq)
		var picked []int
		for i, k := range keep {
			if k {
				picked = append(picked, tt.seq[i])
			}
		}
		if len(picked) != tt.wantLen {
			t.Errorf("lis(%v) picked %v, want length %d", tt.seq, picked, tt.wantLen)
		}
		for i := 1; i < len(picked); i++ {
			if picked[i] <= picked[i-1] {
				t.Errorf("lis(%v) picked non-increasing %v", tt.seq, picked)
			}
		}
	}
}
