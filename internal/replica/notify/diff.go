package notify

import (
	"fmt"
	"sort"

	"github.com/replicasync/replica/internal/replica/journal"
)

// State is the kind of a change set.
type State int

const (
	// StateInitial is delivered once to every new listener.
	StateInitial State = iota
	// StateUpdate describes the difference to the previous delivery.
	StateUpdate
	// StateError reports that the collection could not be evaluated.
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateUpdate:
		return "update"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Range is a run of consecutive indices.
type Range struct {
	StartIndex int `json:"start_index"`
	Length     int `json:"length"`
}

// Move relocates one element. From is an old index, To a new one.
type Move struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// CollectionChangeSet describes how an ordered collection changed between
// two deliveries.
//
// Deletions are indices in the old collection; Insertions and Changes are
// indices in the new one. A moved element is also reported as a deletion of
// its old index and an insertion of its new index.
type CollectionChangeSet struct {
	State      State  `json:"state"`
	Deletions  []int  `json:"deletions"`
	Insertions []int  `json:"insertions"`
	Changes    []int  `json:"changes"`
	Moves      []Move `json:"moves"`
	Err        error  `json:"-"`
}

// Empty reports whether nothing changed.
func (c *CollectionChangeSet) Empty() bool {
	return len(c.Deletions)+len(c.Insertions)+len(c.Changes)+len(c.Moves) == 0
}

// DeletionRanges collapses Deletions into ranges.
func (c *CollectionChangeSet) DeletionRanges() []Range { return ranges(c.Deletions) }

// InsertionRanges collapses Insertions into ranges.
func (c *CollectionChangeSet) InsertionRanges() []Range { return ranges(c.Insertions) }

// ChangeRanges collapses Changes into ranges.
func (c *CollectionChangeSet) ChangeRanges() []Range { return ranges(c.Changes) }

// ranges expects sorted, distinct indices.
func ranges(indices []int) []Range {
	out := []Range{}
	for _, i := range indices {
		if n := len(out); n > 0 && out[n-1].StartIndex+out[n-1].Length == i {
			out[n-1].Length++
			continue
		}
		out = append(out, Range{StartIndex: i, Length: 1})
	}
	return out
}

// Diff computes the change set that turns old into new. Both slices hold
// distinct keys. modified names keys whose content changed.
//
// Elements that keep their relative order are found as the longest increasing
// subsequence of old positions, taken in new order; every other survivor is
// a move.
func Diff(old, new []string, modified journal.IDSet) *CollectionChangeSet {
	cs := &CollectionChangeSet{
		State:      StateUpdate,
		Deletions:  []int{},
		Insertions: []int{},
		Changes:    []int{},
		Moves:      []Move{},
	}

	oldIndex := make(map[string]int, len(old))
	for i, k := range old {
		oldIndex[k] = i
	}
	newIndex := make(map[string]int, len(new))
	for i, k := range new {
		newIndex[k] = i
	}

	for i, k := range old {
		if _, ok := newIndex[k]; !ok {
			cs.Deletions = append(cs.Deletions, i)
		}
	}

	// Survivors in new order, with their old positions.
	var (
		survivorNew []int
		survivorOld []int
	)
	for j, k := range new {
		i, ok := oldIndex[k]
		if !ok {
			cs.Insertions = append(cs.Insertions, j)
			continue
		}
		survivorNew = append(survivorNew, j)
		survivorOld = append(survivorOld, i)
	}

	stays := lis(survivorOld)
	for n, j := range survivorNew {
		if stays[n] {
			if modified.Has(new[j]) {
				cs.Changes = append(cs.Changes, j)
			}
			continue
		}
		i := survivorOld[n]
		cs.Moves = append(cs.Moves, Move{From: i, To: j})
		cs.Deletions = append(cs.Deletions, i)
		cs.Insertions = append(cs.Insertions, j)
	}

	sort.Ints(cs.Deletions)
	sort.Ints(cs.Insertions)
	return cs
}

// lis marks the members of one longest strictly increasing subsequence of
// seq. O(n log n).
func lis(seq []int) []bool {
	keep := make([]bool, len(seq))
	if len(seq) == 0 {
		return keep
	}

	// tails[k] is the index in seq of the smallest tail of an increasing
	// subsequence of length k+1.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		k := sort.Search(len(tails), func(n int) bool { return seq[tails[n]] >= v })
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}

	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
