// Package journal records what every committed transaction did.
//
// A transaction is described twice: as a Changeset of replayable
// Instructions, which is what the sync protocol ships, and as per-class
// Changes, which is what change listeners consume. Changes include objects
// that were only touched through an inverse relationship: appending an Owner
// to a Car's carOwners list modifies the Car and, through Owner.ownerCars,
// the Owner as well.
package journal

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Op is the kind of a replayable instruction.
type Op string

const (
	OpCreate     Op = "create"
	OpSet        Op = "set"
	OpErase      Op = "erase"
	OpListInsert Op = "list_insert"
	OpListErase  Op = "list_erase"
)

// Instruction is a single replayable mutation.
type Instruction struct {
	Op     Op     `json:"op"`
	Class  string `json:"class"`
	ID     string `json:"id"`
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
	Target string `json:"target,omitempty"`
	Clock  Clock  `json:"clock"`
}

// UnmarshalJSON keeps numeric values as json.Number so int64 values survive
// the wire intact.
func (in *Instruction) UnmarshalJSON(data []byte) error {
	type plain Instruction
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*in = Instruction(p)
	return nil
}

// Changeset is the unit of upload and download.
type Changeset struct {
	// Peer is the replica that produced the changeset.
	Peer string `json:"peer"`

	// ClientVersion is the journal version on the producing replica.
	ClientVersion int64 `json:"client_version"`

	// ServerVersion is assigned by the server once integrated (0 before).
	ServerVersion int64 `json:"server_version,omitempty"`

	Timestamp    time.Time     `json:"timestamp"`
	Instructions []Instruction `json:"instructions"`
}

// Origin tells whether an entry was written locally or applied from the server.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Entry is one committed transaction.
type Entry struct {
	Version     int64     `json:"version"`
	Origin      Origin    `json:"origin"`
	Changeset   Changeset `json:"changeset"`
	Changes     Changes   `json:"changes"`
	CommittedAt time.Time `json:"committed_at"`
}

// IDSet is a set of object IDs. It encodes as a sorted JSON array.
type IDSet map[string]struct{}

// Add inserts id.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the IDs in lexical order.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON implements json.Marshaler.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = make(IDSet, len(ids))
	for _, id := range ids {
		(*s)[id] = struct{}{}
	}
	return nil
}

// ClassChanges is the delta of one collection within one transaction.
type ClassChanges struct {
	Insertions    IDSet `json:"insertions"`
	Deletions     IDSet `json:"deletions"`
	Modifications IDSet `json:"modifications"`
}

func newClassChanges() *ClassChanges {
	return &ClassChanges{
		Insertions:    make(IDSet),
		Deletions:     make(IDSet),
		Modifications: make(IDSet),
	}
}

// Empty reports whether nothing changed.
func (c *ClassChanges) Empty() bool {
	return c == nil || len(c.Insertions)+len(c.Deletions)+len(c.Modifications) == 0
}

// Touched returns every ID mentioned by the delta.
func (c *ClassChanges) Touched() IDSet {
	out := make(IDSet, len(c.Insertions)+len(c.Deletions)+len(c.Modifications))
	for id := range c.Insertions {
		out.Add(id)
	}
	for id := range c.Deletions {
		out.Add(id)
	}
	for id := range c.Modifications {
		out.Add(id)
	}
	return out
}

// Changes maps class name to its delta.
type Changes map[string]*ClassChanges

// Empty reports whether no class changed.
func (c Changes) Empty() bool {
	for _, cc := range c {
		if !cc.Empty() {
			return false
		}
	}
	return true
}

// Classes returns the names of changed classes in lexical order.
func (c Changes) Classes() []string {
	names := make([]string, 0, len(c))
	for name, cc := range c {
		if !cc.Empty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
