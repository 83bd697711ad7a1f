package journal

import "github.com/replicasync/replica/internal/replica/schema"

// Recorder accumulates the per-class Changes of one transaction.
//
// Within a transaction an insert followed by a delete cancels out, and a
// modification of an object inserted or deleted in the same transaction is
// folded into that insertion or deletion.
type Recorder struct {
	schema  *schema.Schema
	changes Changes
}

// NewRecorder creates an empty recorder.
func NewRecorder(s *schema.Schema) *Recorder {
	return &Recorder{schema: s, changes: make(Changes)}
}

func (r *Recorder) class(name string) *ClassChanges {
	cc, ok := r.changes[name]
	if !ok {
		cc = newClassChanges()
		r.changes[name] = cc
	}
	return cc
}

// Insert records a new object.
func (r *Recorder) Insert(class, id string) {
	cc := r.class(class)
	if cc.Deletions.Has(id) {
		// Deleted and re-created in the same transaction.
		delete(cc.Deletions, id)
		cc.Modifications.Add(id)
		return
	}
	cc.Insertions.Add(id)
}

// Delete records a removed object.
func (r *Recorder) Delete(class, id string) {
	cc := r.class(class)
	delete(cc.Modifications, id)
	if cc.Insertions.Has(id) {
		delete(cc.Insertions, id)
		return
	}
	cc.Deletions.Add(id)
}

// Modify records a changed object.
func (r *Recorder) Modify(class, id string) {
	cc := r.class(class)
	if cc.Insertions.Has(id) || cc.Deletions.Has(id) {
		return
	}
	cc.Modifications.Add(id)
}

// Link records a change to class.field on object id involving target.
// The source object is modified, and so is target in every class whose
// linkingObjects property inverts class.field.
func (r *Recorder) Link(class, id, field, target string) {
	r.Modify(class, id)
	if target == "" {
		return
	}
	for _, inv := range r.schema.Inverses(class, field) {
		r.Modify(inv.Class, target)
	}
}

// Changes returns the non-empty deltas.
func (r *Recorder) Changes() Changes {
	out := make(Changes, len(r.changes))
	for name, cc := range r.changes {
		if !cc.Empty() {
			out[name] = cc
		}
	}
	return out
}
