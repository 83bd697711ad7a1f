package notify

import (
	"context"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/schema"
)

// ChangeListener receives change sets for one collection. It runs on the
// collection's worker goroutine; while it runs, further commits are
// coalesced into the next change set.
type ChangeListener func(r *Results, cs *CollectionChangeSet)

type listener struct {
	fn          ChangeListener
	initialized bool
}

// Results is a live, ordered view of a query.
//
// Thread-safety: Results is safe for concurrent use.
type Results struct {
	d      *Dispatcher
	query  db.Query
	ctx    context.Context
	cancel context.CancelFunc
	dirty  chan struct{}

	mu        sync.Mutex
	pending   journal.IDSet
	listeners map[Token]*listener
	order     []Token

	snapMu   sync.RWMutex
	snapshot []*schema.Object
	keys     []string
	loaded   bool
}

// Query returns the query the collection tracks.
func (r *Results) Query() db.Query {
	return r.query
}

// AddChangeListener registers fn. It first receives an initial change set,
// then one update per non-empty difference.
func (r *Results) AddChangeListener(fn ChangeListener) Token {
	tok := r.d.token()

	r.mu.Lock()
	r.listeners[tok] = &listener{fn: fn}
	r.order = append(r.order, tok)
	r.mu.Unlock()

	r.wake()
	return tok
}

// RemoveChangeListener unregisters a listener. It is not called again once
// this returns, except for a delivery already in progress.
func (r *Results) RemoveChangeListener(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.listeners, tok)
	for i, t := range r.order {
		if t == tok {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// RemoveAllChangeListeners unregisters every listener.
func (r *Results) RemoveAllChangeListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = make(map[Token]*listener)
	r.order = nil
}

// Snapshot returns the collection as of the last evaluation.
func (r *Results) Snapshot() []*schema.Object {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return append([]*schema.Object(nil), r.snapshot...)
}

// Len returns the size of the collection as of the last evaluation.
func (r *Results) Len() int {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return len(r.snapshot)
}

// Loaded reports whether the collection has been evaluated at least once.
func (r *Results) Loaded() bool {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.loaded
}

// Close stops observing the collection.
func (r *Results) Close() {
	r.d.forget(r)
	r.cancel()
}

// markDirty folds a class delta into the pending keys and wakes the worker.
// Called with the dispatcher lock held; must not block.
func (r *Results) markDirty(cc *journal.ClassChanges) {
	r.mu.Lock()
	for id := range cc.Modifications {
		r.pending.Add(id)
	}
	for id := range cc.Insertions {
		r.pending.Add(id)
	}
	r.mu.Unlock()

	if !r.wake() {
		r.d.metrics.Coalesced(r.query.Class)
	}
}

// wake reports false if an evaluation was already pending.
func (r *Results) wake() bool {
	select {
	case r.dirty <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *Results) run() {
	defer r.d.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.dirty:
		}
		r.evaluate()
	}
}

func (r *Results) evaluate() {
	r.mu.Lock()
	modified := r.pending
	r.pending = make(journal.IDSet)
	r.mu.Unlock()

	start := time.Now()
	objs, err := r.d.store.Find(r.d.ctx, r.query)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		// Keep the keys for the next evaluation.
		r.mu.Lock()
		for id := range modified {
			r.pending.Add(id)
		}
		r.mu.Unlock()
		r.d.logger.Printf("Warning: failed to evaluate %s: %v", r.query.Class, err)
		r.deliver(nil, &CollectionChangeSet{State: StateError, Err: err})
		return
	}

	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.ID
	}

	r.snapMu.Lock()
	var cs *CollectionChangeSet
	if r.loaded {
		cs = Diff(r.keys, keys, modified)
	}
	r.snapshot = objs
	r.keys = keys
	r.loaded = true
	r.snapMu.Unlock()

	r.d.metrics.ObserveEvaluation(r.query.Class, time.Since(start).Seconds())
	r.deliver(cs, nil)
}

// deliver sends an initial set to new listeners and update (or forced) to
// the rest. Empty updates are dropped.
func (r *Results) deliver(update, forced *CollectionChangeSet) {
	r.mu.Lock()
	type call struct {
		tok Token
		fn  ChangeListener
		cs  *CollectionChangeSet
	}
	calls := make([]call, 0, len(r.order))
	for _, tok := range r.order {
		l := r.listeners[tok]
		switch {
		case forced != nil:
			calls = append(calls, call{tok, l.fn, forced})
		case !l.initialized:
			l.initialized = true
			calls = append(calls, call{tok, l.fn, initialChangeSet()})
		case update != nil && !update.Empty():
			calls = append(calls, call{tok, l.fn, update})
		}
	}
	r.mu.Unlock()

	for _, c := range calls {
		if r.ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		_, still := r.listeners[c.tok]
		r.mu.Unlock()
		if !still {
			continue
		}
		r.d.metrics.Notified(r.query.Class, c.cs.State.String())
		c.fn(r, c.cs)
	}
}

func initialChangeSet() *CollectionChangeSet {
	return &CollectionChangeSet{
		State:      StateInitial,
		Deletions:  []int{},
		Insertions: []int{},
		Changes:    []int{},
		Moves:      []Move{},
	}
}
