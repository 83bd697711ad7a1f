package notify

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/schema"
)

// Evaluator runs collection queries. *db.DB satisfies it.
type Evaluator interface {
	Find(ctx context.Context, q db.Query) ([]*schema.Object, error)
}

// Token identifies a registered listener.
type Token uint64

// GlobalListener receives the latest committed entry. Entries committed
// while a global listener runs are coalesced into the newest one.
type GlobalListener func(e *journal.Entry)

// Config configures a Dispatcher.
type Config struct {
	// Logger for evaluation failures (default: stderr).
	Logger *log.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Dispatcher turns committed entries into change sets for observed
// collections.
//
// Notify only records which keys changed and wakes the affected collections.
// Each observed collection re-evaluates on its own goroutine, so a slow
// listener delays only its own collection.
//
// Thread-safety: Dispatcher is safe for concurrent use.
type Dispatcher struct {
	store   Evaluator
	logger  *log.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	byClass map[string]map[*Results]struct{}
	closed  bool
	nextTok Token

	globalMu   sync.Mutex
	globals    map[Token]GlobalListener
	latest     *journal.Entry
	globalWake chan struct{}
}

// New creates a dispatcher over store. Call Close to stop its workers.
func New(store Evaluator, config Config) *Dispatcher {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      store,
		logger:     config.Logger,
		metrics:    config.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		byClass:    make(map[string]map[*Results]struct{}),
		globals:    make(map[Token]GlobalListener),
		globalWake: make(chan struct{}, 1),
	}

	d.wg.Add(1)
	go d.globalLoop()
	return d
}

// Observe starts tracking the collection selected by q. The first
// evaluation runs immediately in the background.
func (d *Dispatcher) Observe(q db.Query) *Results {
	ctx, cancel := context.WithCancel(d.ctx)
	r := &Results{
		d:         d,
		query:     q,
		ctx:       ctx,
		cancel:    cancel,
		dirty:     make(chan struct{}, 1),
		pending:   make(journal.IDSet),
		listeners: make(map[Token]*listener),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return r
	}
	set, ok := d.byClass[q.Class]
	if !ok {
		set = make(map[*Results]struct{})
		d.byClass[q.Class] = set
	}
	set[r] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go r.run()
	r.wake()
	return r
}

// Notify records a committed entry. It never blocks and never evaluates
// queries.
func (d *Dispatcher) Notify(e *journal.Entry) {
	if e == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	for class, cc := range e.Changes {
		if cc.Empty() {
			continue
		}
		for r := range d.byClass[class] {
			r.markDirty(cc)
		}
	}
	d.mu.Unlock()

	d.globalMu.Lock()
	d.latest = e
	d.globalMu.Unlock()
	select {
	case d.globalWake <- struct{}{}:
	default:
	}
}

// AddGlobalListener registers fn for every commit.
func (d *Dispatcher) AddGlobalListener(fn GlobalListener) Token {
	tok := d.token()
	d.globalMu.Lock()
	d.globals[tok] = fn
	d.globalMu.Unlock()
	return tok
}

// RemoveGlobalListener unregisters a global listener.
func (d *Dispatcher) RemoveGlobalListener(tok Token) {
	d.globalMu.Lock()
	delete(d.globals, tok)
	d.globalMu.Unlock()
}

// Close stops every worker and waits for running listeners to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.byClass = make(map[string]map[*Results]struct{})
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) token() Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTok++
	return d.nextTok
}

func (d *Dispatcher) forget(r *Results) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.byClass[r.query.Class]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(d.byClass, r.query.Class)
		}
	}
}

func (d *Dispatcher) globalLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.globalWake:
		}

		d.globalMu.Lock()
		e := d.latest
		listeners := make([]GlobalListener, 0, len(d.globals))
		for _, fn := range d.globals {
			listeners = append(listeners, fn)
		}
		d.globalMu.Unlock()

		for _, fn := range listeners {
			if d.ctx.Err() != nil {
				return
			}
			fn(e)
		}
	}
}
