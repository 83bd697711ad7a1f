package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/protocol"
)

// State is the connection state of a session.
type State int

const (
	StateInactive State = iota
	StateConnecting
	StateActive
	StateError
)

var stateNames = []string{"inactive", "connecting", "active", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrStopped is returned by waits on a session that is not running.
	ErrStopped = errors.New("session stopped")

	// ErrNoUser is returned by Start without a logged-in user.
	ErrNoUser = errors.New("session has no logged-in user")
)

// Config configures a Session.
type Config struct {
	// ServerURL is the websocket endpoint (default: User.ServerURL)
	ServerURL string

	// Path is the synced path, e.g. "~/cars"
	Path string

	// User supplies the access token
	User *auth.User

	// ErrorHandler receives session errors (default: log them)
	ErrorHandler func(error)

	// WaitForInitialRemoteData asks the opener to block until the first
	// download completes
	WaitForInitialRemoteData bool

	// UploadBatch caps changesets per upload message (default: 100)
	UploadBatch int

	// PollInterval is the journal tail interval (default: 250ms)
	PollInterval time.Duration

	// ReconnectMin and ReconnectMax bound the reconnect delay
	// (default: 250ms and 30s)
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// DialTimeout bounds connection setup (default: 10s)
	DialTimeout time.Duration

	// Logger for session activity (default: stderr logger)
	Logger *log.Logger

	// Metrics is optional
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.ServerURL == "" && c.User != nil {
		c.ServerURL = c.User.ServerURL
	}
	if c.UploadBatch <= 0 {
		c.UploadBatch = 100
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = 250 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return c
}

// Token identifies a registered listener.
type Token uint64

// StateListener is called on every state transition.
type StateListener func(old, new State)

// Direction selects upload or download progress.
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Progress reports how far a direction has come. Upload positions are local
// journal versions, download positions are server versions.
type Progress struct {
	Direction    Direction
	Transferred  int64
	Transferable int64
}

// Complete reports whether everything known has been transferred.
func (p Progress) Complete() bool {
	return p.Transferred >= p.Transferable
}

// ProgressListener receives progress. Listeners run on the session's
// goroutines and must return quickly.
type ProgressListener func(Progress)

type progressListener struct {
	dir Direction
	fn  ProgressListener
}

// Session synchronizes one local database with one server path.
type Session struct {
	db      *db.DB
	config  Config
	logger  *log.Logger
	metrics *metrics.Metrics

	mu      gosync.Mutex
	running bool
	state   State
	err     error

	// changed is closed and replaced whenever a wait condition may have
	// changed.
	changed chan struct{}

	// caughtUp is set once the current connection finished its initial
	// download; initial stays set across reconnects.
	caughtUp bool
	initial  bool

	acked       int64
	localLatest int64
	downloaded  int64
	inflight    []int64

	nextTok           Token
	stateListeners    map[Token]StateListener
	progressListeners map[Token]progressListener

	uploadWake chan struct{}

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewSession creates a stopped session for database.
func NewSession(database *db.DB, config Config) *Session {
	config = config.withDefaults()
	s := &Session{
		db:                database,
		config:            config,
		logger:            config.Logger,
		metrics:           config.Metrics,
		changed:           make(chan struct{}),
		stateListeners:    make(map[Token]StateListener),
		progressListeners: make(map[Token]progressListener),
		uploadWake:        make(chan struct{}, 1),
	}
	database.OnCommit(s.committed)
	return s
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.config
}

// Start connects in the background. It returns immediately; use the Wait
// methods to block on progress.
func (s *Session) Start() error {
	if s.config.User == nil {
		return ErrNoUser
	}

	st, err := s.db.SyncState(context.Background())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.err = nil
	s.initial = false
	s.cancel = cancel
	s.acked = st.LastAckedVersion
	s.localLatest = st.LatestLocalVersion
	s.downloaded = st.LastServerVersion
	s.signalLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop closes the connection and waits for the session to wind down.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.signalLocked()
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if s.State() != StateError {
		s.setState(StateInactive)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that put the session in StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitForInitialRemoteData blocks until the first complete download since
// Start.
func (s *Session) WaitForInitialRemoteData(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.initial })
}

// WaitForDownloadCompletion blocks until the current connection has
// integrated the server history.
func (s *Session) WaitForDownloadCompletion(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.caughtUp })
}

// WaitForUploadCompletion blocks until every local change committed before
// the call is acknowledged by the server.
func (s *Session) WaitForUploadCompletion(ctx context.Context) error {
	s.mu.Lock()
	target := s.localLatest
	s.mu.Unlock()
	return s.waitFor(ctx, func() bool { return s.acked >= target })
}

// waitFor blocks until done (evaluated under mu) holds, the session fails or
// stops, or ctx ends.
func (s *Session) waitFor(ctx context.Context, done func() bool) error {
	for {
		s.mu.Lock()
		ok := done()
		err := s.err
		if err == nil && !s.running {
			err = ErrStopped
		}
		ch := s.changed
		s.mu.Unlock()

		if ok {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// AddStateListener registers fn for state transitions.
func (s *Session) AddStateListener(fn StateListener) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTok++
	s.stateListeners[s.nextTok] = fn
	return s.nextTok
}

// RemoveStateListener unregisters a state listener.
func (s *Session) RemoveStateListener(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stateListeners, tok)
}

// AddProgressListener registers fn for progress in dir.
func (s *Session) AddProgressListener(dir Direction, fn ProgressListener) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTok++
	s.progressListeners[s.nextTok] = progressListener{dir: dir, fn: fn}
	return s.nextTok
}

// RemoveProgressListener unregisters a progress listener.
func (s *Session) RemoveProgressListener(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progressListeners, tok)
}

func (s *Session) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	old := s.state
	if old == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.signalLocked()
	listeners := make([]StateListener, 0, len(s.stateListeners))
	for _, fn := range s.stateListeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	s.metrics.SetSessionState(state.String(), stateNames)
	s.logger.Printf("Session %s -> %s", old, state)
	for _, fn := range listeners {
		fn(old, state)
	}
}

// progressLocked snapshots progress in dir and the listeners to tell.
func (s *Session) progressLocked(dir Direction) (Progress, []ProgressListener) {
	p := Progress{Direction: dir}
	if dir == DirectionUpload {
		p.Transferred, p.Transferable = s.acked, s.localLatest
	} else {
		p.Transferred, p.Transferable = s.downloaded, s.downloaded
	}
	var fns []ProgressListener
	for _, l := range s.progressListeners {
		if l.dir == dir {
			fns = append(fns, l.fn)
		}
	}
	return p, fns
}

func notifyProgress(p Progress, fns []ProgressListener) {
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	if s.config.ErrorHandler != nil {
		s.config.ErrorHandler(err)
		return
	}
	s.logger.Printf("Session error: %v", err)
}

// fail moves to StateError. Waiters are released last so they observe the
// final state.
func (s *Session) fail(err error) {
	s.setState(StateError)
	s.report(err)

	s.mu.Lock()
	s.err = err
	s.signalLocked()
	s.mu.Unlock()
}

// committed is the db commit hook: local entries wake the upload loop.
func (s *Session) committed(e *journal.Entry) {
	if e.Origin != journal.OriginLocal {
		return
	}

	s.mu.Lock()
	if e.Version > s.localLatest {
		s.localLatest = e.Version
	}
	p, fns := s.progressLocked(DirectionUpload)
	s.mu.Unlock()

	select {
	case s.uploadWake <- struct{}{}:
	default:
	}
	notifyProgress(p, fns)
}

// IsFatal reports whether err should stop reconnecting.
func IsFatal(err error) bool {
	var body *protocol.ErrorBody
	return errors.As(err, &body) && body.Fatal
}

// run connects until Stop or a fatal error.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Every(s.config.ReconnectMin), 1)
	delay := s.config.ReconnectMin

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if attempt > 0 {
			s.metrics.Reconnected()
		}

		s.setState(StateConnecting)
		wasActive, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if IsFatal(err) {
			s.fail(err)
			return
		}
		s.report(err)

		if wasActive {
			delay = s.config.ReconnectMin
		}
		s.logger.Printf("Connection lost, reconnecting in %v", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, s.config.ReconnectMax)
	}
}

// connect runs one connection until it fails. wasActive reports whether it
// got as far as catching up.
func (s *Session) connect(ctx context.Context) (wasActive bool, err error) {
	st, err := s.db.SyncState(ctx)
	if err != nil {
		return false, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	conn, _, err := websocket.Dial(dctx, s.config.ServerURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to connect to %s: %w", s.config.ServerURL, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(32 << 20)

	bind := protocol.NewBind(s.config.User.Token, s.config.Path, s.db.PeerID(), st.LastServerVersion)
	if err := protocol.Write(ctx, conn, bind); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.downloadLoop(gctx, conn) })
	g.Go(func() error { return s.uploadLoop(gctx, conn, st.LastAckedVersion) })
	err = g.Wait()

	s.mu.Lock()
	wasActive = s.caughtUp
	s.caughtUp = false
	s.signalLocked()
	s.mu.Unlock()
	return wasActive, err
}

// uploadLoop sends local entries after the acked position.
func (s *Session) uploadLoop(ctx context.Context, conn *websocket.Conn, after int64) error {
	cfg := journal.WatchConfig{
		After:        after,
		PollInterval: s.config.PollInterval,
		Limit:        s.config.UploadBatch,
		Wake:         s.uploadWake,
		Logger:       s.logger,
	}
	return journal.Watch(ctx, s.db.LocalSource(), cfg, func(entries []*journal.Entry) error {
		changesets := make([]journal.Changeset, 0, len(entries))
		versions := make([]int64, 0, len(entries))
		for _, e := range entries {
			cs := e.Changeset
			cs.ClientVersion = e.Version
			changesets = append(changesets, cs)
			versions = append(versions, e.Version)
		}

		s.mu.Lock()
		s.inflight = append(s.inflight, versions...)
		s.mu.Unlock()

		return protocol.Write(ctx, conn, protocol.NewUpload(changesets))
	})
}

// downloadLoop handles every server message.
func (s *Session) downloadLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, err := protocol.Read(ctx, conn)
		if err != nil {
			return err
		}

		switch msg.Type {
		case protocol.TypeDownload:
			if err := s.integrate(ctx, msg.Download); err != nil {
				return err
			}
		case protocol.TypeAck:
			if err := s.acknowledge(ctx, msg.Ack); err != nil {
				return err
			}
		case protocol.TypeError:
			if !msg.Error.Fatal && msg.Error.Code == protocol.CodeBadRequest {
				s.report(msg.Error)
				continue
			}
			return msg.Error
		default:
			s.report(fmt.Errorf("unexpected %s message from server", msg.Type))
		}
	}
}

// integrate applies downloaded changesets in server order.
func (s *Session) integrate(ctx context.Context, d *protocol.Download) error {
	for _, cs := range d.Changesets {
		if _, err := s.db.Apply(ctx, cs); err != nil {
			return fmt.Errorf("failed to apply server version %d: %w", cs.ServerVersion, err)
		}
		s.metrics.Downloaded(len(cs.Instructions))
	}
	if err := s.db.SetLastServerVersion(ctx, d.LatestServerVersion); err != nil {
		return err
	}

	s.setState(StateActive)

	s.mu.Lock()
	if d.LatestServerVersion > s.downloaded {
		s.downloaded = d.LatestServerVersion
	}
	if d.CaughtUp {
		s.caughtUp = true
		s.initial = true
	}
	s.signalLocked()
	p, fns := s.progressLocked(DirectionDownload)
	s.mu.Unlock()

	notifyProgress(p, fns)
	return nil
}

// acknowledge records an ack and retires the changesets it covers.
func (s *Session) acknowledge(ctx context.Context, ack *protocol.Ack) error {
	if err := s.db.SetLastAcked(ctx, ack.ClientVersion); err != nil {
		return err
	}

	s.mu.Lock()
	if ack.ClientVersion > s.acked {
		s.acked = ack.ClientVersion
	}
	retired := 0
	remaining := s.inflight[:0]
	for _, v := range s.inflight {
		if v <= ack.ClientVersion {
			retired++
			continue
		}
		remaining = append(remaining, v)
	}
	s.inflight = remaining
	s.signalLocked()
	p, fns := s.progressLocked(DirectionUpload)
	s.mu.Unlock()

	s.metrics.Uploaded(retired)
	notifyProgress(p, fns)
	return nil
}
