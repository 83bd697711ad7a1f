// Package server is the remote authority replicas sync with.
//
// Every synced path has a linear history of changesets. Clients bind a
// websocket session to a path, receive the history they have not seen, and
// upload their own changesets, which the server appends and fans out to the
// other sessions bound to the same path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/replicasync/replica/internal/replica/metrics"
)

// Server manages sync sessions and the auth endpoint.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    *Store
	config   *Config

	// Bound sessions by path
	sessions   map[string]map[*session]struct{}
	sessionsMu sync.RWMutex

	// Paths with new history
	broadcast chan string

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *log.Logger
	metrics *metrics.Metrics
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 7800, 0 picks a free port)
	Port int

	// DBPath is the server database (default: replica-server.db)
	DBPath string

	// TokenTTL is how long issued tokens stay valid (default: 24h)
	TokenTTL time.Duration

	// BatchSize caps changesets per download message (default: 100)
	BatchSize int

	// BindTimeout bounds the wait for the bind message (default: 10s)
	BindTimeout time.Duration

	// AllowCreateUser lets /auth register new users
	AllowCreateUser bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger

	// Metrics is optional
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:            7800,
		DBPath:          "replica-server.db",
		TokenTTL:        24 * time.Hour,
		BatchSize:       100,
		BindTimeout:     10 * time.Second,
		AllowCreateUser: true,
	}
}

// NewServer opens the server database and starts the fan-out loop. Stop
// must be called to release both.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DBPath == "" {
		config.DBPath = defaults.DBPath
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = defaults.TokenTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BindTimeout == 0 {
		config.BindTimeout = defaults.BindTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	store, err := OpenStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		store:     store,
		config:    config,
		sessions:  make(map[string]map[*session]struct{}),
		broadcast: make(chan string, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	return s, nil
}

// Handler returns the HTTP routes. Start serves them; tests can mount them
// on an httptest server instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start begins the HTTP server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	s.cancel()

	s.sessionsMu.Lock()
	for _, bound := range s.sessions {
		for sess := range bound {
			_ = sess.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
	}
	s.sessionsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		return err
	}
	s.logger.Println("Sync server stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SessionCount returns the number of bound sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	n := 0
	for _, bound := range s.sessions {
		n += len(bound)
	}
	return n
}

// AddUser registers a user.
func (s *Server) AddUser(ctx context.Context, username, password string) (*User, error) {
	return s.store.AddUser(ctx, username, password)
}

// ListUsers returns all registered users.
func (s *Server) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// Broadcast tells the sessions bound to path that its history grew.
func (s *Server) Broadcast(path string) {
	select {
	case s.broadcast <- path:
	case <-s.ctx.Done():
	default:
		// Wakes are idempotent, so a full queue is handled inline.
		s.wakePath(path)
	}
}

// broadcastLoop wakes the sessions of each path with new history
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case path := <-s.broadcast:
			s.wakePath(path)
		}
	}
}

func (s *Server) wakePath(path string) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for sess := range s.sessions[path] {
		sess.notify()
	}
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	bound := s.sessions[sess.path]
	if bound == nil {
		bound = make(map[*session]struct{})
		s.sessions[sess.path] = bound
	}
	bound[sess] = struct{}{}
	s.sessionsMu.Unlock()

	s.metrics.SessionBound(1)
	s.logger.Printf("Session bound: path=%s peer=%s", sess.path, sess.peer)
}

func (s *Server) removeSession(sess *session) {
	s.sessionsMu.Lock()
	bound := s.sessions[sess.path]
	delete(bound, sess)
	if len(bound) == 0 {
		delete(s.sessions, sess.path)
	}
	s.sessionsMu.Unlock()

	s.metrics.SessionBound(-1)
	s.logger.Printf("Session closed: path=%s peer=%s", sess.path, sess.peer)
}

// handleSync upgrades to a websocket and runs one session until it ends.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(32 << 20)

	sess, err := s.bind(s.ctx, conn)
	if err != nil {
		s.reject(conn, err)
		return
	}

	s.addSession(sess)
	defer s.removeSession(sess)

	err = sess.serve(s.ctx)
	switch {
	case err == nil, s.ctx.Err() != nil, websocket.CloseStatus(err) != -1:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.logger.Printf("Session error: path=%s peer=%s: %v", sess.path, sess.peer, err)
		_ = conn.Close(websocket.StatusInternalError, "session failed")
	}
}

// authRequest is the body of POST /auth.
type authRequest struct {
	Provider   string `json:"provider"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	CreateUser bool   `json:"create_user"`
}

// authResponse is returned by a successful login.
type authResponse struct {
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ServerURL string    `json:"server_url"`
}

// handleAuth logs a user in with a password, registering it first when
// create_user is set and allowed.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider != "" && req.Provider != "password" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported provider %q", req.Provider))
		return
	}

	ctx := r.Context()
	if req.CreateUser {
		if !s.config.AllowCreateUser {
			writeError(w, http.StatusForbidden, "user registration is disabled")
			return
		}
		if _, err := s.store.AddUser(ctx, req.Username, req.Password); err != nil && !errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	identity, err := s.store.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("Authentication failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expires, err := s.store.IssueToken(ctx, identity, s.config.TokenTTL)
	if err != nil {
		s.logger.Printf("Token issue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, authResponse{
		Identity:  identity,
		Token:     token,
		ExpiresAt: expires,
		ServerURL: fmt.Sprintf("%s://%s/sync", scheme, r.Host),
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
