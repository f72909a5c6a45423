// Package peerserver is the Master-side WebSocket endpoint for Satellites and
// mobile devices. One socket carries modern request/response frames, server
// events and legacy scanner frames.
package peerserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"giro/internal/giro"
	"giro/internal/protocol"
)

const (
	DefaultPort           = 3847
	DefaultPath           = "/ws"
	DefaultMaxConnections = 10
	DefaultIdleTimeout    = 300 * time.Second
	// DefaultSendBuffer bounds the frames queued for one socket. A socket
	// whose queue is full is closed and must resync.
	DefaultSendBuffer = 100

	writeTimeout = 10 * time.Second
)

var ErrMissingJWTSecret = errors.New("JWT_SECRET is required for the peer server")

type Config struct {
	Addr           string
	Path           string
	MaxConnections int
	IdleTimeout    time.Duration
	SendBuffer     int
	JWTSecret      string
	// Secret is the shared satellite secret for auth.system. When empty the
	// network.secret setting is read on every attempt.
	Secret      string
	SessionTTL  time.Duration
	MaxSessions int
	Version     string
	NodeName    string
	StoreName   string
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":" + strconv.Itoa(DefaultPort),
		Path:           DefaultPath,
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    DefaultIdleTimeout,
		SendBuffer:     DefaultSendBuffer,
		SessionTTL:     DefaultSessionTTL,
		MaxSessions:    DefaultMaxSessions,
	}
}

// Store is the slice of local state the handlers touch.
type Store interface {
	giro.SettingsStore
	giro.EntityStore
	giro.PendingQueue
	giro.SaleStore
}

// Authenticator resolves an operator PIN to an employee.
type Authenticator interface {
	AuthenticatePIN(ctx context.Context, pin string) (*giro.Employee, error)
}

type Deps struct {
	Store  Store
	Auth   Authenticator
	Logger giro.Logger
	Clock  giro.Clock
	IDs    giro.IDGenerator
	Mode   func() giro.OperationMode
}

// ConnInfo describes one open socket.
type ConnInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping"`
	EmployeeID  string    `json:"employee_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	Scanner     bool      `json:"scanner"`
}

type Server struct {
	cfg      Config
	store    Store
	auth     Authenticator
	logger   giro.Logger
	clock    giro.Clock
	ids      giro.IDGenerator
	mode     func() giro.OperationMode
	sessions *SessionManager
	routes   map[string]handlerFunc
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*conn
	reserved int
}

// New validates cfg and wires the handlers. The JWT secret is mandatory.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if deps.Store == nil {
		return nil, errors.New("peer server requires a store")
	}
	if deps.Logger == nil {
		deps.Logger = giro.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = giro.RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = giro.UUIDGenerator{}
	}
	if deps.Mode == nil {
		deps.Mode = func() giro.OperationMode { return giro.ModeMaster }
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		auth:     deps.Auth,
		logger:   deps.Logger,
		clock:    deps.Clock,
		ids:      deps.IDs,
		mode:     deps.Mode,
		sessions: NewSessionManager(cfg.JWTSecret, cfg.SessionTTL, cfg.MaxSessions, deps.Clock, deps.IDs),
		routes:   make(map[string]handlerFunc),
		conns:    make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Scanners connect from phone apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerHandlers()
	return s, nil
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Handler returns the HTTP routes: the WebSocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get(s.cfg.Path, s.serveWS)
	return r
}

// ListenAndServe serves until ctx is cancelled, then closes every socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("peer server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeAll()
		s.sessions.InvalidateAll()
		if err != nil {
			return fmt.Errorf("shutting down peer server: %w", err)
		}
		return nil
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving peers: %w", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"mode":        s.mode().String(),
		"connections": s.ConnectionCount(),
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		s.logger.Warn("connection refused: limit reached", "addr", r.RemoteAddr, "max", s.cfg.MaxConnections)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "connection limit reached"})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	now := s.clock.Now()
	c := newConn(s, ws, ConnInfo{
		ID:          s.ids.New(),
		Addr:        r.RemoteAddr,
		ConnectedAt: now,
		LastPing:    now,
	})
	s.mu.Lock()
	s.reserved--
	s.conns[c.info.ID] = c
	s.mu.Unlock()
	s.logger.Info("peer connected", "conn", c.info.ID, "addr", c.info.Addr)

	go c.writeLoop()
	c.readLoop()
}

// reserve claims a registry slot before the upgrade so that the cap holds
// under concurrent handshakes.
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns)+s.reserved >= s.cfg.MaxConnections {
		return false
	}
	s.reserved++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.info.ID)
	s.mu.Unlock()
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the registry, oldest first.
func (s *Server) Connections() []ConnInfo {
	s.mu.RLock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// InvalidateAll revokes every session. Sockets bound to a revoked session
// are closed on their next request.
func (s *Server) InvalidateAll() {
	s.sessions.InvalidateAll()
	s.logger.Info("all peer sessions invalidated")
}

// Emit broadcasts an event to every authenticated socket. A socket that
// cannot take the frame is closed.
func (s *Server) Emit(event string, data any) error {
	ev, err := protocol.NewEvent(event, data, s.clock.Now())
	if err != nil {
		return err
	}
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.authenticated() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(ev) {
			s.logger.Warn("dropping lagging peer", "conn", c.info.ID, "event", event)
			c.close("send buffer full")
		}
	}
	return nil
}

func (s *Server) closeAll() {
	s.mu.RLock()
	all := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.mu.RUnlock()
	for _, c := range all {
		c.close("server shutdown")
	}
}

// sharedSecret returns the configured satellite secret or the one stored in
// settings.
func (s *Server) sharedSecret(ctx context.Context) (string, error) {
	if s.cfg.Secret != "" {
		return s.cfg.Secret, nil
	}
	v, _, err := s.store.GetSetting(ctx, giro.SettingSecret)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", giro.SettingSecret, err)
	}
	return v, nil
}
