// Package connmgr is the single source of truth for a node's peers, its
// operation mode and peer health. It publishes a typed event stream consumed
// by the UI and the sync orchestrator.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"giro/internal/discovery"
	"giro/internal/giro"
)

const (
	eventBuffer     = 100
	recentErrorsCap = 100
)

var (
	ErrNotSatellite       = errors.New("only a satellite can bind a master")
	ErrMasterAlreadyBound = errors.New("a different master is already bound")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrInvalidPeer        = errors.New("invalid peer address")
)

// Config selects the mode and timings for a run of the manager.
type Config struct {
	Mode              giro.OperationMode
	Port              int
	NodeName          string
	StoreName         string
	Version           string
	EnableMDNS        bool
	AutoDiscovery     bool
	HealthInterval    time.Duration
	DiscoveryInterval time.Duration
	BrowseTimeout     time.Duration
	ProbeTimeout      time.Duration
}

// DefaultConfig returns the standard timings for the given mode.
func DefaultConfig(mode giro.OperationMode) Config {
	return Config{
		Mode:              mode,
		Port:              discovery.DefaultPort,
		Version:           "1.0.0",
		EnableMDNS:        true,
		AutoDiscovery:     true,
		HealthInterval:    30 * time.Second,
		DiscoveryInterval: 30 * time.Second,
		BrowseTimeout:     5 * time.Second,
		ProbeTimeout:      500 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Mode)
	if c.Mode == "" {
		c.Mode = giro.ModeStandalone
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = def.DiscoveryInterval
	}
	if c.BrowseTimeout <= 0 {
		c.BrowseTimeout = def.BrowseTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
}

// SessionInvalidator drops every live session when the manager stops.
type SessionInvalidator interface {
	InvalidateAll()
}

// Manager owns the peer registry.
type Manager struct {
	settings  giro.SettingsStore
	announcer discovery.Announcer
	browser   discovery.Browser
	prober    discovery.Prober
	logger    giro.Logger
	clock     giro.Clock

	mu           sync.RWMutex
	cfg          Config
	running      bool
	startedAt    time.Time
	peers        map[string]*Peer
	masterID     string
	candidateID  string
	sessions     SessionInvalidator
	registration discovery.Registration
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	errMu  sync.Mutex
	errors []ErrorRecord

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

func WithAnnouncer(a discovery.Announcer) Option { return func(m *Manager) { m.announcer = a } }
func WithBrowser(b discovery.Browser) Option     { return func(m *Manager) { m.browser = b } }
func WithProber(p discovery.Prober) Option       { return func(m *Manager) { m.prober = p } }
func WithLogger(l giro.Logger) Option            { return func(m *Manager) { m.logger = l } }
func WithClock(c giro.Clock) Option              { return func(m *Manager) { m.clock = c } }

// WithSessions registers the session registry cleared on Stop.
func WithSessions(s SessionInvalidator) Option { return func(m *Manager) { m.sessions = s } }

func New(settings giro.SettingsStore, opts ...Option) *Manager {
	m := &Manager{
		settings:  settings,
		announcer: discovery.NewMDNSAnnouncer(),
		browser:   discovery.NewMDNSBrowser(),
		logger:    giro.NewNopLogger(),
		clock:     giro.RealClock{},
		peers:     make(map[string]*Peer),
		subs:      make(map[int]chan Event),
		cfg:       DefaultConfig(giro.ModeStandalone),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.prober = discovery.TCPProber{Timeout: m.cfg.ProbeTimeout}
	}
	return m
}

// SetSessions registers the session registry after construction, for
// servers built after the manager.
func (m *Manager) SetSessions(s SessionInvalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = s
}

// Start brings the node up in cfg.Mode. Calling Start on a running manager
// is a no-op; a mode change needs Stop first.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	cfg.applyDefaults()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.cfg = cfg
	m.running = true
	m.startedAt = m.clock.Now()
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.persistNetworkSettings(ctx, cfg); err != nil {
		m.recordError("settings", err)
	}

	if cfg.EnableMDNS && !cfg.Mode.IsSatellite() {
		reg, err := m.announcer.Announce(discovery.Announcement{
			Instance: cfg.NodeName,
			Port:     cfg.Port,
			Version:  cfg.Version,
			Store:    cfg.StoreName,
			Mode:     cfg.Mode.String(),
		})
		if err != nil {
			// Multicast is optional; static IPs and the subnet scan still work.
			m.recordError("mdns", err)
		} else {
			m.mu.Lock()
			m.registration = reg
			m.mu.Unlock()
		}
	}

	m.wg.Add(1)
	go m.healthLoop(loopCtx, cfg.HealthInterval)

	if cfg.Mode != giro.ModeStandalone && cfg.AutoDiscovery {
		m.wg.Add(1)
		go m.discoveryLoop(loopCtx, cfg.DiscoveryInterval)
	}

	m.logger.Info("connection manager started", "mode", cfg.Mode.String(), "port", cfg.Port)
	m.emit(Event{Kind: EventStarted, Mode: cfg.Mode})
	return nil
}

func (m *Manager) persistNetworkSettings(ctx context.Context, cfg Config) error {
	if m.settings == nil {
		return nil
	}
	if err := m.settings.SetSetting(ctx, giro.SettingMode, cfg.Mode.String()); err != nil {
		return fmt.Errorf("persisting mode: %w", err)
	}
	if err := m.settings.SetSetting(ctx, giro.SettingWebSocketPort, strconv.Itoa(cfg.Port)); err != nil {
		return fmt.Errorf("persisting port: %w", err)
	}
	return nil
}

// Stop cancels the background loops, clears peers and invalidates every
// session. Calling Stop twice is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	reg := m.registration
	sessions := m.sessions
	m.registration = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	if reg != nil {
		reg.Shutdown()
	}
	if sessions != nil {
		sessions.InvalidateAll()
	}

	m.mu.Lock()
	m.peers = make(map[string]*Peer)
	m.masterID = ""
	m.candidateID = ""
	mode := m.cfg.Mode
	m.mu.Unlock()

	m.logger.Info("connection manager stopped")
	m.emit(Event{Kind: EventStopped, Mode: mode})
}

func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) Mode() giro.OperationMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Mode
}

// AddPeer registers a peer by hand. Adding a known peer only updates its name.
func (m *Manager) AddPeer(ip string, port int, name string) (Peer, error) {
	if ip == "" || port <= 0 || port > 65535 {
		return Peer{}, ErrInvalidPeer
	}
	id := PeerID(ip, port)

	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		if name != "" {
			p.Name = name
		}
		snap := *p
		m.mu.Unlock()
		return snap, nil
	}
	p = &Peer{ID: id, IP: ip, Port: port, Name: name, Status: StatusDiscovered}
	m.peers[id] = p
	snap := *p
	m.mu.Unlock()

	m.emit(Event{Kind: EventPeerDiscovered, Peer: &snap})
	return snap, nil
}

func (m *Manager) RemovePeer(id string) error {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return ErrPeerNotFound
	}
	delete(m.peers, id)
	wasMaster := m.masterID == id
	if wasMaster {
		m.masterID = ""
	}
	if m.candidateID == id {
		m.candidateID = ""
	}
	snap := *p
	m.mu.Unlock()

	m.emit(Event{Kind: EventPeerRemoved, Peer: &snap})
	if wasMaster {
		m.emit(Event{Kind: EventMasterDisconnected, Peer: &snap})
	}
	return nil
}

// ConnectToMaster binds this Satellite to a Master. Binding the same master
// again succeeds; binding a different one requires DisconnectMaster first.
func (m *Manager) ConnectToMaster(ip string, port int) (Peer, error) {
	if ip == "" || port <= 0 || port > 65535 {
		return Peer{}, ErrInvalidPeer
	}
	id := PeerID(ip, port)

	m.mu.Lock()
	if !m.cfg.Mode.IsSatellite() {
		m.mu.Unlock()
		return Peer{}, ErrNotSatellite
	}
	if m.masterID != "" && m.masterID != id {
		m.mu.Unlock()
		return Peer{}, ErrMasterAlreadyBound
	}
	p, ok := m.peers[id]
	if !ok {
		p = &Peer{ID: id, IP: ip, Port: port, Status: StatusDiscovered}
		m.peers[id] = p
	}
	p.IsMaster = true
	already := m.masterID == id
	m.masterID = id
	snap := *p
	m.mu.Unlock()

	if !already {
		m.logger.Info("master bound", "peer", id)
		m.emit(Event{Kind: EventMasterConnected, Peer: &snap})
	}
	return snap, nil
}

// DisconnectMaster releases the bound master, keeping it as a known peer.
func (m *Manager) DisconnectMaster() {
	m.mu.Lock()
	id := m.masterID
	m.masterID = ""
	var snap *Peer
	if p, ok := m.peers[id]; ok {
		cp := *p
		snap = &cp
	}
	m.mu.Unlock()

	if id != "" {
		m.emit(Event{Kind: EventMasterDisconnected, Peer: snap})
	}
}

// Master returns the bound master, if any.
func (m *Manager) Master() (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[m.masterID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// MasterCandidate returns the first master found by discovery.
func (m *Manager) MasterCandidate() (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[m.candidateID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a snapshot of every known peer ordered by id.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Peer(id string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (m *Manager) OnlinePeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineLocked()
}

func (m *Manager) onlineLocked() int {
	n := 0
	for _, p := range m.peers {
		if p.Status == StatusOnline || p.Status == StatusConnected {
			n++
		}
	}
	return n
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Mode:        m.cfg.Mode,
		Running:     m.running,
		StartedAt:   m.startedAt,
		TotalPeers:  len(m.peers),
		OnlinePeers: m.onlineLocked(),
		MasterID:    m.masterID,
	}
	m.mu.RUnlock()

	m.errMu.Lock()
	st.ErrorCount = len(m.errors)
	m.errMu.Unlock()
	return st
}

// RecentErrors returns up to the last 100 errors, oldest first.
func (m *Manager) RecentErrors() []ErrorRecord {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return append([]ErrorRecord(nil), m.errors...)
}

func (m *Manager) recordError(source string, err error) {
	rec := ErrorRecord{At: m.clock.Now(), Source: source, Message: err.Error()}

	m.errMu.Lock()
	m.errors = append(m.errors, rec)
	if len(m.errors) > recentErrorsCap {
		m.errors = m.errors[len(m.errors)-recentErrorsCap:]
	}
	m.errMu.Unlock()

	m.logger.Warn("connection manager error", "source", source, "error", err)
	m.emit(Event{Kind: EventError, Message: source + ": " + err.Error()})
}

// Subscribe returns a channel of events and a cancel func. A subscriber that
// falls 100 events behind is dropped and its channel closed.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			delete(m.subs, id)
			close(ch)
			m.logger.Warn("dropped slow event subscriber", "subscriber", id)
		}
	}
}
