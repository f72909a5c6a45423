// Package netclient is the Satellite side of the LAN link: it finds the
// Master, keeps one authenticated WebSocket open to it, replays the Master's
// broadcasts into the local store and forwards local changes upstream.
package netclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"giro/internal/discovery"
	"giro/internal/giro"
	"giro/internal/protocol"
)

const (
	DefaultMasterPort     = 3847
	DefaultPath           = "/ws"
	DefaultHeartbeat      = 15 * time.Second
	DefaultAutoSync       = 300 * time.Second
	DefaultBrowseTimeout  = 15 * time.Second
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to a master")
	ErrNoMaster     = errors.New("no master found")
	ErrNoSecret     = errors.New("no network secret configured")
)

type Config struct {
	// MasterIP pins the master. When empty the network.master_ip setting is
	// read, then mDNS is browsed.
	MasterIP   string
	MasterPort int
	Path       string
	// Secret authenticates this terminal. When empty network.secret is read.
	Secret       string
	TerminalID   string
	TerminalName string

	Heartbeat      time.Duration
	AutoSync       time.Duration
	BrowseTimeout  time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:           DefaultPath,
		Heartbeat:      DefaultHeartbeat,
		AutoSync:       DefaultAutoSync,
		BrowseTimeout:  DefaultBrowseTimeout,
		BackoffBase:    DefaultBackoffBase,
		BackoffMax:     DefaultBackoffMax,
		RequestTimeout: DefaultRequestTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.AutoSync <= 0 {
		c.AutoSync = d.AutoSync
	}
	if c.BrowseTimeout <= 0 {
		c.BrowseTimeout = d.BrowseTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.TerminalID == "" {
		if host, err := os.Hostname(); err == nil {
			c.TerminalID = host
		}
	}
	if c.TerminalName == "" {
		c.TerminalName = c.TerminalID
	}
}

// Store is the slice of local state the client reads and replicates into.
type Store interface {
	giro.SettingsStore
	ApplyEntity(ctx context.Context, e giro.Entity) (bool, error)
}

type Deps struct {
	Store Store
	// Browser is used when no master address is configured. Nil disables discovery.
	Browser discovery.Browser
	Logger  giro.Logger
	Clock   giro.Clock
	// SettingApplied, when set, is called with the key of every replicated
	// setting written to the store.
	SettingApplied func(key string)
}

type Client struct {
	cfg     Config
	store   Store
	browser discovery.Browser
	logger  giro.Logger
	clock   giro.Clock
	dialer  *websocket.Dialer

	settingApplied func(key string)

	nextID atomic.Uint64

	mu    sync.RWMutex
	state State
	live  *link

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, deps Deps) *Client {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = giro.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = giro.RealClock{}
	}
	return &Client{
		cfg:     cfg,
		store:   deps.Store,
		browser: deps.Browser,
		logger:  deps.Logger,
		clock:   deps.Clock,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},

		settingApplied: deps.SettingApplied,
		state:   State{Kind: Disconnected},
		subs:    make(map[int]chan Event),
		stop:    make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventStateChanged, State: s})
	}
}

// Run keeps a connection to the Master until ctx ends or Stop is called,
// reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)
	defer c.setState(State{Kind: Disconnected})

	for {
		if c.stopped() {
			return nil
		}
		ip, port, err := c.resolveMaster(ctx)
		if err == nil {
			addr := net.JoinHostPort(ip, strconv.Itoa(port))
			var established bool
			established, err = c.connect(ctx, addr)
			if established {
				backoff.Reset()
			}
		}
		if err != nil && ctx.Err() == nil && !c.stopped() {
			c.logger.Warn("master connection failed", "error", err)
			c.emit(Event{Kind: EventError, Error: err.Error()})
		}
		c.setState(State{Kind: Disconnected})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.stopped() {
			return nil
		}
		delay := backoff.Next()
		c.emit(Event{Kind: EventReconnecting, Attempt: backoff.Attempt(), Delay: delay})
		c.logger.Info("reconnecting to master", "attempt", backoff.Attempt(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Stop closes the live connection with a normal close frame and ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// resolveMaster prefers the configured address, then the persisted one,
// then an mDNS browse.
func (c *Client) resolveMaster(ctx context.Context) (string, int, error) {
	ip, port := c.cfg.MasterIP, c.cfg.MasterPort
	if ip == "" && c.store != nil {
		v, ok, err := c.store.GetSetting(ctx, giro.SettingMasterIP)
		if err != nil {
			return "", 0, fmt.Errorf("reading master address: %w", err)
		}
		if ok {
			ip = strings.TrimSpace(v)
		}
		if p, ok, err := c.store.GetSetting(ctx, giro.SettingMasterPort); err == nil && ok {
			port, _ = strconv.Atoi(strings.TrimSpace(p))
		}
	}
	if ip != "" {
		if port <= 0 {
			port = DefaultMasterPort
		}
		return ip, port, nil
	}

	if c.browser == nil {
		return "", 0, ErrNoMaster
	}
	c.setState(State{Kind: Searching})
	records, err := c.browser.Browse(ctx, c.cfg.BrowseTimeout)
	if err != nil {
		return "", 0, fmt.Errorf("browsing for master: %w", err)
	}
	rec, ok := pickMaster(records)
	if !ok {
		return "", 0, ErrNoMaster
	}
	addr := net.JoinHostPort(rec.IP, strconv.Itoa(rec.Port))
	c.logger.Info("master found", "addr", addr, "instance", rec.Instance, "store", rec.Store)
	c.emit(Event{Kind: EventMasterFound, Addr: addr})
	return rec.IP, rec.Port, nil
}

// pickMaster takes the first record advertising a peer-serving mode, falling
// back to the first record when none says so.
func pickMaster(records []discovery.Record) (discovery.Record, bool) {
	for _, r := range records {
		if r.IsMaster() {
			return r, true
		}
	}
	for _, r := range records {
		if r.Mode == "" {
			return r, true
		}
	}
	return discovery.Record{}, false
}

func (c *Client) secret(ctx context.Context) (string, error) {
	if c.cfg.Secret != "" {
		return c.cfg.Secret, nil
	}
	if c.store != nil {
		v, ok, err := c.store.GetSetting(ctx, giro.SettingSecret)
		if err != nil {
			return "", fmt.Errorf("reading network secret: %w", err)
		}
		if ok && v != "" {
			return v, nil
		}
	}
	return "", ErrNoSecret
}

// connect dials, authenticates and serves one session. established reports
// whether authentication succeeded.
func (c *Client) connect(ctx context.Context, addr string) (established bool, err error) {
	c.setState(State{Kind: Connecting, Addr: addr})
	secret, err := c.secret(ctx)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	ws, resp, err := c.dialer.DialContext(dialCtx, "ws://"+addr+c.cfg.Path, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing master %s: %w", addr, err)
	}

	l := newLink(c, ws, addr)
	go l.readLoop()
	defer func() {
		c.detach(l)
		l.close()
	}()

	var sess protocol.SessionResult
	err = l.call(ctx, protocol.ActionAuthSystem, protocol.SystemAuthPayload{
		Secret:       secret,
		TerminalID:   c.cfg.TerminalID,
		TerminalName: c.cfg.TerminalName,
	}, &sess)
	if err != nil {
		return false, fmt.Errorf("authenticating with master %s: %w", addr, err)
	}
	l.setToken(sess.Token)

	c.mu.Lock()
	c.live = l
	c.mu.Unlock()
	c.setState(State{Kind: Connected, Addr: addr})
	c.logger.Info("connected to master", "addr", addr, "terminal_id", c.cfg.TerminalID)

	if err := c.initialSync(ctx, l); err != nil {
		c.logger.Warn("initial sync failed", "addr", addr, "error", err)
		c.emit(Event{Kind: EventError, Error: err.Error()})
	}
	return true, c.serve(ctx, l)
}

func (c *Client) detach(l *link) {
	c.mu.Lock()
	if c.live == l {
		c.live = nil
	}
	c.mu.Unlock()
}

func (c *Client) serve(ctx context.Context, l *link) error {
	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()
	autoSync := time.NewTicker(c.cfg.AutoSync)
	defer autoSync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			c.logger.Info("disconnecting from master", "addr", l.addr)
			return nil
		case <-l.done:
			return fmt.Errorf("master %s closed the connection: %w", l.addr, l.closed())
		case <-heartbeat.C:
			if err := l.call(ctx, protocol.ActionSystemPing, struct{}{}, nil); err != nil {
				return fmt.Errorf("heartbeat to %s: %w", l.addr, err)
			}
		case <-autoSync.C:
			if err := c.syncDelta(ctx, l); err != nil {
				c.logger.Warn("auto-sync failed", "addr", l.addr, "error", err)
			}
		}
	}
}

// initialSync asks for a delta when this node has synced before, else a full
// snapshot.
func (c *Client) initialSync(ctx context.Context, l *link) error {
	last, err := c.lastSync(ctx)
	if err != nil {
		return err
	}
	if last > 0 {
		return c.syncDelta(ctx, l)
	}
	return c.syncFull(ctx, l)
}

func (c *Client) lastSync(ctx context.Context) (int64, error) {
	v, ok, err := c.store.GetSetting(ctx, giro.SettingLastSync)
	if err != nil {
		return 0, fmt.Errorf("reading last sync: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		c.logger.Warn("ignoring malformed last sync", "value", v)
		return 0, nil
	}
	return n, nil
}

func (c *Client) syncFull(ctx context.Context, l *link) error {
	var data protocol.SyncData
	if err := l.call(ctx, protocol.ActionSyncFull, protocol.SyncFullPayload{}, &data); err != nil {
		return fmt.Errorf("full sync: %w", err)
	}
	return c.applySnapshot(ctx, data, "full")
}

func (c *Client) syncDelta(ctx context.Context, l *link) error {
	last, err := c.lastSync(ctx)
	if err != nil {
		return err
	}
	var data protocol.SyncData
	if err := l.call(ctx, protocol.ActionSyncDelta, protocol.SyncDeltaPayload{LastSync: last}, &data); err != nil {
		return fmt.Errorf("delta sync: %w", err)
	}
	return c.applySnapshot(ctx, data, "delta")
}

func (c *Client) current() (*link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.live == nil {
		return nil, ErrNotConnected
	}
	return c.live, nil
}

// SendSale forwards a sale recorded on this terminal and returns the id the
// Master stored it under.
func (c *Client) SendSale(ctx context.Context, sale json.RawMessage) (string, error) {
	l, err := c.current()
	if err != nil {
		return "", err
	}
	var res protocol.RemoteSaleResult
	err = l.call(ctx, protocol.ActionRemoteSale, protocol.RemoteSalePayload{
		TerminalID: c.cfg.TerminalID,
		Sale:       sale,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// PushUpdate sends one local mutation and waits for the Master's ack. A
// rejection is returned as a *protocol.Error.
func (c *Client) PushUpdate(ctx context.Context, t giro.EntityType, op giro.SyncOperation, data json.RawMessage) error {
	l, err := c.current()
	if err != nil {
		return err
	}
	return l.call(ctx, protocol.ActionSyncPush, protocol.SyncPushPayload{
		Entity:    string(t),
		Operation: string(op),
		Data:      data,
	}, nil)
}

func (c *Client) SyncFull(ctx context.Context) error {
	l, err := c.current()
	if err != nil {
		return err
	}
	return c.syncFull(ctx, l)
}

func (c *Client) SyncDelta(ctx context.Context) error {
	l, err := c.current()
	if err != nil {
		return err
	}
	return c.syncDelta(ctx, l)
}

// ForceSyncNow runs a delta sync outside the auto-sync schedule.
func (c *Client) ForceSyncNow(ctx context.Context) error {
	return c.SyncDelta(ctx)
}

// SendPing round-trips system.ping and returns the Master's clock.
func (c *Client) SendPing(ctx context.Context) (time.Time, error) {
	l, err := c.current()
	if err != nil {
		return time.Time{}, err
	}
	var pong protocol.PongResult
	if err := l.call(ctx, protocol.ActionSystemPing, struct{}{}, &pong); err != nil {
		return time.Time{}, err
	}
	return time.Unix(pong.ServerTime, 0), nil
}
