package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"giro/internal/cloud"
	"giro/internal/config"
	"giro/internal/connmgr"
	"giro/internal/credkey"
	"giro/internal/database"
	"giro/internal/discovery"
	"giro/internal/giro"
	"giro/internal/netclient"
	"giro/internal/peerserver"
	"giro/internal/syncer"
)

// NodeApp is the application layer between the CLI and the node components.
// It builds the store, key manager, connection manager, peer server or
// satellite client, and sync orchestrator from config, and closes the store
// on Close.
type NodeApp struct {
	cfg     *config.Config
	op      *Operation
	clock   giro.Clock
	logger  *slogAdapter
	logFile *os.File

	passphrase string

	store  giro.Store
	mode   giro.OperationMode
	port   int
	keys   *credkey.KeyManager
	peers  *connmgr.Manager
	server *peerserver.Server
	client *netclient.Client
	cloud  *cloud.Client
	syncer *syncer.Syncer
}

// NodeOption configures a NodeApp.
type NodeOption func(*NodeApp)

// WithPassphrase unlocks an age-sealed key file without reading passphrase_env.
func WithPassphrase(p string) NodeOption {
	return func(a *NodeApp) { a.passphrase = p }
}

// NewNodeApp creates a fully wired NodeApp from the given config.
// command identifies the CLI command being run (e.g. "node run", "sync now").
// The caller must call Close when done.
func NewNodeApp(cfg *config.Config, command string, opts ...NodeOption) (*NodeApp, error) {
	clock := giro.RealClock{}
	op := NewOperation(command, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, op.RunID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &NodeApp{cfg: cfg, op: op, clock: clock, logger: log, logFile: logFile}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(context.Background(), os.LookupEnv); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *NodeApp) build(ctx context.Context, lookup func(string) (string, bool)) error {
	cfg := a.cfg
	store, err := database.NewDatabaseFromConfig(cfg.Database, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.store = store
	if err := store.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date (run `giro db migrate`): %w", err)
	}

	if err := seedNetworkSettings(ctx, store, cfg.Network); err != nil {
		return err
	}
	if a.mode, a.port, err = effectiveNetwork(ctx, store); err != nil {
		return err
	}

	passphrase := a.passphrase
	if passphrase == "" && cfg.Keys.PassphraseEnv != "" {
		passphrase, _ = lookup(cfg.Keys.PassphraseEnv)
	}
	keyFile, err := credkey.NewKeyFileFromConfig(cfg.Keys, passphrase)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	modeFn := func() giro.OperationMode { return a.mode }
	a.keys = credkey.NewKeyManager(store, keyFile,
		credkey.WithEnv(lookup),
		credkey.WithMode(modeFn),
		credkey.WithClock(a.clock),
		credkey.WithLogger(a.logger.with("credkey")),
	)

	a.peers = connmgr.New(store, connmgr.WithLogger(a.logger.with("connmgr")), connmgr.WithClock(a.clock))

	if a.mode.AcceptsMobiles() {
		a.server, err = peerserver.New(peerserver.Config{
			Addr:           ":" + strconv.Itoa(a.port),
			MaxConnections: cfg.Network.MaxConnections,
			IdleTimeout:    config.Seconds(cfg.Network.ConnectionTimeoutSecs, peerserver.DefaultIdleTimeout),
			JWTSecret:      cfg.Network.JWTSecret,
			Version:        cfg.Node.Version,
			NodeName:       cfg.Node.Name,
			StoreName:      cfg.Node.StoreName,
		}, peerserver.Deps{
			Store:  store,
			Auth:   credkey.NewAuthenticator(a.keys, store, a.logger.with("auth")),
			Logger: a.logger.with("peerserver"),
			Clock:  a.clock,
			Mode:   a.peers.Mode,
		})
		if err != nil {
			return fmt.Errorf("creating peer server: %w", err)
		}
		a.peers.SetSessions(a.server.Sessions())
	}

	if a.mode.IsSatellite() {
		deps := netclient.Deps{
			Store:  store,
			Logger: a.logger.with("netclient"),
			Clock:  a.clock,
			SettingApplied: func(key string) {
				if key == giro.SettingMasterHMACKey {
					a.keys.Reset()
				}
			},
		}
		if cfg.Network.EnableMDNS {
			deps.Browser = discovery.NewMDNSBrowser()
		}
		a.client = netclient.New(netclient.Config{
			TerminalID:   cfg.Node.ID,
			TerminalName: cfg.Node.Name,
			AutoSync:     config.Seconds(cfg.Sync.AutoSyncIntervalSecs, netclient.DefaultAutoSync),
		}, deps)
	}

	if cfg.Cloud.BaseURL != "" {
		a.cloud = cloud.NewClient(cfg.Cloud.BaseURL, cfg.Cloud.LicenseKey, cfg.Cloud.HardwareID,
			cloud.WithHTTPClient(&http.Client{Timeout: config.Seconds(cfg.Cloud.TimeoutSecs, cloud.DefaultTimeout)}),
			cloud.WithLogger(a.logger.with("cloud")),
		)
	}

	syncCfg, err := syncConfig(cfg.Sync)
	if err != nil {
		return err
	}
	deps := syncer.Deps{
		Store:  store,
		Peers:  a.peers,
		Mode:   modeFn,
		Logger: a.logger.with("syncer"),
		Clock:  a.clock,
	}
	if a.cloud != nil {
		deps.Cloud = a.cloud
	}
	if a.client != nil {
		deps.LAN = a.client
	}
	a.syncer = syncer.New(syncCfg, deps)
	return nil
}

func syncConfig(c config.SyncConfig) (syncer.Config, error) {
	strategy, err := syncer.ParseStrategy(c.ConflictStrategy)
	if err != nil {
		return syncer.Config{}, err
	}
	def := syncer.DefaultConfig()
	return syncer.Config{
		Strategy:         strategy,
		Interval:         config.Seconds(c.AutoSyncIntervalSecs, def.Interval),
		CloudEnabled:     c.CloudEnabled,
		LANEnabled:       c.LANEnabled,
		CloudPriority:    c.CloudPriority,
		OperationTimeout: config.Seconds(c.OperationTimeoutSecs, def.OperationTimeout),
		RetryOnFailure:   c.RetryOnFailure,
		MaxRetries:       c.MaxRetries,
	}, nil
}

// seedNetworkSettings copies the [network] section into the KV for every key
// the KV does not hold yet. Values already in the KV win.
func seedNetworkSettings(ctx context.Context, store giro.SettingsStore, n config.NetworkConfig) error {
	seeds := []struct{ key, value string }{
		{giro.SettingMode, n.Mode},
		{giro.SettingAutoDiscovery, strconv.FormatBool(n.AutoDiscovery)},
		{giro.SettingMasterIP, n.MasterIP},
		{giro.SettingSecret, n.Secret},
	}
	if n.WebSocketPort > 0 {
		seeds = append(seeds, struct{ key, value string }{giro.SettingWebSocketPort, strconv.Itoa(n.WebSocketPort)})
	}
	if n.MasterPort > 0 {
		seeds = append(seeds, struct{ key, value string }{giro.SettingMasterPort, strconv.Itoa(n.MasterPort)})
	}
	for _, s := range seeds {
		if s.value == "" {
			continue
		}
		_, ok, err := store.GetSetting(ctx, s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			continue
		}
		if err := store.SetSetting(ctx, s.key, s.value); err != nil {
			return fmt.Errorf("seeding %s: %w", s.key, err)
		}
	}
	return nil
}

// effectiveNetwork reads the mode and WebSocket port the node runs with.
func effectiveNetwork(ctx context.Context, store giro.SettingsStore) (giro.OperationMode, int, error) {
	raw, _, err := store.GetSetting(ctx, giro.SettingMode)
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", giro.SettingMode, err)
	}
	mode, err := giro.ParseMode(raw)
	if err != nil {
		return "", 0, err
	}
	port := discovery.DefaultPort
	if v, ok, err := store.GetSetting(ctx, giro.SettingWebSocketPort); err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", giro.SettingWebSocketPort, err)
	} else if ok {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return "", 0, fmt.Errorf("invalid %s %q", giro.SettingWebSocketPort, v)
		}
		port = p
	}
	return mode, port, nil
}

// Mode returns the mode the node was built for.
func (a *NodeApp) Mode() giro.OperationMode { return a.mode }

// Run starts every component for the node's mode and blocks until ctx ends.
func (a *NodeApp) Run(ctx context.Context) error {
	if _, err := a.keys.Current(ctx); err != nil {
		return fmt.Errorf("resolving pin hmac key: %w", err)
	}

	if err := a.peers.Start(ctx, connmgr.Config{
		Mode:              a.mode,
		Port:              a.port,
		NodeName:          a.cfg.Node.Name,
		StoreName:         a.cfg.Node.StoreName,
		Version:           a.cfg.Node.Version,
		EnableMDNS:        a.cfg.Network.EnableMDNS,
		AutoDiscovery:     a.cfg.Network.AutoDiscovery,
		HealthInterval:    config.Seconds(a.cfg.Network.HealthCheckIntervalSecs, 0),
		DiscoveryInterval: config.Seconds(a.cfg.Network.DiscoveryIntervalSecs, 0),
	}); err != nil {
		return fmt.Errorf("starting connection manager: %w", err)
	}
	defer a.peers.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.ListenAndServe(ctx); err != nil {
				fail(err)
			}
		}()
	}

	if a.client != nil {
		events, unsubscribe := a.client.Subscribe()
		defer unsubscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.followMaster(ctx, events)
		}()
		go func() {
			defer wg.Done()
			if err := a.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.syncer.Run(ctx)
	}()

	a.logger.Info("node started", "mode", a.mode.String(), "port", a.port, "cloud", a.cloud != nil)
	<-ctx.Done()
	if a.client != nil {
		a.client.Stop()
	}
	a.syncer.Stop()
	wg.Wait()
	a.logger.Info("node stopped")
	return runErr
}

// followMaster binds the master the satellite client reaches into the
// connection manager, so peer counts and health checks cover it.
func (a *NodeApp) followMaster(ctx context.Context, events <-chan netclient.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != netclient.EventStateChanged || ev.State.Kind != netclient.Connected {
				continue
			}
			if err := a.bindMaster(ev.State.Addr); err != nil {
				a.logger.Warn("binding master", "addr", ev.State.Addr, "error", err)
			}
		}
	}
}

func (a *NodeApp) bindMaster(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	_, err = a.peers.ConnectToMaster(host, port)
	if errors.Is(err, connmgr.ErrMasterAlreadyBound) {
		// The client moved to another master.
		a.peers.DisconnectMaster()
		_, err = a.peers.ConnectToMaster(host, port)
	}
	return err
}

// NodeStatus is the snapshot printed by `giro node status`.
type NodeStatus struct {
	Mode     giro.OperationMode
	Settings []giro.Setting
	Pending  int
	Cursors  []giro.Cursor
	Reviews  int
	Dead     int
}

// Status reads the KV network settings and the sync queues.
func (a *NodeApp) Status(ctx context.Context) (*NodeStatus, error) {
	settings, err := a.store.ListSettings(ctx, "network.")
	if err != nil {
		return nil, fmt.Errorf("listing network settings: %w", err)
	}
	pending, err := a.store.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting pending items: %w", err)
	}
	cursors, err := a.store.ListCursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}
	reviews, err := a.syncer.ReviewItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	dead, err := a.syncer.DeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return &NodeStatus{
		Mode:     a.mode,
		Settings: settings,
		Pending:  pending,
		Cursors:  cursors,
		Reviews:  len(reviews),
		Dead:     len(dead),
	}, nil
}

// SyncNow runs one sync pass. Without a cloud base_url only the LAN leg runs.
func (a *NodeApp) SyncNow(ctx context.Context) syncer.Result {
	return a.syncer.SyncAll(ctx)
}

// CurrentKey returns the PIN HMAC key and where it was resolved from.
func (a *NodeApp) CurrentKey(ctx context.Context) (string, credkey.Source, error) {
	key, err := a.keys.Current(ctx)
	if err != nil {
		return "", "", err
	}
	return key, a.keys.Source(), nil
}

// KeyHistory returns the retained previous keys, newest first.
func (a *NodeApp) KeyHistory(ctx context.Context) ([]string, error) {
	return a.keys.History(ctx)
}

// RotateKey installs a fresh PIN HMAC key. Existing hashes keep verifying
// through the history until their owners log in again.
func (a *NodeApp) RotateKey(ctx context.Context) (string, error) {
	return a.keys.Rotate(ctx)
}

// Finish records the outcome of the command in the log.
func (a *NodeApp) Finish(err error) {
	d := a.op.Finish(err, a.clock.Now())
	if err != nil {
		a.logger.Error("command failed", "command", a.op.Command, "duration", d, "error", err)
		return
	}
	a.logger.Info("command finished", "command", a.op.Command, "duration", d)
}

// Close releases the store and the log file.
func (a *NodeApp) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
