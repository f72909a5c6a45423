package netclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giro/internal/database"
	"giro/internal/discovery"
	"giro/internal/giro"
	"giro/internal/peerserver"
	"giro/internal/protocol"
	"giro/internal/syncer"
	"giro/internal/testutil"
)

var _ syncer.LANPusher = (*Client)(nil)

const testSecret = "satellite-secret"

type master struct {
	srv  *peerserver.Server
	db   *database.SQLiteDatabase
	ip   string
	port int
}

func newMaster(t *testing.T) *master {
	t.Helper()
	clock := testutil.FixedClock()
	db := testutil.NewTestDatabase(t, clock)

	cfg := peerserver.DefaultConfig()
	cfg.JWTSecret = "jwt-secret"
	cfg.Secret = testSecret
	srv, err := peerserver.New(cfg, peerserver.Deps{
		Store: db,
		Clock: clock,
		IDs:   testutil.NewStubIDGenerator(),
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &master{srv: srv, db: db, ip: "127.0.0.1", port: ln.Addr().(*net.TCPAddr).Port}
}

func (m *master) seed(t *testing.T, id, name, updatedAt string) {
	t.Helper()
	data := json.RawMessage(`{"id":"` + id + `","name":"` + name + `","updated_at":"` + updatedAt + `"}`)
	e, err := giro.EntityFromData(giro.EntityProduct, data)
	require.NoError(t, err)
	_, err = m.db.ApplyEntity(context.Background(), e)
	require.NoError(t, err)
}

type satellite struct {
	client *Client
	db     *database.SQLiteDatabase
	events <-chan Event
	done   chan error
}

func testConfig(m *master) Config {
	cfg := DefaultConfig()
	if m != nil {
		cfg.MasterIP = m.ip
		cfg.MasterPort = m.port
	}
	cfg.Secret = testSecret
	cfg.TerminalID = "caixa-02"
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// startSatellite runs a client against cfg until the test ends. prepare may
// seed the satellite store before Run.
func startSatellite(t *testing.T, cfg Config, browser discovery.Browser, prepare func(*database.SQLiteDatabase)) *satellite {
	t.Helper()
	db := testutil.NewTestDatabase(t, testutil.FixedClock())
	if prepare != nil {
		prepare(db)
	}
	c := New(cfg, Deps{Store: db, Browser: browser, Clock: testutil.FixedClock()})
	events, cancelSub := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
		cancelSub()
	})
	return &satellite{client: c, db: db, events: events, done: done}
}

func (s *satellite) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.events:
			require.True(t, ok, "event stream closed")
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (s *satellite) product(t *testing.T, id string) *giro.Entity {
	t.Helper()
	e, err := s.db.GetEntity(context.Background(), giro.EntityProduct, id)
	require.NoError(t, err)
	return e
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)
	assert.Equal(t, 6, b.Attempt())

	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "searching", State{Kind: Searching}.String())
	assert.Equal(t, "connected(10.0.0.5:3847)", State{Kind: Connected, Addr: "10.0.0.5:3847"}.String())
}

func TestClient_ConnectsAndRunsFullSync(t *testing.T) {
	m := newMaster(t)
	m.seed(t, "p1", "Arroz 5kg", "2024-01-15T10:00:00Z")
	m.seed(t, "p2", "Feijão 1kg", "2024-01-15T10:05:00Z")

	sat := startSatellite(t, testConfig(m), nil, nil)
	ev := sat.waitFor(t, EventSyncCompleted)
	assert.Equal(t, 2, ev.Applied)

	assert.Equal(t, Connected, sat.client.State().Kind)
	assert.Equal(t, net.JoinHostPort(m.ip, strconv.Itoa(m.port)), sat.client.State().Addr)
	require.NotNil(t, sat.product(t, "p1"))
	require.NotNil(t, sat.product(t, "p2"))

	last, ok, err := sat.db.GetSetting(context.Background(), giro.SettingLastSync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(testutil.FixedClock().Now().Unix(), 10), last)

	// Replicated rows are not queued on the Satellite.
	n, err := sat.db.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, m.srv.ConnectionCount())
}

func TestClient_DeltaSyncWhenPreviouslySynced(t *testing.T) {
	m := newMaster(t)
	m.seed(t, "p-old", "Antigo", "2024-01-15T10:00:00Z")
	m.seed(t, "p-new", "Novo", "2024-01-15T10:20:00Z")

	since := time.Date(2024, 1, 15, 10, 10, 0, 0, time.UTC).Unix()
	sat := startSatellite(t, testConfig(m), nil, func(db *database.SQLiteDatabase) {
		require.NoError(t, db.SetSetting(context.Background(), giro.SettingLastSync, strconv.FormatInt(since, 10)))
	})
	ev := sat.waitFor(t, EventSyncCompleted)
	assert.Equal(t, 1, ev.Applied)
	assert.Nil(t, sat.product(t, "p-old"))
	assert.NotNil(t, sat.product(t, "p-new"))
}

func TestClient_AppliesBroadcasts(t *testing.T) {
	m := newMaster(t)
	sat := startSatellite(t, testConfig(m), nil, nil)
	sat.waitFor(t, EventSyncCompleted)

	require.NoError(t, m.srv.Emit(protocol.EventProductUpdated,
		json.RawMessage(`{"id":"p9","name":"Café","updated_at":"2024-01-15T10:29:00Z"}`)))
	ev := sat.waitFor(t, EventEntityUpdated)
	assert.Equal(t, giro.EntityProduct, ev.EntityType)
	assert.Equal(t, "p9", ev.EntityID)
	require.NotNil(t, sat.product(t, "p9"))

	require.NoError(t, m.srv.Emit(protocol.EventStockUpdated,
		json.RawMessage(`{"id":"p9","name":"Café","stock":12,"updated_at":"2024-01-15T10:29:30Z"}`)))
	ev = sat.waitFor(t, EventStockUpdated)
	assert.Equal(t, "p9", ev.EntityID)
	assert.Contains(t, string(sat.product(t, "p9").Data), `"stock":12`)

	require.NoError(t, m.srv.Emit(protocol.EventProductUpdated, map[string]any{"id": "p9", "deleted": true}))
	sat.waitFor(t, EventEntityUpdated)
	assert.Nil(t, sat.product(t, "p9"))
}

func TestClient_IgnoresNodeLocalSettings(t *testing.T) {
	m := newMaster(t)
	sat := startSatellite(t, testConfig(m), nil, nil)
	sat.waitFor(t, EventSyncCompleted)

	require.NoError(t, m.srv.Emit(protocol.EventSettingUpdated, map[string]string{"key": giro.SettingMasterIP, "value": "10.9.9.9"}))
	require.NoError(t, m.srv.Emit(protocol.EventSettingUpdated, map[string]string{"key": "store.name", "value": "Loja Norte"}))
	ev := sat.waitFor(t, EventEntityUpdated)
	assert.Equal(t, "store.name", ev.EntityID)

	_, ok, err := sat.db.GetSetting(context.Background(), giro.SettingMasterIP)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ReportsAppliedSettings(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t, testutil.FixedClock())
	var keys []string
	c := New(testConfig(nil), Deps{
		Store:          db,
		Clock:          testutil.FixedClock(),
		SettingApplied: func(key string) { keys = append(keys, key) },
	})

	_, ok, err := c.applyRow(ctx, giro.EntitySetting,
		json.RawMessage(`{"key":"`+giro.SettingMasterHMACKey+`","value":"master-key"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	// Node-local keys are never written, so nothing is reported.
	_, ok, err = c.applyRow(ctx, giro.EntitySetting,
		json.RawMessage(`{"key":"`+giro.SettingMasterIP+`","value":"10.0.0.1"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.applyRow(ctx, giro.EntityProduct,
		json.RawMessage(`{"id":"p1","name":"Café","updated_at":"2024-01-15T10:00:00Z"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{giro.SettingMasterHMACKey}, keys)
	got, _, err := db.GetSetting(ctx, giro.SettingMasterHMACKey)
	require.NoError(t, err)
	assert.Equal(t, "master-key", got)
}

func TestClient_PushUpdateAndSendSale(t *testing.T) {
	m := newMaster(t)
	sat := startSatellite(t, testConfig(m), nil, nil)
	sat.waitFor(t, EventSyncCompleted)
	ctx := context.Background()

	data := json.RawMessage(`{"id":"c1","name":"Maria","updated_at":"2024-01-15T10:15:00Z"}`)
	require.NoError(t, sat.client.PushUpdate(ctx, giro.EntityCustomer, giro.OpUpsert, data))

	stored, err := m.db.GetEntity(ctx, giro.EntityCustomer, "c1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	queued, err := m.db.HasPending(ctx, giro.EntityCustomer, "c1")
	require.NoError(t, err)
	assert.True(t, queued, "master queues satellite changes for the cloud")

	id, err := sat.client.SendSale(ctx, json.RawMessage(`{"id":"s-1","total":42.5}`))
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	n, err := m.db.CountRemoteSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = sat.client.SendPing(ctx)
	require.NoError(t, err)
}

func TestClient_PushUpdateRejected(t *testing.T) {
	m := newMaster(t)
	sat := startSatellite(t, testConfig(m), nil, nil)
	sat.waitFor(t, EventSyncCompleted)

	err := sat.client.PushUpdate(context.Background(), giro.EntitySetting, giro.OpUpsert,
		json.RawMessage(`{"key":"network.mode","value":"master"}`))
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, protocol.CodeValidationError, perr.Code)
}

func TestClient_CommandsRequireConnection(t *testing.T) {
	c := New(testConfig(nil), Deps{Store: testutil.NewTestDatabase(t, testutil.FixedClock())})
	ctx := context.Background()

	assert.ErrorIs(t, c.PushUpdate(ctx, giro.EntityProduct, giro.OpUpsert, json.RawMessage(`{"id":"p1"}`)), ErrNotConnected)
	_, err := c.SendSale(ctx, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.SyncFull(ctx), ErrNotConnected)
	assert.ErrorIs(t, c.ForceSyncNow(ctx), ErrNotConnected)
	assert.Equal(t, Disconnected, c.State().Kind)
}

func TestClient_WrongSecretRetriesWithBackoff(t *testing.T) {
	m := newMaster(t)
	cfg := testConfig(m)
	cfg.Secret = "wrong"
	sat := startSatellite(t, cfg, nil, nil)

	ev := sat.waitFor(t, EventError)
	assert.Contains(t, ev.Error, string(protocol.CodeAuthRequired))
	first := sat.waitFor(t, EventReconnecting)
	second := sat.waitFor(t, EventReconnecting)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	assert.Greater(t, second.Delay, first.Delay-time.Nanosecond)
	assert.NotEqual(t, Connected, sat.client.State().Kind)
}

func TestClient_MasterFromSettings(t *testing.T) {
	m := newMaster(t)
	cfg := testConfig(nil)
	cfg.Secret = ""
	sat := startSatellite(t, cfg, nil, func(db *database.SQLiteDatabase) {
		ctx := context.Background()
		require.NoError(t, db.SetSetting(ctx, giro.SettingMasterIP, m.ip))
		require.NoError(t, db.SetSetting(ctx, giro.SettingMasterPort, strconv.Itoa(m.port)))
		require.NoError(t, db.SetSetting(ctx, giro.SettingSecret, testSecret))
	})
	sat.waitFor(t, EventSyncCompleted)
	assert.Equal(t, Connected, sat.client.State().Kind)
}

type fakeBrowser struct {
	records []discovery.Record
}

func (b fakeBrowser) Browse(context.Context, time.Duration) ([]discovery.Record, error) {
	return b.records, nil
}

func TestClient_DiscoversMaster(t *testing.T) {
	m := newMaster(t)
	browser := fakeBrowser{records: []discovery.Record{
		{Instance: "caixa-03", IP: "10.0.0.30", Port: 3847, Mode: "satellite"},
		{Instance: "balcao", IP: m.ip, Port: m.port, Mode: "master"},
	}}
	sat := startSatellite(t, testConfig(nil), browser, nil)

	ev := sat.waitFor(t, EventMasterFound)
	assert.Equal(t, net.JoinHostPort(m.ip, strconv.Itoa(m.port)), ev.Addr)
	sat.waitFor(t, EventSyncCompleted)
}

func TestClient_NoMasterFound(t *testing.T) {
	browser := fakeBrowser{records: []discovery.Record{{IP: "10.0.0.30", Port: 3847, Mode: "satellite"}}}
	sat := startSatellite(t, testConfig(nil), browser, nil)

	ev := sat.waitFor(t, EventError)
	assert.Contains(t, ev.Error, ErrNoMaster.Error())
}

func TestClient_StopDisconnects(t *testing.T) {
	m := newMaster(t)
	sat := startSatellite(t, testConfig(m), nil, nil)
	sat.waitFor(t, EventSyncCompleted)

	sat.client.Stop()
	select {
	case err := <-sat.done:
		assert.NoError(t, err)
		sat.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, Disconnected, sat.client.State().Kind)
	assert.Eventually(t, func() bool { return m.srv.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
