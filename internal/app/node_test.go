package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"giro/internal/config"
	"giro/internal/credkey"
	"giro/internal/giro"
	"giro/internal/syncer"
	"giro/internal/testutil"
)

func testNodeConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	t.Setenv(credkey.EnvKey, "")
	dir := t.TempDir()
	cfg := config.NewConfig("node-1", dir)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Keys.KeyFile = filepath.Join(dir, "keys", "pin_hmac.key")
	cfg.Network.Mode = mode
	cfg.Network.EnableMDNS = false
	cfg.Network.AutoDiscovery = false
	cfg.Network.JWTSecret = "node-secret"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSeedNetworkSettings(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t, testutil.FixedClock())

	// A value set through the UI survives a restart with a different config.
	if err := db.SetSetting(ctx, giro.SettingMode, "master"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	err := seedNetworkSettings(ctx, db, config.NetworkConfig{
		Mode:          "satellite",
		WebSocketPort: 4000,
		MasterIP:      "192.168.1.10",
		AutoDiscovery: true,
	})
	if err != nil {
		t.Fatalf("seedNetworkSettings() error = %v", err)
	}

	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{key: giro.SettingMode, want: "master", wantOK: true},
		{key: giro.SettingWebSocketPort, want: "4000", wantOK: true},
		{key: giro.SettingMasterIP, want: "192.168.1.10", wantOK: true},
		{key: giro.SettingAutoDiscovery, want: "true", wantOK: true},
		{key: giro.SettingMasterPort, wantOK: false},
		{key: giro.SettingSecret, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok, err := db.GetSetting(ctx, tt.key)
			if err != nil {
				t.Fatalf("GetSetting(%q) error = %v", tt.key, err)
			}
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("GetSetting(%q) = %q, %v, want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEffectiveNetwork(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		db := testutil.NewTestDatabase(t, testutil.FixedClock())
		mode, port, err := effectiveNetwork(ctx, db)
		if err != nil {
			t.Fatalf("effectiveNetwork() error = %v", err)
		}
		if mode != giro.ModeStandalone || port != 3847 {
			t.Errorf("effectiveNetwork() = %v, %d, want standalone, 3847", mode, port)
		}
	})

	t.Run("bad port", func(t *testing.T) {
		db := testutil.NewTestDatabase(t, testutil.FixedClock())
		db.SetSetting(ctx, giro.SettingWebSocketPort, "70000")
		if _, _, err := effectiveNetwork(ctx, db); err == nil {
			t.Error("effectiveNetwork() expected error for out of range port")
		}
	})

	t.Run("bad mode", func(t *testing.T) {
		db := testutil.NewTestDatabase(t, testutil.FixedClock())
		db.SetSetting(ctx, giro.SettingMode, "leader")
		if _, _, err := effectiveNetwork(ctx, db); err == nil {
			t.Error("effectiveNetwork() expected error for unknown mode")
		}
	})
}

func TestSyncConfig(t *testing.T) {
	got, err := syncConfig(config.SyncConfig{ConflictStrategy: "mark_for_review", LANEnabled: true})
	if err != nil {
		t.Fatalf("syncConfig() error = %v", err)
	}
	if got.Strategy != syncer.MarkForReview {
		t.Errorf("Strategy = %q, want %q", got.Strategy, syncer.MarkForReview)
	}
	if got.Interval != 300*time.Second {
		t.Errorf("Interval = %v, want 5m", got.Interval)
	}
	if got.CloudEnabled {
		t.Error("CloudEnabled = true, want false")
	}

	if _, err := syncConfig(config.SyncConfig{ConflictStrategy: "coin_flip"}); err == nil {
		t.Error("syncConfig() expected error for unknown strategy")
	}
}

func TestNewNodeApp_Standalone(t *testing.T) {
	cfg := testNodeConfig(t, "standalone")
	a, err := NewNodeApp(cfg, "node status")
	if err != nil {
		t.Fatalf("NewNodeApp() error = %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	if a.Mode() != giro.ModeStandalone {
		t.Errorf("Mode() = %v, want standalone", a.Mode())
	}
	if a.server == nil {
		t.Error("standalone node should accept mobile scanners")
	}
	if a.client != nil {
		t.Error("standalone node should not run a satellite client")
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Pending != 0 {
		t.Errorf("Pending = %d, want 0", st.Pending)
	}
	found := false
	for _, s := range st.Settings {
		if s.Key == giro.SettingMode && s.Value == "standalone" {
			found = true
		}
	}
	if !found {
		t.Errorf("Settings = %+v, want network.mode=standalone", st.Settings)
	}

	res := a.SyncNow(ctx)
	if res.Status != syncer.ResultOK {
		t.Errorf("SyncNow() status = %q, want %q", res.Status, syncer.ResultOK)
	}
	if res.Cloud != nil {
		t.Error("cloud leg ran without a base_url")
	}
	a.Finish(nil)
}

func TestNewNodeApp_Satellite(t *testing.T) {
	cfg := testNodeConfig(t, "satellite")
	cfg.Network.MasterIP = "192.168.1.10"
	cfg.Cloud.BaseURL = "https://license.example.com"
	a, err := NewNodeApp(cfg, "node status")
	if err != nil {
		t.Fatalf("NewNodeApp() error = %v", err)
	}
	defer a.Close()

	if a.server != nil {
		t.Error("satellite should not run the peer server")
	}
	if a.client == nil {
		t.Error("satellite should run the client")
	}
	if a.cloud == nil {
		t.Error("cloud client not built from base_url")
	}
}

func TestNewNodeApp_RequiresJWTSecret(t *testing.T) {
	cfg := testNodeConfig(t, "master")
	cfg.Network.JWTSecret = ""
	if _, err := NewNodeApp(cfg, "node run"); err == nil {
		t.Error("NewNodeApp() expected error without a jwt secret")
	}
}

func TestNodeApp_Keys(t *testing.T) {
	a, err := NewNodeApp(testNodeConfig(t, "master"), "key rotate")
	if err != nil {
		t.Fatalf("NewNodeApp() error = %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	first, src, err := a.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("CurrentKey() error = %v", err)
	}
	if src != credkey.SourceGenerated {
		t.Errorf("source = %q, want %q", src, credkey.SourceGenerated)
	}

	second, err := a.RotateKey(ctx)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if second == first {
		t.Error("RotateKey() returned the old key")
	}
	history, err := a.KeyHistory(ctx)
	if err != nil {
		t.Fatalf("KeyHistory() error = %v", err)
	}
	if len(history) != 2 || history[0] != second || history[1] != first {
		t.Errorf("KeyHistory() = %v, want [%s %s]", history, second, first)
	}
}

func TestNodeApp_RunServesUntilCancelled(t *testing.T) {
	cfg := testNodeConfig(t, "master")
	port := freePort(t)
	cfg.Network.WebSocketPort = port

	a, err := NewNodeApp(cfg, "node run")
	if err != nil {
		t.Fatalf("NewNodeApp() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
