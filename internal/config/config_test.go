package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("till-1", "/var/lib/giro")
	original.Network.Mode = "satellite"
	original.Network.MasterIP = "192.168.1.10"
	original.Network.MasterPort = 3847
	original.Cloud.BaseURL = "https://license.example.com"
	original.Keys = KeysConfig{Type: "age", KeyFile: "/var/lib/giro/keys/pin.age", PassphraseEnv: "GIRO_KEY_PASS"}
	original.LicenseServer.Archive = ArchiveConfig{Type: "s3", S3Bucket: "audit", S3Prefix: "giro", S3Region: "us-east-1"}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Node.ID != "till-1" {
		t.Errorf("Node.ID = %q, want %q", got.Node.ID, "till-1")
	}
	if got.Network.Mode != "satellite" {
		t.Errorf("Network.Mode = %q, want %q", got.Network.Mode, "satellite")
	}
	if got.Network.MasterIP != "192.168.1.10" {
		t.Errorf("Network.MasterIP = %q, want %q", got.Network.MasterIP, "192.168.1.10")
	}
	if got.Network.WebSocketPort != 3847 {
		t.Errorf("Network.WebSocketPort = %d, want %d", got.Network.WebSocketPort, 3847)
	}
	if got.Cloud.BaseURL != original.Cloud.BaseURL {
		t.Errorf("Cloud.BaseURL = %q, want %q", got.Cloud.BaseURL, original.Cloud.BaseURL)
	}
	if got.Keys.Type != "age" {
		t.Errorf("Keys.Type = %q, want %q", got.Keys.Type, "age")
	}
	if got.Keys.PassphraseEnv != "GIRO_KEY_PASS" {
		t.Errorf("Keys.PassphraseEnv = %q, want %q", got.Keys.PassphraseEnv, "GIRO_KEY_PASS")
	}
	if got.LicenseServer.Archive.S3Bucket != "audit" {
		t.Errorf("Archive.S3Bucket = %q, want %q", got.LicenseServer.Archive.S3Bucket, "audit")
	}
	if got.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %d, want %d", got.Sync.MaxRetries, 3)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("node-1", "/data/giro")

	if cfg.Node.ID != "node-1" {
		t.Errorf("Node.ID = %q, want %q", cfg.Node.ID, "node-1")
	}
	if cfg.LogDir != "/data/giro/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/giro/log")
	}
	if cfg.Database.DataDir != "/data/giro/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/giro/db")
	}
	if cfg.Keys.KeyFile != "/data/giro/keys/pin_hmac.key" {
		t.Errorf("Keys.KeyFile = %q, want %q", cfg.Keys.KeyFile, "/data/giro/keys/pin_hmac.key")
	}
	if cfg.Network.Mode != "standalone" {
		t.Errorf("Network.Mode = %q, want %q", cfg.Network.Mode, "standalone")
	}
	if cfg.Network.MaxConnections != 10 {
		t.Errorf("Network.MaxConnections = %d, want %d", cfg.Network.MaxConnections, 10)
	}
	if cfg.LicenseServer.RateLimitRequests != 100 || cfg.LicenseServer.RateLimitWindowSecs != 60 {
		t.Errorf("rate limit = %d/%ds, want 100/60s",
			cfg.LicenseServer.RateLimitRequests, cfg.LicenseServer.RateLimitWindowSecs)
	}
	if cfg.LicenseServer.DriftThresholdSecs != 300 {
		t.Errorf("DriftThresholdSecs = %d, want %d", cfg.LicenseServer.DriftThresholdSecs, 300)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":        "postgres://giro@db/giro",
		"REDIS_URL":           "redis://cache:6379/0",
		"JWT_SECRET":          "s3cret",
		"RATE_LIMIT_REQUESTS": "20",
		"RATE_LIMIT_WINDOW":   "10",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	t.Run("overrides from environment", func(t *testing.T) {
		cfg := NewConfig("n", t.TempDir())
		if err := ApplyEnv(cfg, lookup); err != nil {
			t.Fatalf("ApplyEnv() error = %v", err)
		}
		if cfg.LicenseServer.DatabaseURL != env["DATABASE_URL"] {
			t.Errorf("DatabaseURL = %q, want %q", cfg.LicenseServer.DatabaseURL, env["DATABASE_URL"])
		}
		if cfg.LicenseServer.RedisURL != env["REDIS_URL"] {
			t.Errorf("RedisURL = %q, want %q", cfg.LicenseServer.RedisURL, env["REDIS_URL"])
		}
		if cfg.LicenseServer.JWTSecret != "s3cret" || cfg.Network.JWTSecret != "s3cret" {
			t.Errorf("JWT secrets = %q/%q, want s3cret", cfg.LicenseServer.JWTSecret, cfg.Network.JWTSecret)
		}
		if cfg.LicenseServer.RateLimitRequests != 20 {
			t.Errorf("RateLimitRequests = %d, want 20", cfg.LicenseServer.RateLimitRequests)
		}
		if cfg.LicenseServer.RateLimitWindowSecs != 10 {
			t.Errorf("RateLimitWindowSecs = %d, want 10", cfg.LicenseServer.RateLimitWindowSecs)
		}
	})

	t.Run("rejects non-numeric rate limit", func(t *testing.T) {
		cfg := NewConfig("n", t.TempDir())
		bad := func(k string) (string, bool) {
			if k == "RATE_LIMIT_REQUESTS" {
				return "lots", true
			}
			return "", false
		}
		if err := ApplyEnv(cfg, bad); err == nil {
			t.Fatal("ApplyEnv() expected error for invalid RATE_LIMIT_REQUESTS")
		}
	})

	t.Run("empty environment keeps defaults", func(t *testing.T) {
		cfg := NewConfig("n", t.TempDir())
		none := func(string) (string, bool) { return "", false }
		if err := ApplyEnv(cfg, none); err != nil {
			t.Fatalf("ApplyEnv() error = %v", err)
		}
		if cfg.LicenseServer.RateLimitRequests != 100 {
			t.Errorf("RateLimitRequests = %d, want 100", cfg.LicenseServer.RateLimitRequests)
		}
	})
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		secs int
		def  time.Duration
		want time.Duration
	}{
		{0, 30 * time.Second, 30 * time.Second},
		{-1, time.Minute, time.Minute},
		{15, time.Minute, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := Seconds(tt.secs, tt.def); got != tt.want {
			t.Errorf("Seconds(%d, %v) = %v, want %v", tt.secs, tt.def, got, tt.want)
		}
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "giro.toml")
		cfg := NewConfig("n1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("config file mode = %o, want 600", perm)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "giro.toml")
		cfg := NewConfig("n1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "giro.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Node.ID != "read-test" {
			t.Errorf("Node.ID = %q, want %q", got.Node.ID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want %q", got.Database.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/giro.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
