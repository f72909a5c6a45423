package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for a giro node.
type Config struct {
	BaseDir       string              `toml:"base_dir"`
	LogDir        string              `toml:"log_dir"`
	LogLevel      string              `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	Node          NodeConfig          `toml:"node"`
	Database      DatabaseConfig      `toml:"database"`
	Network       NetworkConfig       `toml:"network"`
	Sync          SyncConfig          `toml:"sync"`
	Cloud         CloudConfig         `toml:"cloud"`
	Keys          KeysConfig          `toml:"keys"`
	LicenseServer LicenseServerConfig `toml:"license_server"`
}

// NodeConfig identifies this node on the LAN and towards the cloud.
type NodeConfig struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	StoreName string `toml:"store_name"`
	Version   string `toml:"version"`
}

// DatabaseConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NetworkConfig seeds the network.* settings in the local KV. Values already
// present in the KV take precedence.
type NetworkConfig struct {
	Mode                    string `toml:"mode"` // "standalone", "master", "satellite" or "hybrid"
	WebSocketPort           int    `toml:"websocket_port"`
	MasterIP                string `toml:"master_ip,omitempty"`
	MasterPort              int    `toml:"master_port,omitempty"`
	AutoDiscovery           bool   `toml:"auto_discovery"`
	EnableMDNS              bool   `toml:"enable_mdns"`
	HealthCheckIntervalSecs int    `toml:"health_check_interval_secs"`
	DiscoveryIntervalSecs   int    `toml:"discovery_interval_secs"`
	MaxConnections          int    `toml:"max_connections"`
	ConnectionTimeoutSecs   int    `toml:"connection_timeout_secs"`
	Secret                  string `toml:"secret,omitempty"`
	JWTSecret               string `toml:"jwt_secret,omitempty"` // keys mobile sessions; JWT_SECRET overrides
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	ConflictStrategy     string `toml:"conflict_strategy"` // "last_writer_wins", "cloud_wins", "local_wins" or "mark_for_review"
	AutoSyncIntervalSecs int    `toml:"auto_sync_interval_secs"`
	CloudEnabled         bool   `toml:"cloud_enabled"`
	LANEnabled           bool   `toml:"lan_enabled"`
	CloudPriority        bool   `toml:"cloud_priority"`
	OperationTimeoutSecs int    `toml:"operation_timeout_secs"`
	RetryOnFailure       bool   `toml:"retry_on_failure"`
	MaxRetries           int    `toml:"max_retries"`
}

// CloudConfig points a node at the License Server. An empty BaseURL disables
// cloud sync.
type CloudConfig struct {
	BaseURL     string `toml:"base_url,omitempty"`
	LicenseKey  string `toml:"license_key,omitempty"`
	HardwareID  string `toml:"hardware_id,omitempty"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// KeysConfig locates the PIN HMAC key file.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type KeysConfig struct {
	Type          string `toml:"type"` // "plain" or "age"
	KeyFile       string `toml:"key_file"`
	PassphraseEnv string `toml:"passphrase_env,omitempty"` // only used for type=age
}

// LicenseServerConfig configures the cloud License & Hardware Authority.
type LicenseServerConfig struct {
	ListenAddr          string        `toml:"listen_addr"`
	Database            string        `toml:"database"` // "postgres" or "memory"
	DatabaseURL         string        `toml:"database_url,omitempty"`
	RedisURL            string        `toml:"redis_url,omitempty"` // empty means an in-process limiter
	JWTSecret           string        `toml:"jwt_secret,omitempty"`
	RateLimitRequests   int           `toml:"rate_limit_requests"`
	RateLimitWindowSecs int           `toml:"rate_limit_window_secs"`
	DriftThresholdSecs  int           `toml:"drift_threshold_secs"`
	Archive             ArchiveConfig `toml:"archive"`
}

// ArchiveConfig represents configuration for the audit log archive.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "s3" or "none"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint points at an S3-compatible store instead of AWS.
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
}

// Seconds converts a config field in seconds to a duration, falling back to
// def when the field is unset.
func Seconds(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// NewConfig creates a new Config with the provided values and defaults for
// every section.
func NewConfig(nodeID, baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Node: NodeConfig{
			ID:        nodeID,
			Name:      nodeID,
			StoreName: "GIRO",
			Version:   "1.0.0",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Network: NetworkConfig{
			Mode:                    "standalone",
			WebSocketPort:           3847,
			AutoDiscovery:           true,
			EnableMDNS:              true,
			HealthCheckIntervalSecs: 30,
			DiscoveryIntervalSecs:   30,
			MaxConnections:          10,
			ConnectionTimeoutSecs:   300,
		},
		Sync: SyncConfig{
			ConflictStrategy:     "last_writer_wins",
			AutoSyncIntervalSecs: 300,
			CloudEnabled:         true,
			LANEnabled:           true,
			CloudPriority:        true,
			OperationTimeoutSecs: 60,
			RetryOnFailure:       true,
			MaxRetries:           3,
		},
		Cloud: CloudConfig{TimeoutSecs: 30},
		Keys: KeysConfig{
			Type:    "plain",
			KeyFile: filepath.Join(baseDir, "keys", "pin_hmac.key"),
		},
		LicenseServer: LicenseServerConfig{
			ListenAddr:          ":8080",
			Database:            "postgres",
			RateLimitRequests:   100,
			RateLimitWindowSecs: 60,
			DriftThresholdSecs:  300,
			Archive:             ArchiveConfig{Type: "none"},
		},
	}
}

// ApplyEnv overrides license server and session settings from the environment.
// lookup is normally os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.LicenseServer.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		cfg.LicenseServer.RedisURL = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		cfg.LicenseServer.JWTSecret = v
		cfg.Network.JWTSecret = v
	}
	if v, ok := lookup("RATE_LIMIT_REQUESTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_REQUESTS %q", v)
		}
		cfg.LicenseServer.RateLimitRequests = n
	}
	if v, ok := lookup("RATE_LIMIT_WINDOW"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_WINDOW %q", v)
		}
		cfg.LicenseServer.RateLimitWindowSecs = n
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry shared secrets.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
