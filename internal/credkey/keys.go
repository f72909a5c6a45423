// Package credkey owns the key used to hash employee PINs and the PIN
// authentication path built on top of it.
//
// Every node of a store must hash PINs with the same key, so the Master
// publishes its key through the replicated setting security.master_hmac_key
// and Satellites pick it up from there.
package credkey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"giro/internal/giro"
)

// EnvKey is the environment variable that overrides every other key source.
const EnvKey = "PIN_HMAC_KEY"

// HistorySize is the number of past keys kept in the settings KV.
const HistorySize = 5

// Source names where the current key came from.
type Source string

const (
	SourceEnv       Source = "env"
	SourceMaster    Source = "master"
	SourceFile      Source = "file"
	SourceHistory   Source = "history"
	SourceGenerated Source = "generated"
)

// KeyManager resolves, caches and rotates the PIN HMAC key.
type KeyManager struct {
	settings giro.SettingsStore
	file     KeyFile
	env      func(string) (string, bool)
	mode     func() giro.OperationMode
	clock    giro.Clock
	logger   giro.Logger

	mu      sync.Mutex
	current string
	source  Source
}

// Option configures a KeyManager.
type Option func(*KeyManager)

// WithEnv replaces the environment lookup (os.LookupEnv by default).
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(m *KeyManager) { m.env = lookup }
}

// WithMode tells the manager the node's operation mode. A Master publishes
// its key for Satellites.
func WithMode(mode func() giro.OperationMode) Option {
	return func(m *KeyManager) { m.mode = mode }
}

func WithClock(c giro.Clock) Option {
	return func(m *KeyManager) { m.clock = c }
}

func WithLogger(l giro.Logger) Option {
	return func(m *KeyManager) { m.logger = l }
}

func NewKeyManager(settings giro.SettingsStore, file KeyFile, opts ...Option) *KeyManager {
	m := &KeyManager{
		settings: settings,
		file:     file,
		env:      func(string) (string, bool) { return "", false },
		mode:     func() giro.OperationMode { return giro.ModeStandalone },
		clock:    giro.RealClock{},
		logger:   giro.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the key used for new PIN hashes, resolving it on first use:
// PIN_HMAC_KEY, then the key synced from the Master, then the key file, then
// the newest history entry. When none exists a new key is generated.
func (m *KeyManager) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		adopt, err := m.pendingMasterKey(ctx)
		if err != nil {
			return "", err
		}
		if !adopt {
			return m.current, nil
		}
	}
	key, src, err := m.resolve(ctx)
	if err != nil {
		return "", err
	}
	m.current, m.source = key, src
	m.logger.Info("pin hmac key resolved", "source", string(src))
	return key, nil
}

// pendingMasterKey reports whether a Satellite holding a key of its own
// should switch to a master key that has since been synced.
func (m *KeyManager) pendingMasterKey(ctx context.Context) (bool, error) {
	if !m.mode().IsSatellite() || m.source == SourceEnv || m.source == SourceMaster {
		return false, nil
	}
	master, ok, err := m.settings.GetSetting(ctx, giro.SettingMasterHMACKey)
	if err != nil {
		return false, fmt.Errorf("reading master key: %w", err)
	}
	return ok && master != "" && master != m.current, nil
}

// Source reports where the cached key came from; empty before resolution.
func (m *KeyManager) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

func (m *KeyManager) resolve(ctx context.Context) (string, Source, error) {
	if key, ok := m.env(EnvKey); ok && strings.TrimSpace(key) != "" {
		return strings.TrimSpace(key), SourceEnv, nil
	}

	master, ok, err := m.settings.GetSetting(ctx, giro.SettingMasterHMACKey)
	if err != nil {
		return "", "", fmt.Errorf("reading master key: %w", err)
	}
	if ok && master != "" {
		if err := m.file.Store(master); err != nil {
			m.logger.Warn("failed to cache master key in key file", "error", err)
		}
		if err := m.remember(ctx, master); err != nil {
			m.logger.Warn("failed to record key history", "error", err)
		}
		return master, SourceMaster, nil
	}

	fileKey, ok, err := m.file.Load()
	if err != nil {
		return "", "", fmt.Errorf("loading key file: %w", err)
	}
	if ok {
		if err := m.remember(ctx, fileKey); err != nil {
			m.logger.Warn("failed to record key history", "error", err)
		}
		if err := m.publish(ctx, fileKey); err != nil {
			m.logger.Warn("failed to publish master key", "error", err)
		}
		return fileKey, SourceFile, nil
	}

	history, err := m.history(ctx)
	if err != nil {
		return "", "", err
	}
	if len(history) > 0 {
		if err := m.file.Store(history[0]); err != nil {
			m.logger.Warn("failed to restore key file from history", "error", err)
		}
		return history[0], SourceHistory, nil
	}

	m.logger.Warn("no pin hmac key found, generating a new one")
	key, err := m.install(ctx)
	if err != nil {
		return "", "", err
	}
	return key, SourceGenerated, nil
}

// install generates a key and persists it to every location.
func (m *KeyManager) install(ctx context.Context) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := m.file.Store(key); err != nil {
		m.logger.Error("failed to write key file", "path", m.file.Path(), "error", err)
	}
	if err := m.remember(ctx, key); err != nil {
		return "", fmt.Errorf("recording key history: %w", err)
	}
	if err := m.publish(ctx, key); err != nil {
		return "", fmt.Errorf("publishing master key: %w", err)
	}
	return key, nil
}

// Rotate replaces the current key. Earlier keys stay in history so existing
// PIN hashes keep verifying and are migrated on the next login.
func (m *KeyManager) Rotate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.install(ctx)
	if err != nil {
		return "", err
	}
	m.current, m.source = key, SourceGenerated
	m.logger.Info("pin hmac key rotated")
	return key, nil
}

// Reset drops the cached key. Call it when security.master_hmac_key changes.
func (m *KeyManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current, m.source = "", ""
}

// History returns the stored keys, newest first.
func (m *KeyManager) History(ctx context.Context) ([]string, error) {
	return m.history(ctx)
}

func (m *KeyManager) history(ctx context.Context) ([]string, error) {
	rows, err := m.settings.ListSettings(ctx, giro.SettingHMACHistoryPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading key history: %w", err)
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Value != "" {
			keys = append(keys, r.Value)
		}
	}
	return keys, nil
}

// remember appends key to the history unless it is already the newest entry,
// then prunes the history to HistorySize.
func (m *KeyManager) remember(ctx context.Context, key string) error {
	rows, err := m.settings.ListSettings(ctx, giro.SettingHMACHistoryPrefix)
	if err != nil {
		return err
	}
	if len(rows) > 0 && rows[0].Value == key {
		return nil
	}

	// Entries are ordered by epoch; two keys within one second must not collide.
	epoch := m.clock.Now().Unix()
	if len(rows) > 0 {
		if last, err := strconv.ParseInt(strings.TrimPrefix(rows[0].Key, giro.SettingHMACHistoryPrefix), 10, 64); err == nil && last >= epoch {
			epoch = last + 1
		}
	}
	name := historyKey(epoch)
	if err := m.settings.SetSetting(ctx, name, key); err != nil {
		return err
	}

	rows, err = m.settings.ListSettings(ctx, giro.SettingHMACHistoryPrefix)
	if err != nil {
		return err
	}
	for i := HistorySize; i < len(rows); i++ {
		if err := m.settings.DeleteSetting(ctx, rows[i].Key); err != nil {
			return err
		}
	}
	return nil
}

func historyKey(epoch int64) string {
	return giro.SettingHMACHistoryPrefix + strconv.FormatInt(epoch, 10)
}

// publish writes the replicated master key when this node serves peers.
func (m *KeyManager) publish(ctx context.Context, key string) error {
	if !m.mode().ServesPeers() {
		return nil
	}
	return m.settings.SetSetting(ctx, giro.SettingMasterHMACKey, key)
}

// Hash returns the HMAC-SHA256 of pin under the current key.
func (m *KeyManager) Hash(ctx context.Context, pin string) (string, error) {
	key, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	return HashWithKey(key, pin), nil
}

// HashWithKey returns the lowercase hex HMAC-SHA256 of pin. The key string's
// bytes are the HMAC key material.
func HashWithKey(key, pin string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(pin))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateKey returns 32 random bytes encoded as unpadded URL-safe base64.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
