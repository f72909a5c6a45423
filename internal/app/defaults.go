package app

import (
	"fmt"
	"os"
	"path/filepath"

	"giro/internal/config"
)

// Defaults are the per-machine paths a node starts from before any config
// file exists.
type Defaults struct {
	// ConfigPath is the TOML file every command reads.
	ConfigPath string
	// BaseDir holds the database and logs.
	BaseDir string
	// KeyFile is where the PIN HMAC key is kept when no environment key is set.
	// It lives in the platform app data directory so reinstalling or moving
	// BaseDir does not lose the key.
	KeyFile string
}

// GetDefaults resolves default paths. Environment variables win:
//   - GIRO_CONFIG_PATH: config file (default: <app data>/giro/giro.toml)
//   - GIRO_HOME: data directory (default: ~/.local/share/giro)
//   - GIRO_KEY_FILE: PIN key file (default: <app data>/giro/pin_hmac.key,
//     or GIRO_HOME/keys/pin_hmac.key when GIRO_HOME is set)
//
// <app data> is os.UserConfigDir: %AppData% on Windows,
// ~/Library/Application Support on macOS and $XDG_CONFIG_HOME on Linux.
func GetDefaults() (Defaults, error) {
	var d Defaults

	home := os.Getenv("GIRO_HOME")
	if home != "" {
		d.BaseDir = home
	} else {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Defaults{}, fmt.Errorf("cannot determine home directory: %w", err)
		}
		d.BaseDir = filepath.Join(userHome, ".local", "share", "giro")
	}

	d.ConfigPath = os.Getenv("GIRO_CONFIG_PATH")
	d.KeyFile = os.Getenv("GIRO_KEY_FILE")
	if d.KeyFile == "" && home != "" {
		d.KeyFile = filepath.Join(home, "keys", "pin_hmac.key")
	}
	if d.ConfigPath == "" || d.KeyFile == "" {
		appData, err := os.UserConfigDir()
		if err != nil {
			return Defaults{}, fmt.Errorf("cannot determine app data directory: %w", err)
		}
		if d.ConfigPath == "" {
			d.ConfigPath = filepath.Join(appData, "giro", "giro.toml")
		}
		if d.KeyFile == "" {
			d.KeyFile = filepath.Join(appData, "giro", "pin_hmac.key")
		}
	}
	return d, nil
}

// NewConfig builds a fresh node config rooted at these paths.
func (d Defaults) NewConfig(nodeID string) *config.Config {
	cfg := config.NewConfig(nodeID, d.BaseDir)
	cfg.Keys.KeyFile = d.KeyFile
	return cfg
}
