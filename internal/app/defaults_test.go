package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("env vars win", func(t *testing.T) {
		t.Setenv("GIRO_CONFIG_PATH", "/custom/giro.toml")
		t.Setenv("GIRO_HOME", "/custom/giro")
		t.Setenv("GIRO_KEY_FILE", "/secure/pin.key")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		want := Defaults{ConfigPath: "/custom/giro.toml", BaseDir: "/custom/giro", KeyFile: "/secure/pin.key"}
		if d != want {
			t.Errorf("GetDefaults() = %+v, want %+v", d, want)
		}
	})

	t.Run("key file follows GIRO_HOME", func(t *testing.T) {
		t.Setenv("GIRO_CONFIG_PATH", "")
		t.Setenv("GIRO_HOME", "/srv/till")
		t.Setenv("GIRO_KEY_FILE", "")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		if want := filepath.Join("/srv/till", "keys", "pin_hmac.key"); d.KeyFile != want {
			t.Errorf("KeyFile = %q, want %q", d.KeyFile, want)
		}
	})

	t.Run("falls back to platform directories", func(t *testing.T) {
		t.Setenv("GIRO_CONFIG_PATH", "")
		t.Setenv("GIRO_HOME", "")
		t.Setenv("GIRO_KEY_FILE", "")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		appData, _ := os.UserConfigDir()
		homeDir, _ := os.UserHomeDir()
		want := Defaults{
			ConfigPath: filepath.Join(appData, "giro", "giro.toml"),
			BaseDir:    filepath.Join(homeDir, ".local", "share", "giro"),
			KeyFile:    filepath.Join(appData, "giro", "pin_hmac.key"),
		}
		if d != want {
			t.Errorf("GetDefaults() = %+v, want %+v", d, want)
		}
	})
}

func TestDefaults_NewConfig(t *testing.T) {
	d := Defaults{ConfigPath: "/etc/giro.toml", BaseDir: "/var/lib/giro", KeyFile: "/appdata/giro/pin_hmac.key"}
	cfg := d.NewConfig("till-7")

	if cfg.Node.ID != "till-7" {
		t.Errorf("Node.ID = %q, want %q", cfg.Node.ID, "till-7")
	}
	if cfg.Keys.KeyFile != d.KeyFile {
		t.Errorf("Keys.KeyFile = %q, want %q", cfg.Keys.KeyFile, d.KeyFile)
	}
	if want := filepath.Join("/var/lib/giro", "db"); cfg.Database.DataDir != want {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, want)
	}
}
