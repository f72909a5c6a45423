package credkey

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"giro/internal/config"
)

// KeyFile persists the current HMAC key on the local filesystem.
type KeyFile interface {
	// Load returns the stored key, or ok=false when the file does not exist.
	Load() (key string, ok bool, err error)
	Store(key string) error
	Path() string
}

// NewKeyFileFromConfig creates a KeyFile based on the keys config type.
// passphrase is only used for type=age.
func NewKeyFileFromConfig(cfg config.KeysConfig, passphrase string) (KeyFile, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("key_file required")
	}
	switch cfg.Type {
	case "", "plain":
		return NewPlainKeyFile(cfg.KeyFile), nil
	case "age":
		if passphrase == "" {
			return nil, fmt.Errorf("passphrase required for age key file")
		}
		return NewSealedKeyFile(cfg.KeyFile, passphrase), nil
	default:
		return nil, fmt.Errorf("unknown key file type: %s", cfg.Type)
	}
}

// PlainKeyFile stores the key as text, readable only by the owner.
type PlainKeyFile struct {
	path string
}

func NewPlainKeyFile(path string) *PlainKeyFile {
	return &PlainKeyFile{path: path}
}

func (f *PlainKeyFile) Path() string { return f.path }

func (f *PlainKeyFile) Load() (string, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	return key, key != "", nil
}

func (f *PlainKeyFile) Store(key string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(key+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// SealedKeyFile stores the key encrypted with age's scrypt-based passphrase
// encryption.
type SealedKeyFile struct {
	path       string
	passphrase string
}

func NewSealedKeyFile(path, passphrase string) *SealedKeyFile {
	return &SealedKeyFile{path: path, passphrase: passphrase}
}

func (f *SealedKeyFile) Path() string { return f.path }

func (f *SealedKeyFile) Load() (string, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading key file: %w", err)
	}

	identity, err := age.NewScryptIdentity(f.passphrase)
	if err != nil {
		return "", false, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", false, fmt.Errorf("decrypting key file: %w", err)
	}

	plain, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("reading decrypted key: %w", err)
	}
	key := strings.TrimSpace(string(plain))
	return key, key != "", nil
}

func (f *SealedKeyFile) Store(key string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	recipient, err := age.NewScryptRecipient(f.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, key+"\n"); err != nil {
		return fmt.Errorf("writing encrypted key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted key: %w", err)
	}

	if err := os.WriteFile(f.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// IsSealed reports whether the file at path looks like an age payload.
func IsSealed(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(data, []byte("age-encryption.org/"))
}
