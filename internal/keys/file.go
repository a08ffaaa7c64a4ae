package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSecret is returned by LoadSecretFile when no secret has been saved yet.
var ErrNoSecret = errors.New("keys: no secret key saved")

// LoadSecretFile reads and parses the secret stored at path.
func LoadSecretFile(path string) (Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Secret{}, ErrNoSecret
		}
		return Secret{}, fmt.Errorf("keys: read %s: %w", path, err)
	}
	return ParseSecret(strings.TrimSpace(string(data)))
}

// SaveSecretFile writes the canonical form of s to path, readable only by
// the current user. The parent directory is created if missing.
func SaveSecretFile(path string, s Secret) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keys: create key dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(FormatSecret(s)+"\n"), 0o600); err != nil {
		return fmt.Errorf("keys: write key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keys: install key: %w", err)
	}
	return nil
}
