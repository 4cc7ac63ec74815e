// Package auth resolves license-key credentials.
//
// Credential sources:
// - HTTP: "Authorization: Bearer OUTREACH-..." or "X-License-Key"
// - CLI: OUTREACH_AGENT_LICENSE, then the key file in the home directory
// - Admin HTTP: X-Admin-Secret
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Errors
var (
	ErrNoKeyFile  = errors.New("auth: no license key file")
	ErrBadKeyFile = errors.New("auth: unreadable license key file")
)

const (
	// EnvLicenseKey overrides the key file when set.
	EnvLicenseKey = "OUTREACH_AGENT_LICENSE"
	// KeyFileName lives in the user's home directory.
	KeyFileName = ".outreach_agent_license"
)

// BearerKey extracts the token from an Authorization header value. A value
// without the Bearer scheme is taken as the raw key.
func BearerKey(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// KeyFile stores the CLI user's license key as JSON.
type KeyFile struct {
	Path string
	now  func() time.Time
}

type keyFileContents struct {
	LicenseKey string    `json:"license_key"`
	SavedAt    time.Time `json:"saved_at"`
}

// DefaultKeyFilePath returns ~/.outreach_agent_license.
func DefaultKeyFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("auth: locate home directory: %w", err)
	}
	return filepath.Join(home, KeyFileName), nil
}

// NewKeyFile returns a KeyFile at path.
func NewKeyFile(path string) *KeyFile {
	return &KeyFile{Path: path, now: time.Now}
}

// Save writes key with owner-only permissions, replacing any previous key.
func (f *KeyFile) Save(key string) error {
	data, err := json.Marshal(keyFileContents{LicenseKey: key, SavedAt: f.now().UTC()})
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write key file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("auth: write key file: %w", err)
	}
	return nil
}

// Load returns the saved key, or ErrNoKeyFile when nothing has been saved.
func (f *KeyFile) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKeyFile
	}
	if err != nil {
		return "", fmt.Errorf("auth: read key file: %w", err)
	}
	var c keyFileContents
	if err := json.Unmarshal(data, &c); err != nil || c.LicenseKey == "" {
		return "", ErrBadKeyFile
	}
	return c.LicenseKey, nil
}

// Remove deletes the key file. It reports ErrNoKeyFile if there was none.
func (f *KeyFile) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoKeyFile
	}
	return err
}

// Resolve returns the CLI's license key: the environment variable wins,
// then the key file. An empty key with a nil error means none is configured.
func Resolve(getenv func(string) string, f *KeyFile) (string, error) {
	if k := strings.TrimSpace(getenv(EnvLicenseKey)); k != "" {
		return k, nil
	}
	if f == nil {
		return "", nil
	}
	k, err := f.Load()
	if errors.Is(err, ErrNoKeyFile) {
		return "", nil
	}
	return k, err
}
