// Package keys stores upstream session credentials per account. The
// generator falls back to them when no captured request headers exist.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultAccount keys the credential used when no account is known.
	DefaultAccount = "default"

	fileName = "credentials.json"
)

var ErrNoCredential = errors.New("no stored credential")

// Credential is the upstream session for one account.
type Credential struct {
	Cookie    string    `json:"cookie"`
	UserAgent string    `json:"userAgent,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type credentials map[string]Credential

// Store keeps credentials in a 0600 JSON file in the user config dir.
type Store struct {
	configDir string
}

func NewStore() (*Store, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

func NewStoreInDir(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the platform config directory for gentrack.
func ConfigDir() (string, error) {
	if dir := os.Getenv("GENTRACK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "gentrack"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "gentrack"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "gentrack"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, fileName)
}

func (s *Store) load() (credentials, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(credentials), nil
		}
		return nil, err
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}
	if creds == nil {
		creds = make(credentials)
	}
	return creds, nil
}

func (s *Store) save(creds credentials) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	return nil
}

// Set stores cred for accountID. A blank account id stores the default.
func (s *Store) Set(accountID string, cred Credential) error {
	if strings.TrimSpace(cred.Cookie) == "" {
		return fmt.Errorf("cookie cannot be empty")
	}
	creds, err := s.load()
	if err != nil {
		return err
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	creds[accountKey(accountID)] = cred
	return s.save(creds)
}

// Get returns the credential for accountID, falling back to the default
// credential.
func (s *Store) Get(accountID string) (Credential, error) {
	creds, err := s.load()
	if err != nil {
		return Credential{}, err
	}
	if cred, ok := creds[accountKey(accountID)]; ok {
		return cred, nil
	}
	if cred, ok := creds[DefaultAccount]; ok {
		return cred, nil
	}
	return Credential{}, fmt.Errorf("%w for account %s", ErrNoCredential, accountKey(accountID))
}

func (s *Store) Delete(accountID string) error {
	creds, err := s.load()
	if err != nil {
		return err
	}
	key := accountKey(accountID)
	if _, ok := creds[key]; !ok {
		return fmt.Errorf("%w for account %s", ErrNoCredential, key)
	}
	delete(creds, key)
	return s.save(creds)
}

// List returns the stored account ids, sorted.
func (s *Store) List() ([]string, error) {
	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(creds))
	for id := range creds {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func accountKey(accountID string) string {
	if id := strings.ToLower(strings.TrimSpace(accountID)); id != "" {
		return id
	}
	return DefaultAccount
}

// Mask returns a masked version of a secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// ResolveCookie picks the upstream cookie in priority order: explicit
// value, stored credential for the account, then the environment variable.
// The second result names the source for display.
func ResolveCookie(explicit string, store *Store, accountID, envVar string) (string, string, error) {
	if explicit != "" {
		return explicit, "command-line flag", nil
	}
	if store != nil {
		if cred, err := store.Get(accountID); err == nil && cred.Cookie != "" {
			return cred.Cookie, "stored credential (" + store.Path() + ")", nil
		}
	}
	if v := os.Getenv(envVar); v != "" {
		return v, fmt.Sprintf("environment variable (%s)", envVar), nil
	}
	return "", "", fmt.Errorf("%w: run 'gentrack login' or set %s", ErrNoCredential, envVar)
}
