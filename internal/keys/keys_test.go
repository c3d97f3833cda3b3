package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const acct = "0f1e2d3c-4b5a-4968-8776-655443322110"

func TestConfigDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GENTRACK_CONFIG_DIR", dir)

	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.Path() != filepath.Join(dir, "credentials.json") {
		t.Errorf("Path() = %s", store.Path())
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStoreInDir(tmpDir)

	if err := store.Set(acct, Credential{Cookie: "sso=abc; sso-rw=def"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(tmpDir, "credentials.json"))
	if err != nil {
		t.Fatalf("credentials.json not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credentials.json permissions = %v, want 0600", info.Mode().Perm())
	}

	cred, err := store.Get(acct)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.Cookie != "sso=abc; sso-rw=def" {
		t.Errorf("Get().Cookie = %q", cred.Cookie)
	}
	if cred.UpdatedAt.IsZero() {
		t.Error("Set() should stamp UpdatedAt")
	}

	if _, err := store.Get("other"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Get(other) error = %v, want %v", err, ErrNoCredential)
	}

	if err := store.Set("", Credential{Cookie: "sso=default"}); err != nil {
		t.Fatalf("Set(default) error = %v", err)
	}
	cred, err = store.Get("other")
	if err != nil || cred.Cookie != "sso=default" {
		t.Errorf("Get(other) should fall back to the default credential, got %q, %v", cred.Cookie, err)
	}

	accounts, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(accounts) != 2 || accounts[0] != acct || accounts[1] != DefaultAccount {
		t.Errorf("List() = %v", accounts)
	}

	if err := store.Delete(acct); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(acct); !errors.Is(err, ErrNoCredential) {
		t.Errorf("second Delete() error = %v, want %v", err, ErrNoCredential)
	}
}

func TestStore_SetRejectsEmptyCookie(t *testing.T) {
	store := NewStoreInDir(t.TempDir())
	if err := store.Set(acct, Credential{Cookie: "  "}); err == nil {
		t.Error("Set() with an empty cookie should fail")
	}
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "credentials.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	store := NewStoreInDir(dir)
	if _, err := store.Get(acct); err == nil {
		t.Error("Get() should fail on a corrupt file")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "*****"},
		{"sso=abcdefgh1234", "sso=********1234"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveCookie(t *testing.T) {
	store := NewStoreInDir(t.TempDir())
	t.Setenv("GENTRACK_TEST_COOKIE", "")

	if _, _, err := ResolveCookie("", store, acct, "GENTRACK_TEST_COOKIE"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("ResolveCookie() error = %v, want %v", err, ErrNoCredential)
	}

	t.Setenv("GENTRACK_TEST_COOKIE", "sso=env")
	cookie, source, err := ResolveCookie("", store, acct, "GENTRACK_TEST_COOKIE")
	if err != nil || cookie != "sso=env" {
		t.Fatalf("ResolveCookie() = %q, %v", cookie, err)
	}
	if source != "environment variable (GENTRACK_TEST_COOKIE)" {
		t.Errorf("source = %q", source)
	}

	if err := store.Set(acct, Credential{Cookie: "sso=stored"}); err != nil {
		t.Fatal(err)
	}
	cookie, _, _ = ResolveCookie("", store, acct, "GENTRACK_TEST_COOKIE")
	if cookie != "sso=stored" {
		t.Errorf("stored credential should beat the environment, got %q", cookie)
	}

	cookie, source, _ = ResolveCookie("sso=flag", store, acct, "GENTRACK_TEST_COOKIE")
	if cookie != "sso=flag" || source != "command-line flag" {
		t.Errorf("explicit cookie should win, got %q from %q", cookie, source)
	}
}
