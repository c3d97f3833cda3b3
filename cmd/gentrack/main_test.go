package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/manash/gentrack/internal/config"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/keys"
)

const (
	acct = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	img1 = "11111111-1111-4111-8111-111111111111"
	img2 = "33333333-3333-4333-8333-333333333333"
	vid1 = "22222222-2222-4222-8222-222222222222"
)

// newTestApp creates an App whose history and credentials live in dir.
func newTestApp(out *bytes.Buffer, dir string) *App {
	return &App{
		Out:    out,
		Err:    &bytes.Buffer{},
		In:     strings.NewReader(""),
		GetEnv: func(string) string { return "" },
		LoadConfig: func(string) (*config.Config, error) {
			return &config.Config{
				ListenAddr:   "127.0.0.1:0",
				UpstreamURL:  "https://grok.com",
				AssetHost:    "assets.grok.com",
				DBPath:       filepath.Join(dir, "history.db"),
				MaxEntries:   1,
				InitialGuard: time.Minute,
			}, nil
		},
		// No cap on write, so prune has something to evict.
		OpenStore: func(cfg *config.Config) (*history.Store, error) {
			return history.NewStoreWithPath(cfg.DBPath, history.Options{})
		},
		NewCredentials: func() (*keys.Store, error) {
			return keys.NewStoreInDir(filepath.Join(dir, "config")), nil
		},
	}
}

func execute(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	out := app.Out.(*bytes.Buffer)
	out.Reset()
	cmd := newRootCmd(app)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaultApp(t *testing.T) {
	app := DefaultApp()

	if app.Out == nil || app.Err == nil || app.In == nil {
		t.Error("DefaultApp() streams are nil")
	}
	if app.GetEnv == nil {
		t.Error("DefaultApp() GetEnv is nil")
	}
	if app.LoadConfig == nil {
		t.Error("DefaultApp() LoadConfig is nil")
	}
	if app.OpenStore == nil {
		t.Error("DefaultApp() OpenStore is nil")
	}
	if app.NewCredentials == nil {
		t.Error("DefaultApp() NewCredentials is nil")
	}
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd(newTestApp(&bytes.Buffer{}, t.TempDir()))

	if cmd.Use != "gentrack" {
		t.Errorf("Use = %s, want gentrack", cmd.Use)
	}
	for _, name := range []string{"config", "verbose"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag --%s not found", name)
		}
	}

	want := []string{"serve", "merge", "history", "export", "prune", "replay", "login", "logout"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %s not found", name)
		}
	}
}

func TestMergeThenHistory(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, dir)
	listing := writeFile(t, dir, "listing.json", `{"posts":[
	  {"id":"`+img1+`","userId":"`+acct+`","prompt":"a cat","mediaUrl":"https://assets.grok.com/users/`+acct+`/generated/`+img1+`/image.jpg",
	   "videos":[{"id":"`+vid1+`","mediaUrl":"https://assets.grok.com/users/`+acct+`/generated/`+vid1+`/generated_video.mp4","createTime":"2026-01-02T03:04:05Z"}]}
	]}`)

	out, err := execute(t, app, "merge", listing)
	if err != nil {
		t.Fatalf("merge error = %v", err)
	}
	if !strings.Contains(out, "Entries: 1 created") || !strings.Contains(out, "Attempts: 1 created") {
		t.Errorf("merge output = %q", out)
	}

	out, err = execute(t, app, "history")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, img1) || !strings.Contains(out, "success 100%") {
		t.Errorf("history output = %q", out)
	}

	out, err = execute(t, app, "history", img1)
	if err != nil {
		t.Fatalf("history <id> error = %v", err)
	}
	if !strings.Contains(out, `"videoId": "`+vid1+`"`) {
		t.Errorf("history <id> output = %q", out)
	}

	out, err = execute(t, app, "history", "--json", "--account", acct)
	if err != nil {
		t.Fatalf("history --json error = %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "[") {
		t.Errorf("history --json output = %q", out)
	}

	if _, err := execute(t, app, "history", img2); err == nil {
		t.Error("history of an unknown image should fail")
	}
	if _, err := execute(t, app, "history", "not-a-uuid"); err == nil {
		t.Error("history with an invalid id should fail")
	}
}

func TestMerge_Errors(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, dir)

	if _, err := execute(t, app, "merge", filepath.Join(dir, "missing.json")); err == nil {
		t.Error("merge of a missing file should fail")
	}
	bad := writeFile(t, dir, "listing.csv", "a,b")
	if _, err := execute(t, app, "merge", bad); err == nil {
		t.Error("merge of an unsupported file should fail")
	}
}

func TestExportPruneDelete(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, dir)
	app.In = strings.NewReader(`[{"id":"` + img1 + `","prompt":"one"},{"id":"` + img2 + `","prompt":"two"}]`)

	if _, err := execute(t, app, "merge", "--account", acct, "-"); err != nil {
		t.Fatalf("merge from stdin error = %v", err)
	}

	exportDir := filepath.Join(dir, "export")
	out, err := execute(t, app, "export", exportDir)
	if err != nil {
		t.Fatalf("export error = %v", err)
	}
	if !strings.Contains(out, "Exported 2 entries") {
		t.Errorf("export output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, img1+".json")); err != nil {
		t.Errorf("exported file missing: %v", err)
	}

	out, err = execute(t, app, "prune")
	if err != nil {
		t.Fatalf("prune error = %v", err)
	}
	if !strings.Contains(out, "Removed 1 entries, 1 remain") {
		t.Errorf("prune output = %q", out)
	}

	out, err = execute(t, app, "history", "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	kept := img1
	if !strings.Contains(out, img1) {
		kept = img2
	}
	if _, err := execute(t, app, "history", "--delete", kept); err != nil {
		t.Fatalf("history --delete error = %v", err)
	}
	out, _ = execute(t, app, "history")
	if !strings.Contains(out, "No history yet.") {
		t.Errorf("history after delete = %q", out)
	}

	if _, err := execute(t, app, "history", "--delete"); err == nil {
		t.Error("--delete without an id should fail")
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, dir)
	records := []string{
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":30}}}}`,
		`not json`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/` + acct + `/generated/` + vid1 + `/generated_video.mp4"}}}}`,
	}
	streamFile := writeFile(t, dir, "stream.jsonl", strings.Join(records, "\n")+"\n")

	out, err := execute(t, app, "replay", "--image", img1, "--account", acct, "--prompt", "a cat", streamFile)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if !strings.Contains(out, "success at 100%") {
		t.Errorf("replay output = %q", out)
	}
	if !strings.Contains(out, "Video: https://assets.grok.com/users/"+acct) {
		t.Errorf("replay should print the normalized video url, got %q", out)
	}

	app.In = strings.NewReader(records[0] + "\n")
	out, err = execute(t, app, "replay", "--image", img1, "-")
	if err != nil {
		t.Fatalf("replay from stdin error = %v", err)
	}
	if !strings.Contains(out, "failed at 30%") {
		t.Errorf("replay of a truncated stream = %q", out)
	}

	if _, err := execute(t, app, "replay", streamFile); err == nil {
		t.Error("replay without --image should fail")
	}
}

func TestLoginLogout(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, dir)

	out, err := execute(t, app, "login", "--cookie", "sso=abcdefghijkl")
	if err != nil {
		t.Fatalf("login error = %v", err)
	}
	if strings.Contains(out, "abcdefgh") {
		t.Errorf("login output leaks the cookie: %q", out)
	}

	app.In = strings.NewReader("sso=from-stdin-cookie\n")
	if _, err := execute(t, app, "login", "--account", acct); err != nil {
		t.Fatalf("login from stdin error = %v", err)
	}

	out, err = execute(t, app, "login", "--list")
	if err != nil {
		t.Fatalf("login --list error = %v", err)
	}
	if !strings.Contains(out, keys.DefaultAccount) || !strings.Contains(out, acct) {
		t.Errorf("login --list output = %q", out)
	}

	out, err = execute(t, app, "login", "--check", "--account", acct)
	if err != nil {
		t.Fatalf("login --check error = %v", err)
	}
	if !strings.Contains(out, "stored credential") {
		t.Errorf("login --check output = %q", out)
	}

	if _, err := execute(t, app, "logout", "--account", acct); err != nil {
		t.Fatalf("logout error = %v", err)
	}
	if _, err := execute(t, app, "logout", "--account", acct); err == nil {
		t.Error("second logout should fail")
	}

	app.In = strings.NewReader("")
	if _, err := execute(t, app, "login", "--account", acct); err == nil {
		t.Error("login without a cookie should fail")
	}
}
