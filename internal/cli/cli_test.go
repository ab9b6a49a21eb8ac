package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vklachkov/glashatay/internal/admin"
	"github.com/vklachkov/glashatay/internal/config"
	"github.com/vklachkov/glashatay/internal/pair"
)

func withConfigPath(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func TestInitWritesLoadableConfig(t *testing.T) {
	for _, name := range []string{"glashatay.yaml", "glashatay.toml"} {
		path := filepath.Join(t.TempDir(), "conf", name)
		withConfigPath(t, path)

		if err := initAction(nil, nil); err != nil {
			t.Fatalf("%s: init: %v", name, err)
		}

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("%s: load example config: %v", name, err)
		}
		if cfg.Storage.Driver != "sqlite" || !cfg.Storage.Backup {
			t.Errorf("%s: storage = %+v", name, cfg.Storage)
		}
		if cfg.Poller.DefaultInterval.Duration != 5*time.Minute {
			t.Errorf("%s: default_interval = %v, want 5m", name, cfg.Poller.DefaultInterval.Duration)
		}

		// second run keeps the file
		if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := initAction(nil, nil); err != nil {
			t.Fatalf("%s: second init: %v", name, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "warn") {
			t.Errorf("%s: init overwrote existing config", name)
		}
	}
}

func TestPrintPairs(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	polled := now.Add(-2 * time.Minute)
	delivered := now.Add(-3 * time.Hour)

	var buf bytes.Buffer
	printPairs(&buf, []admin.PairView{
		{ID: 1, Source: "apiclub", DestinationID: -1001, PollInterval: "5m0s", LastPollAt: &polled, LastDeliveredAt: &delivered},
		{ID: 2, Source: "https://example.com/feed.xml", DestinationID: 42, PollInterval: "1m0s"},
	}, now)
	output := buf.String()

	for _, want := range []string{
		"ID", "LAST DELIVERED",
		"apiclub", "-1001", "2 minutes ago", "3 hours ago",
		"https://example.com/feed.xml", "never", "pending bootstrap",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestPrintPairs_Empty(t *testing.T) {
	var buf bytes.Buffer
	printPairs(&buf, nil, time.Now())
	if !strings.Contains(buf.String(), "No pairs configured") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

type memPairs struct {
	mu    sync.Mutex
	pairs map[pair.ID]pair.Config
	next  pair.ID
}

func (m *memPairs) Create(_ context.Context, cfg pair.Config) (pair.ID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.pairs[m.next] = cfg
	return m.next, nil
}

func (m *memPairs) Delete(_ context.Context, id pair.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[id]; !ok {
		return false, nil
	}
	delete(m.pairs, id)
	return true, nil
}

func (m *memPairs) List(context.Context) (map[pair.ID]pair.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[pair.ID]pair.Config, len(m.pairs))
	for id, cfg := range m.pairs {
		out[id] = cfg
	}
	return out, nil
}

func TestPairCommandsAgainstAdminAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("TEST_ADMIN_JWT", "s3cret")

	svc := &memPairs{pairs: make(map[pair.ID]pair.Config)}
	srv := httptest.NewServer(admin.NewHandler(svc, admin.Options{
		JWTSecret:       "s3cret",
		DefaultInterval: 5 * time.Minute,
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "glashatay.yaml")
	cfgYAML := fmt.Sprintf("admin:\n  url: %s\n  jwt_secret_env: TEST_ADMIN_JWT\n", srv.URL)
	if err := os.WriteFile(path, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	withConfigPath(t, path)

	resetPairAddFlags(t)
	rootCmd.SetArgs([]string{"pair", "add", "apiclub", "--chat", "-1001234567890", "--interval", "2m", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("pair add: %v", err)
	}
	if got := svc.pairs[1]; got.SourceHandle != "apiclub" || got.DestinationID != -1001234567890 || got.PollInterval != 2*time.Minute {
		t.Errorf("created pair = %+v", got)
	}

	resetPairAddFlags(t)
	rootCmd.SetArgs([]string{"pair", "add", "https://example.com/feed.xml", "--chat=-1001", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("pair add feed: %v", err)
	}
	if got := svc.pairs[2]; got.DestinationID != -1001 || got.PollInterval != 5*time.Minute {
		t.Errorf("created feed pair = %+v", got)
	}

	if err := pairListAction(pairListCmd, nil); err != nil {
		t.Fatalf("pair list: %v", err)
	}

	if err := pairDeleteAction(pairDeleteCmd, []string{"1"}); err != nil {
		t.Fatalf("pair delete: %v", err)
	}
	err := pairDeleteAction(pairDeleteCmd, []string{"1"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("second delete = %v, want not found", err)
	}
}

// resetPairAddFlags clears flag state left by an earlier Execute.
func resetPairAddFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		pairInterval = ""
		pairChatID = 0
		for _, name := range []string{"chat", "interval"} {
			pairAddCmd.Flags().Lookup(name).Changed = false
		}
	}
	reset()
	t.Cleanup(reset)
}

func TestPairAddRejectsBadArgs(t *testing.T) {
	withConfigPath(t, configPath)

	for _, args := range [][]string{
		{"pair", "add", "apiclub"},
		{"pair", "add", "apiclub", "--chat", "chat"},
		{"pair", "add", "apiclub", "--chat", "0"},
		{"pair", "add", "apiclub", "--chat", "1", "--interval", "often"},
	} {
		resetPairAddFlags(t)
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glashatay.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	withConfigPath(t, path)

	if err := tokenAction(nil, nil); err == nil {
		t.Error("expected error when admin auth is off")
	}
}
