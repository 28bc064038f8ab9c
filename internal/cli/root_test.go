package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"donguatv/searchservice/internal/app"
)

func testConfig(t *testing.T, apiURL string) *app.Config {
	t.Helper()
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "db.json")
	doc := fmt.Sprintf(`{"sites":[{"key":"demo","name":"Demo","api":%q}]}`, apiURL)
	if err := os.WriteFile(dbFile, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return &app.Config{
		CacheType:   "memory",
		CacheDir:    dir,
		SitesFile:   dbFile,
		SmartSearch: true,
	}
}

func run(t *testing.T, cfg *app.Config, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(Options{Config: cfg})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeywordsCommand(t *testing.T) {
	out, err := run(t, testConfig(t, "http://unused.test"), "keywords", "利刃出鞘3：亡者归来")
	if err != nil {
		t.Fatalf("keywords: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || lines[0] != "利刃出鞘3：亡者归来" {
		t.Fatalf("unexpected keywords %q", out)
	}
	found := false
	for _, line := range lines {
		if line == "利刃出鞘" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stem variant in %q", out)
	}

	out, err = run(t, testConfig(t, "http://unused.test"), "keywords", "--no-smart", "利刃出鞘3")
	if err != nil || strings.TrimSpace(out) != "利刃出鞘3" {
		t.Fatalf("no-smart keywords = %q (%v)", out, err)
	}
}

func TestSitesCommand(t *testing.T) {
	out, err := run(t, testConfig(t, "http://demo.test/api.php"), "sites")
	if err != nil {
		t.Fatalf("sites: %v", err)
	}
	if !strings.Contains(out, "demo") || !strings.Contains(out, "http://demo.test/api.php") {
		t.Fatalf("unexpected sites output %q", out)
	}
}

func TestSearchCommandStreamsResults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"list": []map[string]any{
			{"vod_id": 10, "vod_name": "Demo Movie", "vod_year": 2024, "vod_remarks": "HD"},
		}})
	}))
	defer upstream.Close()

	out, err := run(t, testConfig(t, upstream.URL+"/api.php"), "search", "--no-smart", "Demo")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "[Demo] Demo Movie (2024) - HD  id=10") || !strings.Contains(out, "1 results") {
		t.Fatalf("unexpected search output %q", out)
	}

	out, err = run(t, testConfig(t, upstream.URL+"/api.php"), "search", "--site", "demo", "--json", "Demo")
	if err != nil {
		t.Fatalf("site search: %v", err)
	}
	if !strings.Contains(out, `"vod_id":10`) || !strings.Contains(out, `"site_key":"demo"`) {
		t.Fatalf("unexpected json output %q", out)
	}

	if _, err := run(t, testConfig(t, upstream.URL+"/api.php"), "search", "--site", "nope", "Demo"); err == nil {
		t.Fatal("expected unknown site error")
	}
}

func TestCacheCleanupCommand(t *testing.T) {
	out, err := run(t, testConfig(t, "http://unused.test"), "cache", "cleanup")
	if err != nil {
		t.Fatalf("cache cleanup: %v", err)
	}
	if !strings.Contains(out, "removed 0 expired entries from memory cache") {
		t.Fatalf("unexpected cleanup output %q", out)
	}
}
