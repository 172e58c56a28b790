package handlers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

func TestAdapterForSelectsByVariantOption(t *testing.T) {
	client := httpclient.New(5*time.Second, "test-agent")

	cases := []struct {
		name string
		src  config.Source
	}{
		{"headline", config.Source{Headline: &config.HeadlineOpts{}}},
		{"repo", config.Source{Repo: &config.RepoOpts{}}},
		{"paper", config.Source{Paper: &config.PaperOpts{}}},
		{"feed", config.Source{Feed: &config.FeedOpts{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter, err := adapterFor(client, tc.src)
			if err != nil {
				t.Fatalf("adapterFor: %v", err)
			}
			if adapter == nil {
				t.Fatal("expected a non-nil adapter")
			}
		})
	}
}

func TestAdapterForRejectsSourceWithNoVariant(t *testing.T) {
	client := httpclient.New(5*time.Second, "test-agent")
	if _, err := adapterFor(client, config.Source{}); err == nil {
		t.Error("expected an error for a source with no variant options set")
	}
}

func TestFirstPositiveReturnsFirstNonZero(t *testing.T) {
	if got := firstPositive(0, 0, 7, 3); got != 7 {
		t.Errorf("firstPositive = %d, want 7", got)
	}
	if got := firstPositive(0, 0); got != 0 {
		t.Errorf("firstPositive with no positives = %d, want 0", got)
	}
}

const reloadTestConfigV1 = `
sources:
  feed:
    enabled: true
    feed_urls: ["https://example.com/a.xml"]
`

const reloadTestConfigV2 = `
sources:
  feed:
    enabled: true
    feed_urls: ["https://example.com/b.xml"]
`

func TestReloadConfigPurgesChangedSourceCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(reloadTestConfigV1), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	app, err := NewApp(path, false, "error")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	app.Cache.Set("fetch:feed:10", "stale-result", time.Hour)

	if err := os.WriteFile(path, []byte(reloadTestConfigV2), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	changed, err := app.ReloadConfig()
	if err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	found := false
	for _, name := range changed {
		if name == "feed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected feed to be reported changed, got %v", changed)
	}

	if _, ok := app.Cache.Get("fetch:feed:10"); ok {
		t.Error("expected the stale fetch-cache entry for the changed source to be purged")
	}
}
