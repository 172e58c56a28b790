package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

const sampleRSSFeed = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>Example AI Blog</title>
  <item>
    <title>New Model Released</title>
    <link>https://example.com/posts/new-model</link>
    <guid>https://example.com/posts/new-model</guid>
    <description><![CDATA[<p>A <b>new</b> model was <i>released</i> today.</p>]]></description>
    <pubDate>Wed, 01 Jan 2026 00:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func TestFeedAdapterParsesRSSAndStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleRSSFeed))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewFeedAdapter(client)
	src := config.Source{Feed: &config.FeedOpts{FeedURLs: []string{srv.URL}}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if strings.Contains(records[0].RawSummary, "<") {
		t.Errorf("expected HTML stripped from summary, got %q", records[0].RawSummary)
	}
	if records[0].URL != "https://example.com/posts/new-model" {
		t.Errorf("URL = %q", records[0].URL)
	}
}

func TestFeedAdapterSkipsEntriesWithoutLink(t *testing.T) {
	feed := `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>Example</title>
  <item>
    <title>No link here</title>
    <description>orphan entry</description>
  </item>
</channel>
</rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewFeedAdapter(client)
	src := config.Source{Feed: &config.FeedOpts{FeedURLs: []string{srv.URL}}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected entries without a link to be skipped, got %d", len(records))
	}
}

func TestFeedAdapterSurvivesOneFeedFailing(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleRSSFeed))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewFeedAdapter(client)
	src := config.Source{Feed: &config.FeedOpts{FeedURLs: []string{good.URL, bad.URL}}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected the good feed's item to survive the bad feed's failure, got %d records", len(records))
	}
}
