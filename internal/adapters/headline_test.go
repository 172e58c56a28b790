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

func TestHeadlineAdapterFetchesAndTagsStoryKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/topstories.json"):
			_, _ = w.Write([]byte(`[1]`))
		case strings.HasSuffix(r.URL.Path, "/newstories.json"):
			_, _ = w.Write([]byte(`[2]`))
		case strings.HasSuffix(r.URL.Path, "/beststories.json"):
			_, _ = w.Write([]byte(`[]`))
		case strings.Contains(r.URL.Path, "/item/1.json"):
			_, _ = w.Write([]byte(`{"id":1,"type":"story","title":"A new AI model","url":"https://example.com/a","by":"alice","score":100,"descendants":10,"time":1700000000}`))
		case strings.Contains(r.URL.Path, "/item/2.json"):
			_, _ = w.Write([]byte(`{"id":2,"type":"story","title":"Ask HN: something","by":"bob","score":5,"descendants":1,"time":1700000001}`))
		}
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewHeadlineAdapter(client)
	src := config.Source{Common: config.CommonFields{APIBaseURL: srv.URL}, Headline: &config.HeadlineOpts{StoryKinds: []string{"top", "new", "best"}}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	kinds := map[string]string{}
	for _, r := range records {
		kinds[r.UpstreamID] = r.StoryKind
	}
	if kinds["1"] != "top" || kinds["2"] != "new" {
		t.Errorf("unexpected story kinds: %+v", kinds)
	}
}

func TestHeadlineAdapterFallsBackToItemPageURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/topstories.json"):
			_, _ = w.Write([]byte(`[3]`))
		case strings.HasSuffix(r.URL.Path, "/newstories.json"), strings.HasSuffix(r.URL.Path, "/beststories.json"):
			_, _ = w.Write([]byte(`[]`))
		case strings.Contains(r.URL.Path, "/item/3.json"):
			_, _ = w.Write([]byte(`{"id":3,"type":"story","title":"Ask HN: no url","by":"carol","score":1,"time":1700000002}`))
		}
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewHeadlineAdapter(client)
	src := config.Source{Common: config.CommonFields{APIBaseURL: srv.URL}, Headline: &config.HeadlineOpts{}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !strings.Contains(records[0].URL, "item?id=3") {
		t.Errorf("expected item-page fallback URL, got %q", records[0].URL)
	}
}

func TestHeadlineAdapterEmptyListsReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	adapter := NewHeadlineAdapter(client)
	src := config.Source{Common: config.CommonFields{APIBaseURL: srv.URL}, Headline: &config.HeadlineOpts{}}

	records, err := adapter.Fetch(context.Background(), src, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected 0 records for empty story lists, got %d", len(records))
	}
}
