package adapters

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

const feedSummaryClip = 500

// FeedAdapter parses one or more syndication feeds leniently — a
// malformed entry is dropped, not fatal to the whole feed. Grounded
// on original_source/src/msgskill/tools/rss_reader.py's parallel
// multi-feed fan-out, generalized to gofeed.Parser (§2.2 domain
// stack) instead of Python's feedparser, with goquery used to strip
// HTML from feed summaries the way the teacher's fetch.go strips
// article boilerplate.
type FeedAdapter struct {
	http *httpclient.Client
}

// NewFeedAdapter builds a FeedAdapter over the shared client.
func NewFeedAdapter(client *httpclient.Client) *FeedAdapter {
	return &FeedAdapter{http: client}
}

// Fetch retrieves every configured feed URL in parallel and merges
// their entries; a feed that fails to fetch or parse is skipped.
func (a *FeedAdapter) Fetch(ctx context.Context, src config.Source, maxResults int) ([]core.RawRecord, error) {
	if src.Feed == nil {
		return nil, fmt.Errorf("feed adapter: source has no feed options configured")
	}

	var mu sync.Mutex
	var records []core.RawRecord
	var wg sync.WaitGroup

	for _, feedURL := range src.Feed.FeedURLs {
		wg.Add(1)
		go func(feedURL string) {
			defer wg.Done()
			recs, err := a.fetchOne(ctx, feedURL)
			if err != nil {
				return // soft-fail: one feed's failure doesn't abort the others
			}
			mu.Lock()
			records = append(records, recs...)
			mu.Unlock()
		}(feedURL)
	}
	wg.Wait()

	if maxResults > 0 && len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

func (a *FeedAdapter) fetchOne(ctx context.Context, feedURL string) ([]core.RawRecord, error) {
	body, _, err := a.http.Get(ctx, feedURL, nil, nil)
	if err != nil {
		return nil, err
	}

	fp := gofeed.NewParser()
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}

	records := make([]core.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Link == "" {
			continue // an entry with no link can't be deduplicated or surfaced downstream
		}
		records = append(records, feedItemToRecord(item))
	}
	return records, nil
}

func feedItemToRecord(item *gofeed.Item) core.RawRecord {
	summary := stripHTML(item.Description)
	if summary == "" {
		summary = stripHTML(item.Content)
	}
	summary = core.ClipToCodePoints(summary, feedSummaryClip)

	rec := core.RawRecord{
		UpstreamID: item.GUID,
		SourceType: core.SourceFeed,
		Title:      strings.TrimSpace(item.Title),
		RawSummary: summary,
		URL:        item.Link,
	}
	if rec.UpstreamID == "" {
		rec.UpstreamID = item.Link
	}
	if item.PublishedParsed != nil {
		rec.PublishedAt = item.PublishedParsed
	}
	if item.Author != nil {
		rec.Author = item.Author.Name
	}
	return rec
}

func stripHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(html)
	}
	return collapseWhitespace(doc.Text())
}
