package adapters

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

const (
	paperAbstractClip  = 500
	paperMaxConcurrent = 5
)

// PaperAdapter queries a category-scoped paper index (arXiv's Atom
// query API) and extracts submission-date-desc results. Grounded on
// original_source/src/msgskill/tools/arxiv_fetcher.py's
// category-to-query mapping, first-5-authors truncation, and
// 500-character abstract clip; uses gofeed's Atom parser instead of
// the source's dedicated arxiv client library, since the export API
// is itself an Atom feed.
type PaperAdapter struct {
	http *httpclient.Client
}

// NewPaperAdapter builds a PaperAdapter over the shared client.
func NewPaperAdapter(client *httpclient.Client) *PaperAdapter {
	return &PaperAdapter{http: client}
}

// Fetch queries every configured category concurrently (bounded to 5
// at a time) and merges the results.
func (a *PaperAdapter) Fetch(ctx context.Context, src config.Source, maxResults int) ([]core.RawRecord, error) {
	if src.Paper == nil {
		return nil, fmt.Errorf("paper adapter: source has no paper options configured")
	}
	categories := []string{src.Paper.Category}
	if src.Paper.Category == "" {
		categories = []string{"cs.AI"}
	}

	baseURL := src.Common.APIBaseURL
	if baseURL == "" {
		baseURL = "http://export.arxiv.org/api/query"
	}

	sem := make(chan struct{}, paperMaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var records []core.RawRecord

	for _, category := range categories {
		sem <- struct{}{}
		wg.Add(1)
		go func(category string) {
			defer wg.Done()
			defer func() { <-sem }()

			recs, err := a.fetchCategory(ctx, baseURL, category, src.Paper.Keywords, maxResults)
			if err != nil {
				return // soft-fail: one category's failure doesn't abort the others
			}
			mu.Lock()
			records = append(records, recs...)
			mu.Unlock()
		}(category)
	}
	wg.Wait()

	if maxResults > 0 && len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

func (a *PaperAdapter) fetchCategory(ctx context.Context, baseURL, category string, keywords []string, maxResults int) ([]core.RawRecord, error) {
	searchQuery := "cat:" + category
	if len(keywords) > 0 {
		searchQuery = fmt.Sprintf("cat:%s AND (%s)", category, strings.Join(keywords, " OR "))
	}

	limit := maxResults
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{
		"search_query": {searchQuery},
		"sortBy":       {"submittedDate"},
		"sortOrder":    {"descending"},
		"max_results":  {fmt.Sprintf("%d", limit)},
	}

	body, _, err := a.http.Get(ctx, baseURL, nil, params)
	if err != nil {
		return nil, err
	}

	fp := gofeed.NewParser()
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing arxiv atom feed: %w", err)
	}

	records := make([]core.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		records = append(records, paperItemToRecord(item, category))
	}
	return records, nil
}

func paperItemToRecord(item *gofeed.Item, category string) core.RawRecord {
	summary := collapseWhitespace(item.Description)
	summary = core.ClipToCodePoints(summary, paperAbstractClip)

	authors := make([]string, 0, 5)
	authorCount := 0
	for _, author := range item.Authors {
		if author == nil || author.Name == "" {
			continue
		}
		authorCount++
		if len(authors) < 5 {
			authors = append(authors, author.Name)
		}
	}

	var published *time.Time
	if item.PublishedParsed != nil {
		published = item.PublishedParsed
	}

	return core.RawRecord{
		UpstreamID:  item.GUID,
		SourceType:  core.SourcePaper,
		Title:       collapseWhitespace(item.Title),
		RawSummary:  summary,
		URL:         item.Link,
		PublishedAt: published,
		Author:      strings.Join(authors, ", "),
		StoryKind:   category,
		Extra: map[string]string{
			"primary_category": category,
			"author_count":     strconv.Itoa(authorCount),
		},
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
