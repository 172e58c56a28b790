// Package adapters implements the four Source Adapters (spec §4.G):
// headline, repo, paper, and feed. Each is a pure function of
// (config, limits, context) returning []core.RawRecord with a bounded
// outbound-call budget and soft-fail-partial-success semantics.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

const headlineDetailConcurrency = 20

// HeadlineAdapter fetches a ranked id-list aggregator such as the
// Hacker News Firebase API: three id-lists (one per story_kind),
// deduplicated, then ≤20 parallel item-detail requests. Grounded on
// original_source/src/msgskill/tools/news_scraper.py's
// _fetch_hackernews three-story-type fan-out. A story without its own
// URL falls back to its item-page URL.
type HeadlineAdapter struct {
	http *httpclient.Client
}

// NewHeadlineAdapter builds a HeadlineAdapter over the shared client.
func NewHeadlineAdapter(client *httpclient.Client) *HeadlineAdapter {
	return &HeadlineAdapter{http: client}
}

type hnStory struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	By          string `json:"by"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	Time        int64  `json:"time"`
}

// Fetch retrieves up to maxResults stories across every configured
// story_kind, tagging each with its originating list.
func (a *HeadlineAdapter) Fetch(ctx context.Context, src config.Source, maxResults int) ([]core.RawRecord, error) {
	if src.Headline == nil {
		return nil, fmt.Errorf("headline adapter: source has no headline options configured")
	}
	baseURL := src.Common.APIBaseURL
	if baseURL == "" {
		baseURL = "https://hacker-news.firebaseio.com/v0"
	}

	storyKinds := src.Headline.StoryKinds
	if len(storyKinds) == 0 {
		storyKinds = []string{"top", "new", "best"}
	}

	type idWithKind struct {
		id   int
		kind string
	}
	var idList []idWithKind
	seen := map[int]bool{}

	for _, kind := range storyKinds {
		endpoint := kindEndpoint(kind)
		body, _, err := a.http.Get(ctx, baseURL+"/"+endpoint+".json", nil, nil)
		if err != nil {
			continue // soft-fail: a missing list doesn't abort the others
		}
		var ids []int
		if err := json.Unmarshal(body, &ids); err != nil {
			continue
		}
		if len(ids) > 100 {
			ids = ids[:100]
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			idList = append(idList, idWithKind{id: id, kind: kind})
		}
	}
	if len(idList) == 0 {
		return nil, nil
	}

	records := make([]core.RawRecord, len(idList))
	valid := make([]bool, len(idList))

	for start := 0; start < len(idList); start += headlineDetailConcurrency {
		end := start + headlineDetailConcurrency
		if end > len(idList) {
			end = len(idList)
		}
		batch := idList[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for i, item := range batch {
			i, item := i, item
			g.Go(func() error {
				story, err := a.fetchStory(gctx, baseURL, item.id)
				if err != nil || story == nil || story.Type != "story" || story.Title == "" {
					return nil // soft-fail per item
				}
				idx := start + i
				records[idx] = storyToRecord(*story, item.kind)
				valid[idx] = true
				return nil
			})
		}
		_ = g.Wait() // errors are swallowed per-item; only invalid flags matter
	}

	out := make([]core.RawRecord, 0, len(records))
	for i, ok := range valid {
		if ok {
			out = append(out, records[i])
			if maxResults > 0 && len(out) >= maxResults {
				break
			}
		}
	}
	return out, nil
}

func kindEndpoint(kind string) string {
	switch kind {
	case "top":
		return "topstories"
	case "new":
		return "newstories"
	case "best":
		return "beststories"
	default:
		return kind + "stories"
	}
}

func (a *HeadlineAdapter) fetchStory(ctx context.Context, baseURL string, id int) (*hnStory, error) {
	body, _, err := a.http.Get(ctx, fmt.Sprintf("%s/item/%d.json", baseURL, id), nil, nil)
	if err != nil {
		return nil, err
	}
	var story hnStory
	if err := json.Unmarshal(body, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

func storyToRecord(story hnStory, storyKind string) core.RawRecord {
	url := story.URL
	if url == "" {
		url = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", story.ID)
	}
	var published *time.Time
	if story.Time > 0 {
		t := time.Unix(story.Time, 0).UTC()
		published = &t
	}
	score := story.Score
	comments := story.Descendants
	return core.RawRecord{
		UpstreamID:    fmt.Sprintf("%d", story.ID),
		SourceType:    core.SourceHeadline,
		Title:         story.Title,
		RawSummary:    story.Title,
		URL:           url,
		PublishedAt:   published,
		Author:        story.By,
		Score:         &score,
		StoryKind:     storyKind,
		CommentsCount: &comments,
	}
}
