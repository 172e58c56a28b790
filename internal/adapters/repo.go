package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

// RepoAdapter searches a code-host's repository search API across the
// cartesian product of trending_kind x language, one serial query at
// a time with a 1s inter-query sleep. Grounded on
// original_source/src/msgskill/tools/github_fetcher.py's trend_type/
// language double loop, "updated" vs "stars" sort-key choice, and
// break-inner-continue-outer 403 handling.
type RepoAdapter struct {
	http  *httpclient.Client
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRepoAdapter builds a RepoAdapter over the shared client.
func NewRepoAdapter(client *httpclient.Client) *RepoAdapter {
	return &RepoAdapter{http: client, now: time.Now, sleep: time.Sleep}
}

type repoSearchResponse struct {
	Items []repoItem `json:"items"`
}

type repoItem struct {
	ID              int      `json:"id"`
	FullName        string   `json:"full_name"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	HTMLURL         string   `json:"html_url"`
	CreatedAt       string   `json:"created_at"`
	StargazersCount int      `json:"stargazers_count"`
	Topics          []string `json:"topics"`
	Owner           struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Fetch queries the code host once per (trending_kind, language) pair.
// On HTTP 403 it breaks out of the inner language loop and continues
// with the next trending_kind, per §4.G.
func (a *RepoAdapter) Fetch(ctx context.Context, src config.Source, maxResults int) ([]core.RawRecord, error) {
	if src.Repo == nil {
		return nil, fmt.Errorf("repo adapter: source has no repo options configured")
	}
	baseURL := src.Common.APIBaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com/search/repositories"
	}

	trendingTypes := src.Repo.TrendingTypes
	if len(trendingTypes) == 0 {
		trendingTypes = []string{"pushed", "created", "stars"}
	}
	languages := src.Repo.Languages
	if len(languages) == 0 {
		languages = []string{"python"}
	}

	perPage := maxResults * 3
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}

	seen := map[int]bool{}
	var records []core.RawRecord

	queried := 0
	for _, kind := range trendingTypes {
		for _, lang := range languages {
			if queried > 0 {
				a.sleep(time.Second)
			}
			queried++

			query, sortKey := a.buildQuery(kind, lang, src.Repo.StarLimits)
			params := url.Values{
				"q":        {query},
				"sort":     {sortKey},
				"order":    {"desc"},
				"per_page": {fmt.Sprintf("%d", perPage)},
			}

			body, status, err := a.http.Get(ctx, baseURL, map[string]string{
				"Accept": "application/vnd.github.mercy-preview+json",
			}, params)
			if status == 403 {
				break // rate-limited: skip remaining languages for this kind, try next kind
			}
			if err != nil {
				continue
			}

			var resp repoSearchResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				continue
			}

			for _, repo := range resp.Items {
				if seen[repo.ID] {
					continue
				}
				seen[repo.ID] = true
				records = append(records, repoToRecord(repo, kind))
			}
		}
	}

	if maxResults > 0 && len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

func (a *RepoAdapter) buildQuery(trendKind, language string, starLimits map[string]int) (query, sortKey string) {
	minStars := 500
	if starLimits != nil {
		if v, ok := starLimits[trendKind]; ok {
			minStars = v
		}
	}

	switch trendKind {
	case "pushed":
		since := a.now().AddDate(0, 0, -7).Format("2006-01-02")
		return fmt.Sprintf("language:%s ai pushed:>=%s stars:>%d", language, since, minStars), "updated"
	case "created":
		since := a.now().AddDate(0, 0, -180).Format("2006-01-02")
		return fmt.Sprintf("language:%s ai created:>=%s stars:>%d", language, since, minStars), "stars"
	default: // "stars" and any unrecognized kind
		since := a.now().AddDate(0, 0, -180).Format("2006-01-02")
		return fmt.Sprintf("language:%s ai created:>=%s stars:>%d", language, since, minStars), "stars"
	}
}

func repoToRecord(repo repoItem, trendKind string) core.RawRecord {
	title := fmt.Sprintf("%s: %s", repo.FullName, repo.Name)
	var published *time.Time
	if t, err := time.Parse(time.RFC3339, repo.CreatedAt); err == nil {
		published = &t
	}
	score := repo.StargazersCount
	topics := repo.Topics
	if len(topics) > 5 {
		topics = topics[:5]
	}

	return core.RawRecord{
		UpstreamID:  fmt.Sprintf("%d", repo.ID),
		SourceType:  core.SourceRepo,
		Title:       title,
		RawSummary:  repo.Description,
		URL:         repo.HTMLURL,
		PublishedAt: published,
		Author:      repo.Owner.Login,
		Score:       &score,
		Tags:        topics,
		StoryKind:   trendKind,
		Extra:       map[string]string{"full_name": repo.FullName},
	}
}
