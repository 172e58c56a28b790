// Package pipeline implements the Pipeline Engine (spec §4.H): the
// per-source driver that ties the fetch cache, a source adapter, the
// project state store, the LLM classifier, the translator, and the
// incremental sink into one ten-step run. Grounded on the teacher's
// dependency-injected NewPipeline constructor and step-numbered
// procedural flow (internal/pipeline/pipeline.go), generalized from
// "digest generation from URLs" to per-source ingestion, and on
// original_source/src/msgskill/tools/news_scraper.py's
// classify-then-translate-in-batches-with-incremental-save structure.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/liuyongshun/msgtool/internal/cache"
	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/llm"
	"github.com/liuyongshun/msgtool/internal/sink"
	"github.com/liuyongshun/msgtool/internal/statestore"
	"github.com/liuyongshun/msgtool/internal/translator"
)

const (
	classifyBatchSize    = 25
	translateBatchSize   = 20
	fetchCacheTTL        = 5 * time.Minute
)

// Adapter is what every source adapter (internal/adapters) implements.
type Adapter interface {
	Fetch(ctx context.Context, src config.Source, maxResults int) ([]core.RawRecord, error)
}

// Result is one pipeline run's outcome.
type Result struct {
	Success bool                  `json:"success"`
	Source  string                `json:"source"`
	Count   int                   `json:"count"`
	Items   []core.NormalizedItem `json:"items"`
	Reason  string                `json:"reason,omitempty"`
}

// Engine drives one source's ingestion run end to end.
type Engine struct {
	Adapter     Adapter
	Classifier  *llm.Classifier
	Translator  *translator.Translator
	StateStore  *statestore.Store
	Sink        *sink.Sink
	Cache       *cache.Cache
	Log         zerolog.Logger
	SourceName  string
	now         func() time.Time
}

// New constructs an Engine for one source with its collaborators.
func New(sourceName string, adapter Adapter, classifier *llm.Classifier, tr *translator.Translator, store *statestore.Store, sk *sink.Sink, c *cache.Cache, log zerolog.Logger) *Engine {
	return &Engine{
		Adapter:    adapter,
		Classifier: classifier,
		Translator: tr,
		StateStore: store,
		Sink:       sk,
		Cache:      c,
		Log:        log,
		SourceName: sourceName,
		now:        time.Now,
	}
}

// Run executes the full ten-step flow for one invocation of src.
func (e *Engine) Run(ctx context.Context, src config.Source, llmCfg llm.Config, translateCfg translator.Config, maxResults int) (Result, error) {
	runID := uuid.NewString()
	log := e.Log.With().Str("run_id", runID).Str("source", e.SourceName).Logger()
	log.Info().Int("max_results", maxResults).Msg("pipeline run starting")

	// Step 1: fetch cache check.
	cacheKey := fmt.Sprintf("fetch:%s:%d", e.SourceName, maxResults)
	if cached, ok := e.Cache.Get(cacheKey); ok {
		if result, ok := cached.(Result); ok {
			return result, nil
		}
	}

	// Step 2: fetch.
	records, err := e.Adapter.Fetch(ctx, src, maxResults)
	if err != nil {
		log.Warn().Err(err).Msg("adapter fetch failed")
		return Result{Success: false, Source: e.SourceName, Reason: err.Error()}, nil
	}
	if len(records) == 0 {
		result := Result{Success: true, Source: e.SourceName, Count: 0, Items: []core.NormalizedItem{}}
		e.Cache.Set(cacheKey, result, fetchCacheTTL)
		return result, nil
	}

	// Step 3: dedup by upstream_id within this run.
	records = dedupByUpstreamID(records)

	// Step 4: temporal filter.
	cutoff := e.now().AddDate(0, 0, -llmCfg.RecentDays)
	records = filterByRecency(records, cutoff)

	// Step 5: state-store partition.
	passthrough, reused, needsClassification, err := e.partition(records)
	if err != nil {
		return Result{}, err
	}

	// Steps 6-7: classify needs_classification in batches, checkpointing
	// each batch immediately.
	classified, err := e.classifyAndCheckpoint(ctx, llmCfg, needsClassification)
	if err != nil {
		return Result{}, err
	}

	kept := make([]core.RawRecord, 0, len(passthrough)+len(reused)+len(classified))
	kept = append(kept, passthrough...)
	kept = append(kept, reused...)
	kept = append(kept, classified...)

	// Step 8: translate & normalize in batches of 20, appending each
	// batch to the sink as it completes.
	normalized, err := e.translateNormalizeAndAppend(ctx, translateCfg, kept)
	if err != nil {
		return Result{}, err
	}

	// Step 9: sort by (ai_score desc, score desc).
	sortNormalized(normalized)

	result := Result{Success: true, Source: e.SourceName, Count: len(normalized), Items: normalized}
	log.Info().Int("count", result.Count).Msg("pipeline run complete")

	// Step 10: memoize.
	e.Cache.Set(cacheKey, result, fetchCacheTTL)
	return result, nil
}

func dedupByUpstreamID(records []core.RawRecord) []core.RawRecord {
	seen := make(map[string]bool, len(records))
	out := make([]core.RawRecord, 0, len(records))
	for _, r := range records {
		if seen[r.UpstreamID] {
			continue
		}
		seen[r.UpstreamID] = true
		out = append(out, r)
	}
	return out
}

func filterByRecency(records []core.RawRecord, cutoff time.Time) []core.RawRecord {
	out := make([]core.RawRecord, 0, len(records))
	for _, r := range records {
		if r.PublishedAt != nil && r.PublishedAt.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// partition splits records into those whitelisted-and-not-expired
// (passthrough), those ai_screened (reused, cached verdict applied),
// and those that still need classification.
func (e *Engine) partition(records []core.RawRecord) (passthrough, reused, needsClassification []core.RawRecord, err error) {
	for _, r := range records {
		whitelisted, werr := e.StateStore.IsWhitelisted(r.URL)
		if werr != nil {
			return nil, nil, nil, werr
		}
		if whitelisted {
			if rec, ok := e.StateStore.Get(r.URL); ok {
				score := rec.AIScore
				r.Extra = withExtra(r.Extra, "ai_score", fmt.Sprintf("%v", score))
				r.Extra = withExtra(r.Extra, "ai_reason", rec.AIReason)
			}
			passthrough = append(passthrough, r)
			continue
		}

		if rec, ok := e.StateStore.Get(r.URL); ok && rec.Status == core.StatusAIScreened {
			r.Extra = withExtra(r.Extra, "ai_score", fmt.Sprintf("%v", rec.AIScore))
			r.Extra = withExtra(r.Extra, "ai_reason", rec.AIReason)
			reused = append(reused, r)
			continue
		}

		needsClassification = append(needsClassification, r)
	}
	return passthrough, reused, needsClassification, nil
}

func withExtra(extra map[string]string, key, value string) map[string]string {
	if extra == nil {
		extra = make(map[string]string)
	}
	extra[key] = value
	return extra
}

func (e *Engine) classifyAndCheckpoint(ctx context.Context, llmCfg llm.Config, records []core.RawRecord) ([]core.RawRecord, error) {
	var kept []core.RawRecord

	for start := 0; start < len(records); start += classifyBatchSize {
		end := start + classifyBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		items := make([]llm.Item, 0, len(batch))
		for _, r := range batch {
			items = append(items, llm.Item{ID: r.UpstreamID, Title: r.Title})
		}
		verdicts := e.Classifier.ClassifyBatch(ctx, llmCfg, items)
		byID := make(map[string]core.ClassificationVerdict, len(verdicts))
		for _, v := range verdicts {
			byID[v.ID] = v
		}

		for _, r := range batch {
			v, ok := byID[r.UpstreamID]
			if !ok {
				v = core.DefaultKeptVerdict(r.UpstreamID)
			}

			status := core.StatusCrawled
			aiScore := v.Score
			if v.Keep {
				status = core.StatusAIScreened
			} else {
				// Dropped items are recorded with ai_score=0, not the raw
				// classifier score, so a later re-fetch can't mistake a
				// screened-out item for a borderline-kept one.
				aiScore = 0
			}
			_, err := e.StateStore.Upsert(r.URL, core.ProjectRecord{
				UpstreamID: r.UpstreamID,
				Title:      r.Title,
				Summary:    r.RawSummary,
				URL:        r.URL,
				PublishedAt: r.PublishedAt,
				Status:     status,
				AIScore:    aiScore,
				AIReason:   v.Reason,
				Extra:      map[string]string{"source_type": string(r.SourceType)},
			})
			if err != nil {
				return nil, err
			}

			if v.Keep {
				r.Extra = withExtra(r.Extra, "ai_score", fmt.Sprintf("%v", v.Score))
				r.Extra = withExtra(r.Extra, "ai_reason", v.Reason)
				kept = append(kept, r)
			}
		}
	}
	return kept, nil
}

func (e *Engine) translateNormalizeAndAppend(ctx context.Context, translateCfg translator.Config, records []core.RawRecord) ([]core.NormalizedItem, error) {
	var all []core.NormalizedItem
	day := e.now()

	for start := 0; start < len(records); start += translateBatchSize {
		end := start + translateBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		normalizedBatch := make([]core.NormalizedItem, 0, len(batch))
		for _, r := range batch {
			normalizedBatch = append(normalizedBatch, e.normalizeOne(ctx, translateCfg, r))
		}

		if _, err := e.Sink.AppendBatch(e.SourceName, day, normalizedBatch); err != nil {
			return nil, err
		}
		all = append(all, normalizedBatch...)
	}
	return all, nil
}

func (e *Engine) normalizeOne(ctx context.Context, translateCfg translator.Config, r core.RawRecord) core.NormalizedItem {
	summary := cleanSummary(r.RawSummary)

	allowTranslation := translator.ShouldTranslate(translateCfg, r)
	title, summary := e.Translator.TranslateItem(ctx, translateCfg, r.UpstreamID, r.Title, summary, allowTranslation)
	summary = core.ClipToCodePoints(summary, 300)

	tags := r.Tags
	if len(tags) > 5 {
		tags = tags[:5]
	}

	item := core.NormalizedItem{
		Title:         title,
		Summary:       summary,
		URL:           r.URL,
		SourceType:    r.SourceType,
		ArticleTag:    classifyArticleTag(r),
		PublishedAt:   r.PublishedAt,
		Author:        r.Author,
		Score:         r.Score,
		CommentsCount: r.CommentsCount,
		Tags:          tags,
		StoryKind:     r.StoryKind,
	}
	if score, ok := parseFloatExtra(r.Extra, "ai_score"); ok {
		item.AIScore = &score
	}
	return item
}

func cleanSummary(summary string) string {
	summary = strings.Join(strings.Fields(summary), " ")
	return core.ClipToCodePoints(summary, 350)
}

// classifyArticleTag assigns an ArticleTag by a heuristic on
// (title, summary, source_type, tags), per §4.H step 8.
func classifyArticleTag(r core.RawRecord) core.ArticleTag {
	switch r.SourceType {
	case core.SourcePaper:
		return core.TagPaper
	case core.SourceRepo:
		return core.TagTool
	}

	lowerTitle := strings.ToLower(r.Title)
	lowerSummary := strings.ToLower(r.RawSummary)
	for _, tag := range r.Tags {
		lowerTag := strings.ToLower(tag)
		if strings.Contains(lowerTag, "tool") || strings.Contains(lowerTag, "library") {
			return core.TagTool
		}
	}
	if strings.Contains(lowerTitle, "release") || strings.Contains(lowerSummary, "open source") {
		return core.TagTool
	}
	if r.SourceType == core.SourceFeed {
		return core.TagBlog
	}
	return core.TagNews
}

func parseFloatExtra(extra map[string]string, key string) (float64, bool) {
	v, ok := extra[key]
	if !ok {
		return 0, false
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return 0, false
	}
	return f, true
}

func sortNormalized(items []core.NormalizedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ai := scoreOrZero(items[i].AIScore)
		aj := scoreOrZero(items[j].AIScore)
		if ai != aj {
			return ai > aj
		}
		return intOrZero(items[i].Score) > intOrZero(items[j].Score)
	})
}

func scoreOrZero(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}

func intOrZero(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
