// Package translator implements the Translator (spec §4.E): best-effort
// translation of already-clipped title/summary pairs into a target
// language, short-circuiting text that already contains CJK
// ideographs and failing open (original text kept) on any error.
// Ported from original_source/getaimsg/utils/translator.py's
// has_chinese/translate_text/translate_article_item trio, using the
// teacher's errgroup-based fan-out idiom for the title/summary pair
// instead of asyncio.gather.
package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/liuyongshun/msgtool/internal/cache"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

// defaultMinAuthors is used by ShouldTranslate when a paper source enables
// selective translation but doesn't configure an explicit threshold.
const defaultMinAuthors = 2

const (
	preClipLimit  = 350
	postClipLimit = 300
	cacheTTL      = 24 * time.Hour
)

// Config configures a Translator call.
type Config struct {
	Enabled        bool
	APIURL         string
	APIKey         string
	ModelName      string
	Temperature    float64
	MaxTokens      int
	TargetLanguage string

	// SelectiveTranslation and MinAuthors gate translation for paper
	// records by upstream author count (ported from arxiv_fetcher.py's
	// translation_strategy: selective_translation/min_authors). They have
	// no effect on non-paper source types.
	SelectiveTranslation bool
	MinAuthors           int
}

// ShouldTranslate reports whether r should be passed to TranslateItem at
// all. Only paper records are ever gated, and only when
// cfg.SelectiveTranslation is enabled: a paper whose upstream author count
// falls below the configured (or default) threshold is skipped, matching
// the "single-author or low-quality paper" skip in the source's selective
// translation strategy.
func ShouldTranslate(cfg Config, r core.RawRecord) bool {
	if r.SourceType != core.SourcePaper || !cfg.SelectiveTranslation {
		return true
	}
	raw, ok := r.Extra["author_count"]
	if !ok {
		return true
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return true
	}
	minAuthors := cfg.MinAuthors
	if minAuthors <= 0 {
		minAuthors = defaultMinAuthors
	}
	return count >= minAuthors
}

// Translator calls the chat-completion endpoint to translate text,
// caching results per upstream id for 24h and never surfacing errors
// to callers.
type Translator struct {
	http  *httpclient.Client
	cache *cache.Cache
	log   zerolog.Logger
}

// New builds a Translator over the shared HTTP client and cache.
func New(client *httpclient.Client, c *cache.Cache, log zerolog.Logger) *Translator {
	return &Translator{http: client, cache: c, log: log}
}

// HasCJK reports whether s contains any CJK Unified Ideographs
// (U+4E00-U+9FFF), mirroring the original's has_chinese regex.
func HasCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

// TranslateItem translates title and summary for upstreamID, applying
// the pre-clip (350) and post-clip (300) rules and skipping any field
// that already contains CJK text. Title and summary are translated
// concurrently when both need translation. Any failure leaves the
// corresponding field unchanged (fail-open). allowTranslation is the
// result of ShouldTranslate; when false the item still goes through the
// clip rules but is never sent to the translate endpoint.
func (t *Translator) TranslateItem(ctx context.Context, cfg Config, upstreamID, title, summary string, allowTranslation bool) (string, string) {
	summary = preClip(summary)

	titleHasCJK := HasCJK(title)
	summaryHasCJK := HasCJK(summary)
	if summaryHasCJK {
		summary = core.ClipToCodePoints(summary, postClipLimit)
	}

	translatedTitle := title
	translatedSummary := summary

	if allowTranslation {
		switch {
		case !titleHasCJK && !summaryHasCJK:
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				translatedTitle = t.translateCached(gctx, cfg, upstreamID+":title", cfg.TargetLanguage, title)
				return nil
			})
			g.Go(func() error {
				translatedSummary = t.translateCached(gctx, cfg, upstreamID+":summary", cfg.TargetLanguage, summary)
				return nil
			})
			_ = g.Wait()
		case !titleHasCJK:
			translatedTitle = t.translateCached(ctx, cfg, upstreamID+":title", cfg.TargetLanguage, title)
		case !summaryHasCJK:
			translatedSummary = t.translateCached(ctx, cfg, upstreamID+":summary", cfg.TargetLanguage, summary)
		}
	}

	translatedSummary = core.ClipToCodePoints(translatedSummary, postClipLimit)
	return translatedTitle, translatedSummary
}

func preClip(summary string) string {
	if len([]rune(summary)) > preClipLimit {
		return core.ClipToCodePoints(summary, preClipLimit)
	}
	return summary
}

func (t *Translator) translateCached(ctx context.Context, cfg Config, cacheKey, targetLanguage, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if HasCJK(text) {
		return text
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
		return text
	}

	key := "translate:" + cacheKey
	if v, ok := t.cache.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}

	translated, err := t.translateText(ctx, cfg, targetLanguage, text)
	if err != nil {
		t.log.Warn().Err(err).Str("cache_key", cacheKey).Msg("translation failed, keeping original text")
		return text
	}

	t.cache.Set(key, translated, cacheTTL)
	return translated
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (t *Translator) translateText(ctx context.Context, cfg Config, targetLanguage, text string) (string, error) {
	target := targetLanguage
	if target == "" {
		target = "English"
	}
	prompt := fmt.Sprintf("Translate the following text into %s. Return only the translation, with no explanation:\n\n%s", target, text)

	req := chatRequest{
		Model: cfg.ModelName,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling translate request: %w", err)
	}

	body, _, err := t.http.PostJSON(ctx, cfg.APIURL, cfg.APIKey, payload)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding translate response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("translate response had no choices")
	}

	result := strings.TrimSpace(resp.Choices[0].Message.Content)
	result = trimMatchingQuotes(result)
	return result, nil
}

func trimMatchingQuotes(s string) string {
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, "'")
	return strings.TrimSpace(s)
}
