// Package llm implements the LLM Classifier (spec §4.D): batched
// relevance classification of (id, title) pairs, tolerant of truncated
// or invalid model responses. Ported near line-for-line from
// original_source/getaimsg/utils/ai_filter.py's batch loop, retry
// schedule, and brace-balanced recovery strategy, with the teacher's
// manual-parsing idiom (internal/llm/llm.go's parseCategorizeResponse)
// as the idiomatic-Go shape for "robust parsing with fallback
// defaults."
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
)

const (
	defaultBatchSize   = 25
	interBatchSleep    = 500 * time.Millisecond
	maxRetries         = 2
	classifyTemperature = 0.3
	maxOutputTokens    = 2000
)

const systemPrompt = `You are an AI-news screening assistant. Decide whether each article title is related to AI/machine learning/foundation models.

Rules:
- Clearly related to AI/ML/LLM/GPT/Claude/Gemini/transformers/NLP/computer vision/agents/generative AI -> keep
- Related to AI infrastructure (compute, training frameworks, inference engines) -> keep
- Pure web/db/hardware with no AI connection -> drop
- Ambiguous titles with a plausible AI connection -> keep

Return only a JSON array, no explanation. Format:
[{"id":"1","score":0.95,"keep":true,"reason":"mentions GPT model"},
 {"id":"2","score":0.15,"keep":false,"reason":"database, unrelated to AI"}]

score is 0.0-1.0; keep is true/false; reason is one short sentence.`

// Classifier batches requests to an OpenAI-style chat-completion
// endpoint and always returns a complete verdict sequence — the
// classifier's contract (§4.D) is that it never surfaces an error to
// the pipeline; it fails open instead.
type Classifier struct {
	http      *httpclient.Client
	log       zerolog.Logger
	batchSize int
	sleep     func(time.Duration)
}

// Config configures a Classifier.
type Config struct {
	Enabled     bool
	APIURL      string
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float64
	BatchSize   int
	// RecentDays bounds the Pipeline Engine's temporal filter: records
	// published before now-RecentDays are dropped before classification.
	RecentDays int
}

// New builds a Classifier over the shared HTTP client.
func New(client *httpclient.Client, log zerolog.Logger) *Classifier {
	return &Classifier{
		http:      client,
		log:       log,
		batchSize: defaultBatchSize,
		sleep:     time.Sleep,
	}
}

// titledID is one (id, title) pair submitted for classification.
type titledID struct {
	ID    string
	Title string
}

// Item is the exported form of a classification request; ID must be
// unique within a single ClassifyBatch call.
type Item struct {
	ID    string
	Title string
}

// ClassifyBatch classifies every (id, title) pair in items, in order,
// and returns exactly one verdict per id (§4.D invariant: "same length
// and same ids as input"). When cfg.Enabled is false or cfg.APIKey is
// empty, every id is classified keep=true/score=0.5/reason="llm-disabled"
// without any network call.
func (c *Classifier) ClassifyBatch(ctx context.Context, cfg Config, items []Item) []core.ClassificationVerdict {
	if len(items) == 0 {
		return nil
	}

	ordered := make([]titledID, 0, len(items))
	for _, it := range items {
		ordered = append(ordered, titledID{ID: it.ID, Title: it.Title})
	}

	if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
		verdicts := make([]core.ClassificationVerdict, 0, len(ordered))
		for _, it := range ordered {
			verdicts = append(verdicts, core.ClassificationVerdict{ID: it.ID, Score: 0.5, Keep: true, Reason: "llm-disabled"})
		}
		return verdicts
	}

	batchSize := c.batchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var results []core.ClassificationVerdict
	for i := 0; i < len(ordered); i += batchSize {
		end := i + batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[i:end]

		verdicts := c.classifyWithRetry(ctx, cfg, batch)
		results = append(results, verdicts...)

		if end < len(ordered) {
			c.sleep(interBatchSleep)
		}
	}
	return results
}

func (c *Classifier) classifyWithRetry(ctx context.Context, cfg Config, batch []titledID) []core.ClassificationVerdict {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		verdicts, err := c.classifyOnce(ctx, cfg, batch)
		if err == nil {
			return fillMissing(batch, verdicts)
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("classification batch failed")
		if attempt < maxRetries {
			wait := time.Duration(attempt+1) * 2 * time.Second
			c.sleep(wait)
		}
	}
	c.log.Error().Msg("classification batch exhausted retries, defaulting to keep-all")
	return defaultResults(batch)
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

type rawVerdict struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Keep   bool    `json:"keep"`
	Reason string  `json:"reason"`
}

func (c *Classifier) classifyOnce(ctx context.Context, cfg Config, batch []titledID) ([]rawVerdict, error) {
	items := make([]map[string]string, 0, len(batch))
	for _, it := range batch {
		items = append(items, map[string]string{"id": it.ID, "title": it.Title})
	}
	itemsJSON, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling batch: %w", err)
	}

	userPrompt := fmt.Sprintf("Classify whether each of these %d article titles is AI-related:\n\n%s\n\nReturn a JSON array, one verdict per title.", len(batch), itemsJSON)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 || maxTokens > maxOutputTokens {
		maxTokens = maxOutputTokens
	}

	reqBody := chatRequest{
		Model: cfg.ModelName,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: classifyTemperature,
		MaxTokens:   maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	body, _, err := c.http.PostJSON(ctx, cfg.APIURL, cfg.APIKey, payload)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response envelope: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response had no choices")
	}

	content := stripMarkdownFences(resp.Choices[0].Message.Content)
	return parseVerdicts(content), nil
}

func stripMarkdownFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.Contains(content, "```json") {
		parts := strings.SplitN(content, "```json", 2)
		if len(parts) == 2 {
			if end := strings.Index(parts[1], "```"); end >= 0 {
				return strings.TrimSpace(parts[1][:end])
			}
			return strings.TrimSpace(parts[1])
		}
	}
	if strings.Contains(content, "```") {
		parts := strings.SplitN(content, "```", 3)
		if len(parts) >= 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return content
}

var braceObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// parseVerdicts implements the "robust parsing" ladder from §4.D: strict
// JSON parse, then truncation repair (close the array at the last
// well-formed '}'), then brace-balanced object extraction, then
// line-buffer reconstruction. Whatever cannot be recovered is simply
// omitted — the caller (classifyWithRetry via fillMissing) fills gaps
// with default-kept verdicts.
func parseVerdicts(content string) []rawVerdict {
	if v, ok := tryStrictParse(content); ok {
		return v
	}
	if v, ok := tryCloseTruncatedArray(content); ok {
		return v
	}
	if v := extractBalancedObjects(content); len(v) > 0 {
		return v
	}
	return lineBufferReconstruct(content)
}

func tryStrictParse(content string) ([]rawVerdict, bool) {
	var v []rawVerdict
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func tryCloseTruncatedArray(content string) ([]rawVerdict, bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasSuffix(trimmed, "]") {
		return nil, false
	}
	lastBrace := strings.LastIndex(trimmed, "}")
	if lastBrace < 0 {
		return nil, false
	}
	candidate := trimmed[:lastBrace+1] + "\n]"
	if !strings.HasPrefix(strings.TrimSpace(candidate), "[") {
		candidate = "[" + candidate
	}
	return tryStrictParse(candidate)
}

func extractBalancedObjects(content string) []rawVerdict {
	matches := braceObjectPattern.FindAllString(content, -1)
	var out []rawVerdict
	for _, m := range matches {
		var v rawVerdict
		if err := json.Unmarshal([]byte(m), &v); err == nil && v.ID != "" {
			out = append(out, v)
		}
	}
	return out
}

func lineBufferReconstruct(content string) []rawVerdict {
	var out []rawVerdict
	var buf strings.Builder
	braceDepth := 0
	for _, line := range strings.Split(content, "\n") {
		buf.WriteString(line)
		buf.WriteString("\n")
		braceDepth += strings.Count(line, "{") - strings.Count(line, "}")
		if braceDepth == 0 && strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
			candidate := strings.TrimRight(strings.TrimSpace(buf.String()), ",")
			var v rawVerdict
			if err := json.Unmarshal([]byte(candidate), &v); err == nil && v.ID != "" {
				out = append(out, v)
			}
			buf.Reset()
		}
	}
	return out
}

func fillMissing(batch []titledID, raw []rawVerdict) []core.ClassificationVerdict {
	byID := make(map[string]rawVerdict, len(raw))
	for _, v := range raw {
		byID[v.ID] = v
	}

	out := make([]core.ClassificationVerdict, 0, len(batch))
	for _, it := range batch {
		if v, ok := byID[it.ID]; ok {
			score := v.Score
			if score < 0 {
				score = 0
			} else if score > 1 {
				score = 1
			}
			out = append(out, core.ClassificationVerdict{ID: it.ID, Score: score, Keep: v.Keep, Reason: v.Reason})
		} else {
			out = append(out, core.DefaultKeptVerdict(it.ID))
		}
	}
	return out
}

func defaultResults(batch []titledID) []core.ClassificationVerdict {
	out := make([]core.ClassificationVerdict, 0, len(batch))
	for _, it := range batch {
		out = append(out, core.DefaultKeptVerdict(it.ID))
	}
	return out
}
