package translator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/liuyongshun/msgtool/internal/cache"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
	"github.com/liuyongshun/msgtool/internal/logging"
)

func TestHasCJKDetectsChineseCharacters(t *testing.T) {
	if !HasCJK("这是一个测试") {
		t.Error("expected Chinese text to be detected as CJK")
	}
	if HasCJK("this is plain English") {
		t.Error("expected English text not to be detected as CJK")
	}
	if HasCJK("") {
		t.Error("expected empty string not to be detected as CJK")
	}
}

func newTestTranslator(t *testing.T, content string) (*Translator, Config) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + content + `"}}]}`))
	}))
	t.Cleanup(srv.Close)

	client := httpclient.New(5*time.Second, "test-agent")
	tr := New(client, cache.New(), logging.Nop())
	cfg := Config{Enabled: true, APIURL: srv.URL, APIKey: "test-key", ModelName: "test-model", TargetLanguage: "English"}
	return tr, cfg
}

func TestTranslateItemTranslatesNonCJKSummary(t *testing.T) {
	tr, cfg := newTestTranslator(t, "translated")
	title, summary := tr.TranslateItem(context.Background(), cfg, "up-1", "原标题", "some english already", true)
	_ = title
	if summary != "translated" {
		t.Errorf("summary = %q, want translated (English summary should be sent for translation)", summary)
	}
}

func TestTranslateItemSkipsAlreadyCJKText(t *testing.T) {
	tr, cfg := newTestTranslator(t, "should-not-be-used")
	title, summary := tr.TranslateItem(context.Background(), cfg, "up-2", "中文标题", "中文摘要内容", true)
	if title != "中文标题" {
		t.Errorf("title = %q, want unchanged Chinese title", title)
	}
	if summary != "中文摘要内容" {
		t.Errorf("summary = %q, want unchanged Chinese summary", summary)
	}
}

func TestTranslateItemFailsOpenOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	tr := New(client, cache.New(), logging.Nop())
	cfg := Config{Enabled: true, APIURL: srv.URL, APIKey: "test-key", ModelName: "test-model"}

	title, summary := tr.TranslateItem(context.Background(), cfg, "up-3", "english title", "english summary", true)
	if title != "english title" || summary != "english summary" {
		t.Errorf("expected original text kept on transport failure, got title=%q summary=%q", title, summary)
	}
}

func TestTranslateItemDisabledKeepsOriginal(t *testing.T) {
	client := httpclient.New(5 * time.Second, "test-agent")
	tr := New(client, cache.New(), logging.Nop())
	cfg := Config{Enabled: false}

	title, summary := tr.TranslateItem(context.Background(), cfg, "up-4", "english title", "english summary", true)
	if title != "english title" || summary != "english summary" {
		t.Errorf("expected original text kept when disabled, got title=%q summary=%q", title, summary)
	}
}

func TestTranslateItemClipsLongSummaryToPostClipLimit(t *testing.T) {
	var gotPromptLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 1<<16)
		n, _ := r.Body.Read(body)
		gotPromptLen = n
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	tr := New(client, cache.New(), logging.Nop())
	cfg := Config{Enabled: true, APIURL: srv.URL, APIKey: "test-key", ModelName: "test-model"}

	longSummary := strings.Repeat("word ", 200) // far more than 350 code points
	_, summary := tr.TranslateItem(context.Background(), cfg, "up-5", "english title", longSummary, true)
	if len([]rune(summary)) > 300 {
		t.Errorf("expected final summary clipped to <= 300 code points, got %d", len([]rune(summary)))
	}
	if gotPromptLen == 0 {
		t.Error("expected a translate request to be sent")
	}
}

func TestShouldTranslateGatesLowAuthorCountPapers(t *testing.T) {
	cfg := Config{SelectiveTranslation: true, MinAuthors: 2}

	soloAuthor := core.RawRecord{SourceType: core.SourcePaper, Extra: map[string]string{"author_count": "1"}}
	if ShouldTranslate(cfg, soloAuthor) {
		t.Error("expected a single-author paper to be gated out")
	}

	twoAuthors := core.RawRecord{SourceType: core.SourcePaper, Extra: map[string]string{"author_count": "2"}}
	if !ShouldTranslate(cfg, twoAuthors) {
		t.Error("expected a two-author paper to pass the gate")
	}
}

func TestShouldTranslateIgnoresNonPaperSources(t *testing.T) {
	cfg := Config{SelectiveTranslation: true, MinAuthors: 2}
	r := core.RawRecord{SourceType: core.SourceHeadline}
	if !ShouldTranslate(cfg, r) {
		t.Error("expected non-paper records to always pass the gate")
	}
}

func TestShouldTranslatePassesThroughWhenSelectiveDisabled(t *testing.T) {
	cfg := Config{SelectiveTranslation: false, MinAuthors: 2}
	r := core.RawRecord{SourceType: core.SourcePaper, Extra: map[string]string{"author_count": "1"}}
	if !ShouldTranslate(cfg, r) {
		t.Error("expected the gate to be a no-op when selective translation is disabled")
	}
}

func TestShouldTranslateDefaultsMinAuthorsWhenUnset(t *testing.T) {
	cfg := Config{SelectiveTranslation: true}
	low := core.RawRecord{SourceType: core.SourcePaper, Extra: map[string]string{"author_count": "1"}}
	if ShouldTranslate(cfg, low) {
		t.Error("expected the default min-authors threshold (2) to gate a single-author paper")
	}
	high := core.RawRecord{SourceType: core.SourcePaper, Extra: map[string]string{"author_count": "3"}}
	if !ShouldTranslate(cfg, high) {
		t.Error("expected a three-author paper to pass the default threshold")
	}
}

func TestTranslateItemSkipsCallWhenNotAllowed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"should-not-be-used"}}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	tr := New(client, cache.New(), logging.Nop())
	cfg := Config{Enabled: true, APIURL: srv.URL, APIKey: "test-key", ModelName: "test-model"}

	title, summary := tr.TranslateItem(context.Background(), cfg, "up-7", "english title", "english summary", false)
	if title != "english title" || summary != "english summary" {
		t.Errorf("expected original text kept when translation is gated out, got title=%q summary=%q", title, summary)
	}
	if calls != 0 {
		t.Errorf("expected no translate request when allowTranslation is false, got %d calls", calls)
	}
}

func TestTranslateItemCachesByUpstreamID(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"cached-translation"}}]}`))
	}))
	defer srv.Close()

	client := httpclient.New(5*time.Second, "test-agent")
	c := cache.New()
	tr := New(client, c, logging.Nop())
	cfg := Config{Enabled: true, APIURL: srv.URL, APIKey: "test-key", ModelName: "test-model"}

	tr.TranslateItem(context.Background(), cfg, "up-6", "english title one", "english summary one", true)
	firstCalls := calls
	tr.TranslateItem(context.Background(), cfg, "up-6", "english title one", "english summary one", true)
	if calls != firstCalls {
		t.Errorf("expected second call for same upstream id to hit cache, calls went from %d to %d", firstCalls, calls)
	}
}
