// Package config implements the Config Store: a typed, reloadable view
// over one structured configuration document. Reshaped from the
// source's package-level viper singleton into an explicit *Store
// collaborator per the Design Notes ("reshape singletons as explicit
// collaborators"); callers construct one Store and pass it around.
package config

import (
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/liuyongshun/msgtool/internal/core"
)

// CommonFields are shared by every source variant, replacing the
// source's config-record multiple inheritance with composition (Design
// Notes: "a Source record holds a CommonFields value plus a
// variant-specific value").
type CommonFields struct {
	Enabled            bool
	Name               string
	Description        string
	URL                string
	APIBaseURL         string
	FetchLimit         int
	CacheTTL           time.Duration
	AIFilterEnabled    bool
	TranslationEnabled bool
	RecentDays         int
	Tags               []string
}

// HeadlineOpts is variant config for the headline-aggregator source.
type HeadlineOpts struct {
	StoryKinds []string // e.g. "top", "new", "best"
}

// RepoOpts is variant config for the code-host search source.
type RepoOpts struct {
	TrendingTypes []string // e.g. "pushed", "created", "stars"
	Languages     []string
	StarLimits    map[string]int // trending-kind -> minimum stars
	QueryKeywords []string
	Topics        []string
}

// PaperOpts is variant config for the paper-index source.
type PaperOpts struct {
	Category string
	Keywords []string

	// SelectiveTranslation and MinAuthors gate translation by upstream
	// author count, ported from arxiv_fetcher.py's translation_strategy.
	SelectiveTranslation bool
	MinAuthors           int
}

// FeedOpts is variant config for the syndication-feed source.
type FeedOpts struct {
	FeedURLs []string
}

// Source composes CommonFields with exactly one variant value; exactly
// one of the variant pointers is non-nil depending on source kind.
type Source struct {
	Common   CommonFields
	Headline *HeadlineOpts
	Repo     *RepoOpts
	Paper    *PaperOpts
	Feed     *FeedOpts
}

// SchedulerTask is one entry in global_settings.scheduler.tasks.
type SchedulerTask struct {
	Enabled    bool
	Times      []string // "HH:MM" in local time
	MaxResults int
}

// GlobalSettings is the global_settings.* sub-view.
type GlobalSettings struct {
	DefaultCacheTTL  time.Duration
	RequestTimeout   time.Duration
	UserAgent        string
	SchedulerEnabled bool
	SchedulerTasks   map[string]SchedulerTask
}

// LLMSettings is the llm.* sub-view.
type LLMSettings struct {
	Enabled     bool
	Provider    string
	APIKey      string
	APIURL      string
	ModelName   string
	MaxTokens   int
	Temperature float64
	RecentDays  int
}

// SinkSettings configures the Incremental Sink's on-disk layout.
type SinkSettings struct {
	OutputDir string
}

// Snapshot is an immutable, fully-resolved configuration document. A
// reload produces a new Snapshot rather than mutating an existing one,
// so callers holding a *Snapshot never observe a half-applied reload.
type Snapshot struct {
	Global  GlobalSettings
	LLM     LLMSettings
	Sink    SinkSettings
	Sources map[string]Source

	raw *viper.Viper // retained for forward-compatible pass-through of unknown keys
}

// Raw exposes the underlying document for unrecognized keys, per the
// Design Notes: "the raw tree remains accessible for forward-compatible
// pass-through of unknown keys."
func (s *Snapshot) Raw() *viper.Viper { return s.raw }

// Store holds the current configuration snapshot and serializes reloads.
// It replaces the source's package-level singleton.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
}

// NewStore constructs an empty Store. Call Load before Current.
func NewStore() *Store {
	return &Store{}
}

// Load reads the configuration document at path for the first time.
// A failure is wrapped in core.ErrConfigInvalid, as with Reload, but
// there is no prior snapshot to retain.
func (s *Store) Load(path string) error {
	_ = godotenv.Load() // best-effort; secrets may also come from the real environment

	snap, err := build(path)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	s.path = path
	s.current.Store(snap)
	return nil
}

// Reload re-reads the configuration document. On success the new
// snapshot atomically replaces the old one and Reload returns the list
// of source names whose configuration changed (Design Notes: fetch
// cache is invalidated per-source on any config delta touching that
// source). On failure — malformed document — the prior snapshot keeps
// serving callers and Reload returns core.ErrConfigInvalid.
func (s *Store) Reload() (changedSources []string, err error) {
	prev := s.current.Load()
	snap, err := build(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	changed := diffSources(prev, snap)
	s.current.Store(snap)
	return changed, nil
}

// Current returns the snapshot currently serving callers. Safe for
// concurrent use without locking (lock-free read via atomic.Pointer).
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

func diffSources(prev, next *Snapshot) []string {
	if prev == nil {
		names := make([]string, 0, len(next.Sources))
		for name := range next.Sources {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}

	var changed []string
	seen := map[string]bool{}
	for name, ns := range next.Sources {
		seen[name] = true
		if ps, ok := prev.Sources[name]; !ok || !sourcesEqual(ps, ns) {
			changed = append(changed, name)
		}
	}
	for name := range prev.Sources {
		if !seen[name] {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func sourcesEqual(a, b Source) bool {
	// Deep comparison: the variant options are pointers, so the values
	// they point to (including their slices and maps) are compared, not
	// the pointer addresses.
	return reflect.DeepEqual(a, b)
}
