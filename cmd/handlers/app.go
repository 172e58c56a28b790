// Package handlers wires the Config Store, TTL Cache, rate-limited
// HTTP Client, LLM Classifier, Translator, per-source Project State
// Stores, the Incremental Sink, the four source adapters, and one
// Pipeline Engine per source into the CLI surface (spec §6). Grounded
// on the teacher's cmd/handlers package: one constructor per command,
// a shared App struct in place of the teacher's package-level globals.
package handlers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/liuyongshun/msgtool/internal/adapters"
	"github.com/liuyongshun/msgtool/internal/cache"
	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/core"
	"github.com/liuyongshun/msgtool/internal/httpclient"
	"github.com/liuyongshun/msgtool/internal/llm"
	"github.com/liuyongshun/msgtool/internal/logging"
	"github.com/liuyongshun/msgtool/internal/pipeline"
	"github.com/liuyongshun/msgtool/internal/sink"
	"github.com/liuyongshun/msgtool/internal/statestore"
	"github.com/liuyongshun/msgtool/internal/translator"
)

// defaultTargetLanguage is the translation target for every source;
// config.go has no dedicated target-language field, so the CLI layer
// supplies one default rather than threading a new config key through
// for a single constant.
const defaultTargetLanguage = "English"

// newConfiguredApp builds an App from the command-level --config,
// --pretty, and --log-level flags, wrapping any load failure in
// core.ErrConfigInvalid so exitCodeFor maps it to exit code 2.
func newConfiguredApp() (*App, error) {
	app, err := NewApp(cfgFile, logPretty, logLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return app, nil
}

// App holds every long-lived collaborator the CLI needs, constructed
// once from a loaded configuration and reused across commands and
// scheduled runs.
type App struct {
	Store      *config.Store
	Cache      *cache.Cache
	HTTP       *httpclient.Client
	Classifier *llm.Classifier
	Translator *translator.Translator
	Sink       *sink.Sink
	Log        zerolog.Logger

	stateStores map[string]*statestore.Store
	engines     map[string]*pipeline.Engine
}

// NewApp loads configuration from configPath and constructs every
// collaborator. An empty configPath loads defaults only (per
// config.Store.Load's own semantics).
func NewApp(configPath string, pretty bool, logLevel string) (*App, error) {
	store := config.NewStore()
	if err := store.Load(configPath); err != nil {
		return nil, err
	}
	snap := store.Current()

	log := logging.New(pretty, logLevel)
	client := httpclient.New(snap.Global.RequestTimeout, snap.Global.UserAgent)
	c := cache.New()
	tr := translator.New(client, c, log)
	classifier := llm.New(client, log)
	sk := sink.New(snap.Sink.OutputDir)

	app := &App{
		Store:       store,
		Cache:       c,
		HTTP:        client,
		Classifier:  classifier,
		Translator:  tr,
		Sink:        sk,
		Log:         log,
		stateStores: make(map[string]*statestore.Store),
		engines:     make(map[string]*pipeline.Engine),
	}
	return app, nil
}

// engineFor lazily builds (and caches) the Pipeline Engine and Project
// State Store for one source, so repeated fetch/schedule invocations
// within one process reuse the same state-store in-memory cache.
func (a *App) engineFor(sourceName string) (*pipeline.Engine, config.Source, error) {
	snap := a.Store.Current()
	src, ok := snap.Sources[sourceName]
	if !ok {
		return nil, config.Source{}, fmt.Errorf("unknown source %q", sourceName)
	}

	if eng, ok := a.engines[sourceName]; ok {
		return eng, src, nil
	}

	adapter, err := adapterFor(a.HTTP, src)
	if err != nil {
		return nil, config.Source{}, err
	}

	storePath := filepath.Join(snap.Sink.OutputDir, sourceName, "projects.json")
	store, err := statestore.Load(storePath)
	if err != nil {
		return nil, config.Source{}, err
	}
	a.stateStores[sourceName] = store

	eng := pipeline.New(sourceName, adapter, a.Classifier, a.Translator, store, a.Sink, a.Cache, a.Log)
	a.engines[sourceName] = eng
	return eng, src, nil
}

func adapterFor(client *httpclient.Client, src config.Source) (pipeline.Adapter, error) {
	switch {
	case src.Headline != nil:
		return adapters.NewHeadlineAdapter(client), nil
	case src.Repo != nil:
		return adapters.NewRepoAdapter(client), nil
	case src.Paper != nil:
		return adapters.NewPaperAdapter(client), nil
	case src.Feed != nil:
		return adapters.NewFeedAdapter(client), nil
	default:
		return nil, fmt.Errorf("source has no adapter-specific options set")
	}
}

// RunOne fetches one source through its Pipeline Engine. Satisfies
// scheduler.Runner so App can be passed directly to scheduler.New.
func (a *App) RunOne(ctx context.Context, sourceName string, maxResults int) (pipeline.Result, error) {
	eng, src, err := a.engineFor(sourceName)
	if err != nil {
		return pipeline.Result{}, err
	}

	snap := a.Store.Current()
	limit := maxResults
	if limit <= 0 {
		limit = src.Common.FetchLimit
	}

	llmCfg := llm.Config{
		Enabled:     snap.LLM.Enabled && src.Common.AIFilterEnabled,
		APIURL:      snap.LLM.APIURL,
		APIKey:      snap.LLM.APIKey,
		ModelName:   snap.LLM.ModelName,
		MaxTokens:   snap.LLM.MaxTokens,
		Temperature: snap.LLM.Temperature,
		RecentDays:  firstPositive(src.Common.RecentDays, snap.LLM.RecentDays),
	}
	translateCfg := translator.Config{
		Enabled:        src.Common.TranslationEnabled,
		APIURL:         snap.LLM.APIURL,
		APIKey:         snap.LLM.APIKey,
		ModelName:      snap.LLM.ModelName,
		MaxTokens:      snap.LLM.MaxTokens,
		Temperature:    snap.LLM.Temperature,
		TargetLanguage: defaultTargetLanguage,
	}
	if src.Paper != nil {
		translateCfg.SelectiveTranslation = src.Paper.SelectiveTranslation
		translateCfg.MinAuthors = src.Paper.MinAuthors
	}

	return eng.Run(ctx, src, llmCfg, translateCfg, limit)
}

// RunSource adapts RunOne to scheduler.Runner's narrower signature.
func (a *App) RunSource(ctx context.Context, sourceName string, maxResults int) error {
	result, err := a.RunOne(ctx, sourceName, maxResults)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("source %q: %s", sourceName, result.Reason)
	}
	return nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// ReloadConfig re-reads the configuration document and purges the
// fetch cache for every source whose configuration changed, so the
// next RunOne for that source does not serve a stale memoized result.
// A changed source's cached Pipeline Engine is also dropped, since its
// adapter/state-store wiring may depend on options that just changed.
func (a *App) ReloadConfig() ([]string, error) {
	changed, err := a.Store.Reload()
	if err != nil {
		return nil, err
	}
	for _, name := range changed {
		delete(a.engines, name)
		a.Cache.DeletePrefix("fetch:" + name + ":")
	}
	return changed, nil
}

// Persist flushes every source's in-memory state-store to disk. Called
// before process exit so a fetch or scheduled run's checkpoints are
// never lost to an unflushed buffer (the store itself persists on
// every Upsert, so this is a best-effort final sync).
func (a *App) Persist() error {
	for name, store := range a.stateStores {
		if err := store.Save(); err != nil {
			return fmt.Errorf("persisting state store for %q: %w", name, err)
		}
	}
	return nil
}
