package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// build reads, defaults, and validates the document at path into a new
// Snapshot. Grounded on the teacher's setDefaults/bindEnvironmentVariables/
// postProcessConfig/validateConfig pipeline (internal/config/config.go),
// reshaped to return a value instead of mutating package state.
func build(path string) (*Snapshot, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	snap := &Snapshot{raw: v}
	snap.Global = GlobalSettings{
		DefaultCacheTTL:  time.Duration(v.GetInt("global_settings.default_cache_ttl")) * time.Second,
		RequestTimeout:   time.Duration(v.GetInt("global_settings.request_timeout")) * time.Second,
		UserAgent:        v.GetString("global_settings.user_agent"),
		SchedulerEnabled: v.GetBool("global_settings.scheduler.enabled"),
		SchedulerTasks:   parseSchedulerTasks(v),
	}

	snap.LLM = LLMSettings{
		Enabled:     v.GetBool("llm.enabled"),
		Provider:    v.GetString("llm.provider"),
		APIKey:      v.GetString("llm.api_key"),
		APIURL:      v.GetString("llm.api_url"),
		ModelName:   v.GetString("llm.model_name"),
		MaxTokens:   v.GetInt("llm.max_tokens"),
		Temperature: v.GetFloat64("llm.temperature"),
		RecentDays:  v.GetInt("llm.recent_days"),
	}

	snap.Sink = SinkSettings{
		OutputDir: v.GetString("sink.output_dir"),
	}

	sources, err := parseSources(v)
	if err != nil {
		return nil, err
	}
	snap.Sources = sources

	if err := validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global_settings.default_cache_ttl", 300) // 5 minutes
	v.SetDefault("global_settings.request_timeout", 60)
	v.SetDefault("global_settings.user_agent", "Mozilla/5.0 (compatible; msgtool/1.0)")
	v.SetDefault("global_settings.scheduler.enabled", true)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.provider", "openai-compatible")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.recent_days", 7)

	v.SetDefault("sink.output_dir", "output")

	v.SetDefault("sources.headline.fetch_limit", 50)
	v.SetDefault("sources.headline.cache_ttl", 300)
	v.SetDefault("sources.headline.recent_days", 3)

	v.SetDefault("sources.repo.fetch_limit", 100)
	v.SetDefault("sources.repo.cache_ttl", 3600)
	v.SetDefault("sources.repo.recent_days", 7)

	v.SetDefault("sources.paper.fetch_limit", 50)
	v.SetDefault("sources.paper.cache_ttl", 3600)
	v.SetDefault("sources.paper.recent_days", 7)
	v.SetDefault("sources.paper.selective_translation", true)
	v.SetDefault("sources.paper.min_authors", 2)

	v.SetDefault("sources.feed.fetch_limit", 50)
	v.SetDefault("sources.feed.cache_ttl", 900)
	v.SetDefault("sources.feed.recent_days", 7)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.api_url", "LLM_API_URL")
	_ = v.BindEnv("llm.model_name", "LLM_MODEL_NAME")
}

func parseSchedulerTasks(v *viper.Viper) map[string]SchedulerTask {
	raw := v.GetStringMap("global_settings.scheduler.tasks")
	tasks := make(map[string]SchedulerTask, len(raw))
	for name := range raw {
		prefix := "global_settings.scheduler.tasks." + name
		var times []string
		switch t := v.Get(prefix + ".time").(type) {
		case string:
			times = []string{t}
		case []interface{}:
			for _, item := range t {
				if s, ok := item.(string); ok {
					times = append(times, s)
				}
			}
		}
		tasks[name] = SchedulerTask{
			Enabled:    v.GetBool(prefix + ".enabled"),
			Times:      times,
			MaxResults: v.GetInt(prefix + ".max_results"),
		}
	}
	return tasks
}

var knownSourceKinds = []string{"headline", "repo", "paper", "feed"}

func parseSources(v *viper.Viper) (map[string]Source, error) {
	sources := make(map[string]Source)
	for _, kind := range knownSourceKinds {
		prefix := "sources." + kind
		if !v.IsSet(prefix) {
			continue
		}
		common := CommonFields{
			Enabled:            v.GetBool(prefix + ".enabled"),
			Name:               v.GetString(prefix + ".name"),
			Description:        v.GetString(prefix + ".description"),
			URL:                v.GetString(prefix + ".url"),
			APIBaseURL:         v.GetString(prefix + ".api_base_url"),
			FetchLimit:         v.GetInt(prefix + ".fetch_limit"),
			CacheTTL:           time.Duration(v.GetInt(prefix+".cache_ttl")) * time.Second,
			AIFilterEnabled:    v.GetBool(prefix + ".ai_filter_enabled"),
			TranslationEnabled: v.GetBool(prefix + ".translation_enabled"),
			RecentDays:         v.GetInt(prefix + ".recent_days"),
			Tags:               v.GetStringSlice(prefix + ".tags"),
		}
		src := Source{Common: common}

		switch kind {
		case "headline":
			kinds := v.GetStringSlice(prefix + ".trending_types")
			if len(kinds) == 0 {
				kinds = []string{"top", "new", "best"}
			}
			src.Headline = &HeadlineOpts{StoryKinds: kinds}
		case "repo":
			starLimits := map[string]int{}
			for k, val := range v.GetStringMap(prefix + ".star_limits") {
				if n, ok := val.(int); ok {
					starLimits[k] = n
				} else if f, ok := val.(float64); ok {
					starLimits[k] = int(f)
				}
			}
			src.Repo = &RepoOpts{
				TrendingTypes: v.GetStringSlice(prefix + ".trending_types"),
				Languages:     v.GetStringSlice(prefix + ".languages"),
				StarLimits:    starLimits,
				QueryKeywords: v.GetStringSlice(prefix + ".query_keywords"),
				Topics:        v.GetStringSlice(prefix + ".topics"),
			}
		case "paper":
			src.Paper = &PaperOpts{
				Category:             v.GetString(prefix + ".category"),
				Keywords:             v.GetStringSlice(prefix + ".keywords"),
				SelectiveTranslation: v.GetBool(prefix + ".selective_translation"),
				MinAuthors:           v.GetInt(prefix + ".min_authors"),
			}
		case "feed":
			src.Feed = &FeedOpts{
				FeedURLs: v.GetStringSlice(prefix + ".feed_urls"),
			}
		}

		sources[kind] = src
	}
	return sources, nil
}

func validate(snap *Snapshot) error {
	if snap.LLM.Enabled {
		if strings.TrimSpace(snap.LLM.APIKey) == "" {
			return fmt.Errorf("llm.enabled=true requires llm.api_key")
		}
		if strings.TrimSpace(snap.LLM.APIURL) == "" {
			return fmt.Errorf("llm.enabled=true requires llm.api_url")
		}
	}
	for name, src := range snap.Sources {
		switch name {
		case "headline":
			if src.Headline == nil {
				return fmt.Errorf("source %q missing headline options", name)
			}
		case "repo":
			if src.Repo == nil {
				return fmt.Errorf("source %q missing repo options", name)
			}
		case "paper":
			if src.Paper == nil {
				return fmt.Errorf("source %q missing paper options", name)
			}
		case "feed":
			if src.Feed == nil {
				return fmt.Errorf("source %q missing feed options", name)
			}
		}
	}
	return nil
}
