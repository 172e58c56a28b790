// Package statestore implements the Project State Store (spec §4.F): a
// durable, canonical-URL-keyed map of ProjectRecord, with a monotonic
// status upsert rule, whitelist-TTL evaluation on read, and atomic
// JSON-file persistence (write-temp-then-rename), one file per source
// under output/<source>/projects.json. Grounded on the persistence
// shape of the teacher's internal/store/store.go, generalized from a
// SQLite table to a JSON file per §6's on-disk layout, with
// normalize_record as the single pure migration function invoked once
// per record on load (§9 Design Notes).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/liuyongshun/msgtool/internal/core"
)

const whitelistDuration = 30 * 24 * time.Hour

// Stats summarizes the store's contents for operational visibility.
type Stats struct {
	ByStatus   map[core.Status]int `json:"by_status"`
	ByLanguage map[string]int      `json:"by_language"`
	ByOrigin   map[string]int      `json:"by_origin"`
	Total      int                 `json:"total"`
}

// Store holds one source's ProjectRecord set, keyed by canonical URL.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]core.ProjectRecord
	now     func() time.Time
}

// New constructs an empty, unpersisted Store for the given path.
func New(path string) *Store {
	return &Store{path: path, records: make(map[string]core.ProjectRecord), now: time.Now}
}

// Load reads path (if present) and normalizes every record exactly
// once. A missing file is not an error — a Store starts empty.
func Load(path string) (*Store, error) {
	s := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &core.PersistenceError{Path: path, Err: err}
	}

	var raw map[string]core.ProjectRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &core.PersistenceError{Path: path, Err: fmt.Errorf("decoding state file: %w", err)}
	}
	for k, r := range raw {
		s.records[k] = normalizeRecord(r)
	}
	return s, nil
}

// normalizeRecord is the single pure migration function applied to
// every record read from disk, consolidating what were previously
// scattered ad-hoc format fixes (§9 Design Notes).
func normalizeRecord(r core.ProjectRecord) core.ProjectRecord {
	if r.Status == "" {
		r.Status = core.StatusCrawled
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if r.Extra == nil {
		r.Extra = make(map[string]string)
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = r.CrawledAt
	}
	return r
}

// Save atomically persists the store to its path via write-temp then
// rename, creating parent directories as needed.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &core.PersistenceError{Path: s.path, Err: err}
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &core.PersistenceError{Path: s.path, Err: fmt.Errorf("encoding state file: %w", err)}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &core.PersistenceError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &core.PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

// Get returns a copy of the record at url, if present.
func (s *Store) Get(url string) (core.ProjectRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[url]
	return r, ok
}

// Upsert merges incoming into the record at url (if any), under the
// monotonic status rule (§4.F step 2-3): effective status is the max
// of existing and incoming under crawled < ai_screened < whitelisted,
// with expired demoted to crawled rank for the comparison.
// Popularity/tags/last_seen always take incoming's value; ai_score,
// ai_reason, and last_screened_at are preserved from the existing
// record unless incoming's status is ai_screened or higher;
// whitelisted_until is set to now+30d only on fresh promotion to
// whitelisted, otherwise preserved. The merged record is persisted
// before returning.
func (s *Store) Upsert(url string, incoming core.ProjectRecord) (core.ProjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, hadExisting := s.records[url]
	merged := mergeRecord(existing, hadExisting, incoming, s.now())
	s.records[url] = merged
	if err := s.saveLocked(); err != nil {
		return merged, err
	}
	return merged, nil
}

func mergeRecord(existing core.ProjectRecord, hadExisting bool, incoming core.ProjectRecord, now time.Time) core.ProjectRecord {
	if !hadExisting {
		merged := incoming
		if merged.CrawledAt.IsZero() {
			merged.CrawledAt = now
		}
		merged.LastSeen = now
		if merged.Status == core.StatusWhitelisted {
			until := now.Add(whitelistDuration)
			merged.WhitelistedUntil = &until
		}
		if merged.Status == core.StatusAIScreened {
			t := now
			merged.LastScreenedAt = &t
		}
		return merged
	}

	effStatus := core.MaxStatus(existing.Status, incoming.Status)
	merged := existing

	// Popularity counters, tags, and last_seen always take the newest value.
	merged.Title = incoming.Title
	merged.Summary = incoming.Summary
	merged.Tags = incoming.Tags
	merged.LastSeen = now
	merged.FullName = firstNonEmpty(incoming.FullName, existing.FullName)
	merged.PublishedAt = firstNonNilTime(incoming.PublishedAt, existing.PublishedAt)
	merged.Language = firstNonEmpty(incoming.Language, existing.Language)
	merged.Extra = mergeExtra(existing.Extra, incoming.Extra)

	promotedToScreenedOrHigher := incoming.Status == core.StatusAIScreened || incoming.Status == core.StatusWhitelisted
	if promotedToScreenedOrHigher {
		merged.AIScore = incoming.AIScore
		merged.AIReason = incoming.AIReason
		t := now
		merged.LastScreenedAt = &t
	}

	merged.Status = effStatus
	if effStatus == core.StatusWhitelisted {
		if existing.Status != core.StatusWhitelisted {
			until := now.Add(whitelistDuration)
			merged.WhitelistedUntil = &until
		} else {
			merged.WhitelistedUntil = existing.WhitelistedUntil
		}
	}

	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonNilTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func mergeExtra(existing, incoming map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// IsWhitelisted evaluates url's whitelist status, auto-expiring and
// persisting the record if its whitelisted_until has elapsed.
func (s *Store) IsWhitelisted(url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[url]
	if !ok || r.Status != core.StatusWhitelisted {
		return false, nil
	}
	if r.WhitelistedUntil == nil || r.WhitelistedUntil.After(s.now()) {
		return r.WhitelistedUntil != nil, nil
	}

	r.Status = core.StatusExpired
	s.records[url] = r
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return false, nil
}

// Statistics returns counts by status, language, and origin kind.
func (s *Store) Statistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ByStatus:   make(map[core.Status]int),
		ByLanguage: make(map[string]int),
		ByOrigin:   make(map[string]int),
	}
	for _, r := range s.records {
		stats.ByStatus[r.Status]++
		lang := r.Language
		if lang == "" {
			lang = "unknown"
		}
		stats.ByLanguage[lang]++
		origin := r.Extra["source_type"]
		if origin == "" {
			origin = "unknown"
		}
		stats.ByOrigin[origin]++
		stats.Total++
	}
	return stats
}

// CleanupExpired removes records whose last_seen predates days ago,
// persisting the result. Returns the number removed.
func (s *Store) CleanupExpired(days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	removed := 0
	for k, r := range s.records {
		if r.LastSeen.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Len reports how many records the store currently holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
