// Package sink implements the Incremental Sink (spec §4.J): a per-day,
// per-source append-only JSON file, keyed-deduplicated on append and
// written atomically via write-temp-then-rename. Grounded on
// statestore's atomic-rename idiom, applied here to
// output/daily/<day>/<source>.json files instead of a
// single state file, with the envelope shape
// ({source, day, generated_at, items}) inspired by the teacher's
// JSON/BLOB embedding in internal/store/store.go.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/liuyongshun/msgtool/internal/core"
)

// Envelope is the on-disk shape of one (source, day) file.
type Envelope struct {
	Source      string              `json:"source"`
	Day         string              `json:"day"`
	GeneratedAt time.Time           `json:"generated_at"`
	Count       int                 `json:"count"`
	Items       []core.NormalizedItem `json:"items"`
}

// Sink appends NormalizedItem batches to per-day per-source files
// under a root output directory, deduplicating by a source-specific
// key. One mutex per (source, day) file path ensures "no cross-source
// contention" (§5).
type Sink struct {
	rootDir string
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Sink rooted at rootDir (typically "output").
func New(rootDir string) *Sink {
	return &Sink{rootDir: rootDir, now: time.Now, locks: make(map[string]*sync.Mutex)}
}

func (s *Sink) lockFor(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// dedupKey returns the key NormalizedItems are deduplicated by for a
// given source: item link/URL for feed, headline, and repo sources.
func dedupKey(item core.NormalizedItem) string {
	return item.URL
}

func (s *Sink) dayDir(day string) string {
	return filepath.Join(s.rootDir, "daily", day)
}

func (s *Sink) filePath(source, day string) string {
	return filepath.Join(s.dayDir(day), source+".json")
}

// AppendBatch appends items to the (source, day) file, deduplicating
// against both the new batch and any items already on disk. Each call
// is atomic: the whole file is rewritten via write-temp-then-rename,
// so a crash mid-write cannot corrupt or partially apply a batch
// (§8 property 5, §8 S6).
func (s *Sink) AppendBatch(source string, day time.Time, items []core.NormalizedItem) (int, error) {
	dayStr := day.Format("2006-01-02")
	path := s.filePath(source, dayStr)

	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	env, err := readEnvelope(path, source, dayStr)
	if err != nil {
		return 0, err
	}

	byKey := make(map[string]int, len(env.Items))
	for i, existing := range env.Items {
		byKey[dedupKey(existing)] = i
	}
	for _, it := range items {
		key := dedupKey(it)
		if idx, ok := byKey[key]; ok {
			env.Items[idx] = it
			continue
		}
		env.Items = append(env.Items, it)
		byKey[key] = len(env.Items) - 1
	}

	env.Count = len(env.Items)
	env.GeneratedAt = s.now()

	if err := writeEnvelopeAtomic(path, env); err != nil {
		return 0, err
	}
	return len(items), nil
}

// ReadDay returns the current contents of a (source, day) file, or an
// empty envelope if it doesn't exist yet.
func (s *Sink) ReadDay(source string, day time.Time) (Envelope, error) {
	dayStr := day.Format("2006-01-02")
	return readEnvelope(s.filePath(source, dayStr), source, dayStr)
}

func readEnvelope(path, source, day string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Envelope{Source: source, Day: day, Items: []core.NormalizedItem{}}, nil
		}
		return Envelope{}, &core.PersistenceError{Path: path, Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &core.PersistenceError{Path: path, Err: fmt.Errorf("decoding sink file: %w", err)}
	}
	if env.Items == nil {
		env.Items = []core.NormalizedItem{}
	}
	return env, nil
}

func writeEnvelopeAtomic(path string, env Envelope) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &core.PersistenceError{Path: path, Err: err}
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return &core.PersistenceError{Path: path, Err: fmt.Errorf("encoding sink file: %w", err)}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &core.PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &core.PersistenceError{Path: path, Err: err}
	}
	return nil
}
