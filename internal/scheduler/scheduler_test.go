package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liuyongshun/msgtool/internal/config"
	"github.com/liuyongshun/msgtool/internal/logging"
)

const testConfigYAML = `
global_settings:
  scheduler:
    enabled: true
    tasks:
      headline:
        enabled: true
        time: "09:00"
        max_results: 25
      repo:
        enabled: false
        time: "10:00"
        max_results: 25
`

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	store := config.NewStore()
	if err := store.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	block    chan struct{}
	blockFor map[string]bool
	running  int32
}

func (r *fakeRunner) RunSource(ctx context.Context, sourceName string, maxResults int) error {
	r.mu.Lock()
	r.calls = append(r.calls, sourceName)
	r.mu.Unlock()

	atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)

	if r.blockFor != nil && r.blockFor[sourceName] {
		<-r.block
	}
	return nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestOnceRunsOnlyEnabledSources(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{}
	s := New(store, runner, logging.Nop())

	if err := s.Once(context.Background()); err != nil {
		t.Fatalf("Once: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected exactly 1 call (only headline enabled), got %d: %v", runner.callCount(), runner.calls)
	}
	if runner.calls[0] != "headline" {
		t.Errorf("expected headline to run, got %q", runner.calls[0])
	}
}

func TestDispatchSkipsOverlappingInvocation(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{block: make(chan struct{}), blockFor: map[string]bool{"headline": true}}
	s := New(store, runner, logging.Nop())

	done := make(chan struct{})
	go func() {
		_ = s.dispatch(context.Background(), "headline", 10)
		close(done)
	}()

	// Wait until the first invocation is actually in flight.
	for atomic.LoadInt32(&runner.running) == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := s.dispatch(context.Background(), "headline", 10); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if runner.callCount() != 1 {
		t.Errorf("expected the overlapping trigger to be skipped, got %d calls", runner.callCount())
	}

	close(runner.block)
	<-done
}

func TestDispatchAllowsDifferentSourcesConcurrently(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{block: make(chan struct{})}
	s := New(store, runner, logging.Nop())

	close(runner.block) // don't actually block either source
	if err := s.dispatch(context.Background(), "headline", 10); err != nil {
		t.Fatalf("dispatch headline: %v", err)
	}
	if err := s.dispatch(context.Background(), "repo", 10); err != nil {
		t.Fatalf("dispatch repo: %v", err)
	}
	if runner.callCount() != 2 {
		t.Errorf("expected both distinct sources to run, got %d calls", runner.callCount())
	}
}

func TestTimeOfDaySpecRejectsMalformedInput(t *testing.T) {
	if _, err := timeOfDaySpec("25:00"); err == nil {
		t.Error("expected an out-of-range hour to be rejected")
	}
	if _, err := timeOfDaySpec("not-a-time"); err == nil {
		t.Error("expected malformed input to be rejected")
	}
	spec, err := timeOfDaySpec("09:30")
	if err != nil {
		t.Fatalf("timeOfDaySpec: %v", err)
	}
	if spec != "30 9 * * *" {
		t.Errorf("spec = %q, want %q", spec, "30 9 * * *")
	}
}
