// Package scheduler implements the Scheduler (spec §4.I): source-keyed
// cron jobs that dispatch to the Pipeline Engine on a time-of-day
// schedule, with per-source overlap prevention. Grounded on the
// teacher's explicit-collaborator constructor style and on
// robfig/cron/v3, the library already pulled in by the corpus for
// time-of-day scheduling rather than a hand-rolled ticker loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/liuyongshun/msgtool/internal/config"
)

// Runner is what the scheduler dispatches to: one Pipeline Engine
// invocation for a named source with a result budget.
type Runner interface {
	RunSource(ctx context.Context, sourceName string, maxResults int) error
}

// Scheduler owns one cron instance and a per-source running flag so a
// source's prior invocation is never overlapped by a new trigger.
type Scheduler struct {
	store   *config.Store
	runner  Runner
	log     zerolog.Logger
	cron    *cron.Cron
	running sync.Map // sourceName -> *sync.Mutex, held while that source's run is in flight
}

// New builds a Scheduler over the given config store and runner.
// Config is read fresh from the store at Serve/Once time, so a reload
// between runs is picked up without restarting the process.
func New(store *config.Store, runner Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		log:    log,
		cron:   cron.New(),
	}
}

// Once runs every enabled job exactly once, regardless of how many
// trigger times it has, skipping sources that are disabled or have no
// scheduler entry. Jobs run concurrently; Once returns after all of
// them finish, with the first error seen. Used by the `schedule once`
// CLI command.
func (s *Scheduler) Once(ctx context.Context) error {
	snap := s.store.Current()
	var wg sync.WaitGroup
	errCh := make(chan error, len(snap.Global.SchedulerTasks))

	for name, task := range snap.Global.SchedulerTasks {
		if !task.Enabled {
			continue
		}
		name, task := name, task
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.dispatch(ctx, name, task.MaxResults); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Serve registers a cron entry per (source, time-of-day) pair from the
// current configuration snapshot and blocks until ctx is canceled. Each
// entry fires in local time, matching the "HH:MM in local time" shape
// of a SchedulerTask.
func (s *Scheduler) Serve(ctx context.Context) error {
	snap := s.store.Current()
	if !snap.Global.SchedulerEnabled {
		s.log.Info().Msg("scheduler disabled in configuration, exiting")
		return nil
	}

	count := 0
	for name, task := range snap.Global.SchedulerTasks {
		if !task.Enabled {
			continue
		}
		for _, hhmm := range task.Times {
			spec, err := timeOfDaySpec(hhmm)
			if err != nil {
				s.log.Warn().Str("source", name).Str("time", hhmm).Err(err).Msg("skipping malformed schedule entry")
				continue
			}
			source, t := name, task
			if _, err := s.cron.AddFunc(spec, func() {
				if err := s.dispatch(ctx, source, t.MaxResults); err != nil {
					s.log.Error().Str("source", source).Err(err).Msg("scheduled run failed")
				}
			}); err != nil {
				s.log.Warn().Str("source", name).Str("time", hhmm).Err(err).Msg("failed to register schedule entry")
				continue
			}
			count++
		}
	}

	s.log.Info().Int("jobs", count).Msg("scheduler serving")
	s.cron.Start()
	defer s.cron.Stop()

	<-ctx.Done()
	return nil
}

// dispatch runs one source, skipping the trigger entirely (not
// queueing it) if a prior invocation of the same source is still in
// flight — sources run concurrently with each other but never overlap
// with themselves.
func (s *Scheduler) dispatch(ctx context.Context, sourceName string, maxResults int) error {
	muAny, _ := s.running.LoadOrStore(sourceName, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)

	if !mu.TryLock() {
		s.log.Warn().Str("source", sourceName).Msg("skipping trigger: previous run still in flight")
		return nil
	}
	defer mu.Unlock()

	jobID := uuid.NewString()
	s.log.Info().Str("job_id", jobID).Str("source", sourceName).Int("max_results", maxResults).Msg("running scheduled source")
	return s.runner.RunSource(ctx, sourceName, maxResults)
}

// timeOfDaySpec converts "HH:MM" local time into a 5-field cron spec
// that fires once a day at that minute.
func timeOfDaySpec(hhmm string) (string, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return "", fmt.Errorf("invalid time-of-day %q: %w", hhmm, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("time-of-day %q out of range", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
