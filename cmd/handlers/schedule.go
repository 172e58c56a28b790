package handlers

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liuyongshun/msgtool/internal/scheduler"
)

// watchForReload re-reads configuration on SIGHUP for the lifetime of
// ctx, purging the fetch cache for any source whose configuration
// changed. Runs until ctx is canceled.
func watchForReload(ctx context.Context, app *App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := app.ReloadConfig()
			if err != nil {
				app.Log.Warn().Err(err).Msg("config reload failed, keeping prior snapshot")
				continue
			}
			app.Log.Info().Strs("changed_sources", changed).Msg("configuration reloaded")
		}
	}
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the Scheduler",
	}
	cmd.AddCommand(newScheduleServeCmd())
	cmd.AddCommand(newScheduleOnceCmd())
	return cmd
}

func newScheduleServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run as a daemon, dispatching due jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newConfiguredApp()
			if err != nil {
				return err
			}
			sched := scheduler.New(app.Store, app, app.Log)
			go watchForReload(ctx, app)

			err = sched.Serve(ctx)
			if perr := app.Persist(); perr != nil && err == nil {
				err = perr
			}
			if ctx.Err() != nil {
				return errInterrupted
			}
			return err
		},
	}
}

func newScheduleOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run every enabled scheduled job now and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newConfiguredApp()
			if err != nil {
				return err
			}
			sched := scheduler.New(app.Store, app, app.Log)

			err = sched.Once(ctx)
			if perr := app.Persist(); perr != nil && err == nil {
				err = perr
			}
			if ctx.Err() != nil {
				return errInterrupted
			}
			return err
		},
	}
}
