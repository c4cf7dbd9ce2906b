package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/kiln"
	"github.com/jward/kiln/internal/changes"
	"github.com/jward/kiln/internal/paths"
)

var flagWindow time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [module...]",
	Short: "Build, then rebuild whenever sources change",
	Long:  "Runs an initial build and then watches the workspace, building again after each batch of filesystem changes. Only the changed paths are rechecked.",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagWindow, "window", 200*time.Millisecond, "quiet period that closes a batch of changes")
	watchCmd.Flags().BoolVar(&flagDependents, "dependents", false, "include modules that depend on the named ones")
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return outputError("watch", err)
	}
	defer e.Close()

	tracker := changes.NewTracker(paths.NewInterner(), e.ws, e.log)
	d, err := e.driver(kiln.WithTracker(tracker))
	if err != nil {
		return outputError("watch", err)
	}
	w, err := changes.NewWatcher(e.ws.Root, e.ws, tracker, flagWindow, e.log)
	if err != nil {
		return outputError("watch", err)
	}
	guard := changes.NewMemoryGuard(e.cfg.MemoryLimit, time.Second, e.log)
	defer guard.Register(tracker.LowMemory)()

	// One pending signal is enough: the next build takes every change
	// tracked so far.
	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	w.OnBatch = func([]changes.Event) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	s := moduleScope(args, flagDependents)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		guard.Run(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-trigger:
			}
			res, _ := d.Make(ctx, s)
			if ctx.Err() != nil {
				return nil
			}
			if err := outputResult(CLIResult{Command: "watch", Results: toCLIBuild(res)}); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}
