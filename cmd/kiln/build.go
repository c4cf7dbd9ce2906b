package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/kiln"
	"github.com/jward/kiln/internal/scope"
)

var (
	flagDependents bool
	flagClean      bool
)

var makeCmd = &cobra.Command{
	Use:   "make [module...]",
	Short: "Build what changed",
	Long:  "Builds the named modules, or the whole workspace when none are given. Only sources whose recorded state differs from disk are recompiled.",
	RunE:  runMake,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [module...]",
	Short: "Recompile everything in scope",
	Args:  cobra.ArbitraryArgs,
	RunE:  runRebuild,
}

var forceCmd = &cobra.Command{
	Use:   "force <path>...",
	Short: "Recompile the given files or directories whether or not they changed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runForce,
}

var statusCmd = &cobra.Command{
	Use:   "status [module...]",
	Short: "Report whether a build would do anything",
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{makeCmd, rebuildCmd, statusCmd} {
		c.Flags().BoolVar(&flagDependents, "dependents", false, "include modules that depend on the named ones")
	}
	rebuildCmd.Flags().BoolVar(&flagClean, "clean", false, "delete all compiler caches first")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// moduleScope is the whole project when names is empty.
func moduleScope(names []string, withDependents bool) *scope.Scope {
	if len(names) == 0 {
		return scope.NewProject()
	}
	return scope.NewModules(names, withDependents)
}

// pathScope builds a scope from command-line paths. Directories become item
// scopes; everything else is an explicit file.
func pathScope(args []string) (*scope.Scope, error) {
	var files []string
	var items []*scope.Scope
	for _, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", a, err)
		}
		info, err := os.Stat(p)
		if err == nil && info.IsDir() {
			items = append(items, scope.NewItem(p, true))
			continue
		}
		files = append(files, p)
	}
	if len(files) > 0 {
		items = append(items, scope.NewFiles(files...))
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return scope.Union(items...), nil
}

func runMake(cmd *cobra.Command, args []string) error {
	return runBuild(cmd, "make", func(ctx context.Context, d *kiln.Driver) (*kiln.Result, error) {
		return d.Make(ctx, moduleScope(args, flagDependents))
	})
}

func runRebuild(cmd *cobra.Command, args []string) error {
	return runBuild(cmd, "rebuild", func(ctx context.Context, d *kiln.Driver) (*kiln.Result, error) {
		return d.Rebuild(ctx, moduleScope(args, flagDependents), flagClean)
	})
}

func runForce(cmd *cobra.Command, args []string) error {
	s, err := pathScope(args)
	if err != nil {
		return outputError("force", err)
	}
	return runBuild(cmd, "force", func(ctx context.Context, d *kiln.Driver) (*kiln.Result, error) {
		return d.ForceCompile(ctx, s)
	})
}

// runBuild opens the workspace, runs one build and prints its summary. A
// failed or cancelled build still prints the summary before exiting
// non-zero.
func runBuild(cmd *cobra.Command, command string, build func(context.Context, *kiln.Driver) (*kiln.Result, error)) error {
	e, err := openEnv(cmd)
	if err != nil {
		return outputError(command, err)
	}
	defer e.Close()

	d, err := e.driver()
	if err != nil {
		return outputError(command, err)
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	res, buildErr := build(ctx, d)
	if err := outputResult(CLIResult{Command: command, Results: toCLIBuild(res)}); err != nil {
		return err
	}
	if buildErr != nil {
		// The summary already carries the details.
		errorHandled = errors.Is(buildErr, kiln.ErrBuildFailed) || errors.Is(buildErr, kiln.ErrCancelled)
		return buildErr
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return outputError("status", err)
	}
	defer e.Close()

	d, err := e.driver()
	if err != nil {
		return outputError("status", err)
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	upToDate, err := d.IsUpToDate(ctx, moduleScope(args, flagDependents))
	if err != nil {
		return outputError("status", err)
	}
	return outputResult(CLIResult{Command: "status", Results: CLIStatus{UpToDate: upToDate}})
}
