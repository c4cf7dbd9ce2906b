package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/kiln"
	"github.com/jward/kiln/internal/buildproc"
	"github.com/jward/kiln/internal/config"
	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/store"
	"github.com/jward/kiln/internal/workspace"
)

var (
	flagWorkspace string
	flagCacheDir  string
	flagRemote    string
	flagFormat    string
	flagLogLevel  string
	flagLogJSON   bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "kiln",
	Short:         "Incremental build orchestration",
	Long:          "Kiln decides what to recompile after a change and drives the compilers that do it, keeping their state in persistent per-compiler caches.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace description (default: $KILN_WORKSPACE or kiln.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "cache root, relative to the workspace root (default: $KILN_CACHE_DIR or .kiln/caches)")
	rootCmd.PersistentFlags().StringVar(&flagRemote, "remote", "", "address of a running 'kiln serve' to build with")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "write logs as JSON")

	rootCmd.AddCommand(makeCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(forceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("invalid --format %q: must be json or text", format)
}

// loadConfig reads the environment and lets explicit flags override it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("workspace") {
		cfg.WorkspaceFile = flagWorkspace
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = flagCacheDir
	}
	if flags.Changed("remote") {
		cfg.Remote = flagRemote
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = flagLogJSON
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env is everything a command needs to run builds.
type env struct {
	cfg    *config.Config
	log    *logger.Logger
	ws     *workspace.Workspace
	caches *store.Manager
	client *buildproc.Client
}

func (e *env) Close() {
	if err := e.caches.Flush(); err != nil {
		e.log.WithError(err).Warn("flush caches")
	}
	if e.client != nil {
		e.client.Close()
	}
}

// openEnv loads the workspace and its caches. With a remote configured,
// builds are sent to that process instead of running in-process.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON, os.Stderr)

	wsFile, err := filepath.Abs(cfg.WorkspaceFile)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}
	ws, err := workspace.Load(wsFile)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:    cfg,
		log:    log,
		ws:     ws,
		caches: store.NewManager(cfg.ResolveCacheDir(ws.Root), store.WithLogger(log)),
	}
	if cfg.Remote != "" {
		e.client, err = buildproc.Dial(cfg.Remote, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", cfg.Remote, err)
		}
	}
	return e, nil
}

// driver builds a Driver over e with the common options plus extra.
func (e *env) driver(extra ...kiln.Option) (*kiln.Driver, error) {
	opts := []kiln.Option{
		kiln.WithLogger(e.log),
		kiln.WithPollInterval(e.cfg.PollInterval),
	}
	if e.cfg.BuildTimeout > 0 {
		opts = append(opts, kiln.WithTestTimeout(e.cfg.BuildTimeout))
	}
	if e.client != nil {
		opts = append(opts, kiln.WithProcess(e.client))
	}
	opts = append(opts, extra...)
	d, err := kiln.New(e.ws, e.caches, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating driver: %w", err)
	}
	return d, nil
}
