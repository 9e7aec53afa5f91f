package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"module/internal/bundle"
	"module/internal/framework"
	"module/internal/mcpadmin"
	"module/pkg/logging"
)

// Shared flags for every command that boots a framework.Framework
// (run, shell). Declared once here and attached to each command's own
// FlagSet so `module run` and `module shell` take the same options.
var (
	storageLocation string
	workerPoolSize  int
	logLevelName    string
	notifySystemd   bool
)

func addFrameworkFlags(fs *cobra.Command) {
	fs.Flags().StringVar(&storageLocation, "storage", defaultStorageLocation(), "Directory staged plugins and pushed configuration documents live under")
	fs.Flags().IntVar(&workerPoolSize, "workers", 0, "Event admin worker pool capacity (0 selects a sensible default)")
	fs.Flags().StringVar(&logLevelName, "log-level", "info", "Log level: debug, info, warn, error")
	fs.Flags().BoolVar(&notifySystemd, "notify", true, "Notify systemd of readiness/stopping via sd_notify")
}

func defaultStorageLocation() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/module"
	}
	return "./.module"
}

func parseLogLevel(name string) logging.LogLevel {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// buildFramework constructs and starts a Framework from the shared flags,
// initializing CLI-mode logging first so Start's own log lines are visible.
func buildFramework(ctx context.Context) (*framework.Framework, error) {
	logging.InitForCLI(parseLogLevel(logLevelName), os.Stderr)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Starting framework..."
	s.Start()
	defer s.Stop()

	fw := framework.New(framework.Config{
		StorageLocation: storageLocation,
		WorkerPoolSize:  workerPoolSize,
		LogLevel:        parseLogLevel(logLevelName),
		Notify:          notifySystemd,
	})
	if err := fw.Start(ctx); err != nil {
		s.FinalMSG = "Failed to start framework\n"
		return nil, fmt.Errorf("start framework: %w", err)
	}
	return fw, nil
}

// runMCPAdmin controls whether the run command also serves the MCP admin
// tool surface over stdio alongside the framework.
var runMCPAdmin bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <bundle-dir>",
		Short: "Start the framework, install every bundle archive under bundle-dir, and block until interrupted",
		Long: `Starts the framework, installs every *.zip archive found directly under
<bundle-dir>, starts every installed bundle whose manifest sets
bundle.autostart: true, and then blocks until SIGINT/SIGTERM.

With --mcp-admin, also serves the MCP administration tool surface
(install_bundle, start_bundle, stop_bundle, uninstall_bundle, list_bundles,
list_services) over stdio, for AI assistants and other MCP clients to drive
the framework.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	addFrameworkFlags(cmd)
	cmd.Flags().BoolVar(&runMCPAdmin, "mcp-admin", false, "Serve the MCP administration tool surface over stdio")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fw, err := buildFramework(ctx)
	if err != nil {
		return err
	}
	defer fw.Stop(context.Background())

	if err := installAndAutostartBundles(fw, args[0]); err != nil {
		return err
	}

	if runMCPAdmin {
		admin := mcpadmin.New(fw)
		errCh := make(chan error, 1)
		go func() { errCh <- admin.Serve() }()
		return waitForSignalOrError(ctx, cancel, errCh)
	}

	return waitForSignalOrError(ctx, cancel, nil)
}

// installAndAutostartBundles installs every *.zip archive found directly
// under dir (no recursion into subdirectories) and starts each resulting
// bundle whose manifest sets bundle.autostart: true.
func installAndAutostartBundles(fw *framework.Framework, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return fmt.Errorf("glob bundle archives in %s: %w", dir, err)
	}

	var toStart []*bundle.Bundle
	for _, path := range matches {
		bundles, err := fw.Bundles.Install(path)
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		for _, b := range bundles {
			logging.Info("Run", "installed bundle %d: %s %s", b.ID(), b.SymbolicName(), b.Version())
			if b.Headers().Autostart() {
				toStart = append(toStart, b)
			}
		}
	}

	for _, b := range toStart {
		if err := fw.Bundles.Start(b); err != nil {
			return fmt.Errorf("autostart bundle %d (%s): %w", b.ID(), b.SymbolicName(), err)
		}
		logging.Info("Run", "autostarted bundle %d: %s", b.ID(), b.SymbolicName())
	}
	return nil
}

// waitForSignalOrError blocks until SIGINT/SIGTERM, ctx cancellation, or an
// error arrives on errCh (which may be nil when nothing else runs
// concurrently), then cancels ctx so the caller's deferred Stop proceeds.
func waitForSignalOrError(ctx context.Context, cancel context.CancelFunc, errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return nil
	case <-sigCh:
		cancel()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}
