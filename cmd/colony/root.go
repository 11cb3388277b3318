package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/engine"
	"github.com/ShayCichocki/colony/internal/logging"
)

var (
	rootDir     string
	rootVerbose bool
)

// shutdownGrace bounds how long the CLI waits for agents to exit.
const shutdownGrace = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "Coding agent orchestration engine",
	Long: `Colony runs teams of coding agent subprocesses.

Two execution models are available:
  run   Decompose a task into a dependency graph of subtasks and
        execute it with retries and backoff.
  ask   Send a task to the project's long-lived orchestrator, which
        dispatches work to per-role leaders.

State lives in the project data directory (.colony by default).
Configuration is read from ~/.config/colony/config.yaml and the
nearest .colony.yaml, then COLONY_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Also write the debug log to stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectRoot returns the project root for --dir or the working directory.
func projectRoot() (string, error) {
	dir := rootDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		dir = cwd
	}
	return config.FindProjectRoot(dir), nil
}

// loadConfig loads and resolves configuration for the project root.
func loadConfig() (*config.Config, string, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, "", err
	}
	cfg.Resolve(root)
	return cfg, root, nil
}

// CheckAgentCLI verifies that the configured agent command is available.
func CheckAgentCLI(cfg *config.Config) error {
	if cfg.Agent.Shell {
		return nil
	}
	if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
		return fmt.Errorf("agent command %q not found in PATH\n\n"+
			"Install it, or point agent.command in %s at another executable.",
			cfg.Agent.Command, config.ProjectConfigName)
	}
	return nil
}

// startEngine loads config and builds an engine. The returned context is
// cancelled on SIGINT/SIGTERM or a shutdown signal file; stop shuts the
// engine down.
func startEngine() (*engine.Engine, context.Context, func(), error) {
	cfg, root, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := CheckAgentCLI(cfg); err != nil {
		return nil, nil, nil, err
	}

	var opts []engine.Option
	if rootVerbose {
		logger, err := logging.New(logging.Options{Path: cfg.Logging.File, Level: "debug", Stderr: true})
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, engine.WithLogger(logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e, err := engine.New(ctx, cfg, root, opts...)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, shutting down...")
		case <-e.ShutdownRequested():
			fmt.Fprintln(os.Stderr, "\nShutdown requested, stopping...")
		case <-ctx.Done():
		}
		cancel()
	}()

	stop := func() {
		signal.Stop(sigCh)
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer scancel()
		if err := e.Shutdown(sctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	return e, ctx, stop, nil
}
