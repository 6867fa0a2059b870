// Package cli wires the core subsystems behind a thin cobra surface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyackey/bloom/internal/version"
)

var (
	bloomDir  string
	tasksFile string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "bloom",
	Short: "Bloom - multi-agent orchestrator for coding-assistant CLIs",
	Long: `Bloom drives a fleet of coding-assistant CLI subprocesses against a
shared task graph. Tasks are declared in a YAML file; Bloom schedules the
ready ones, spawns the assigned agent in the right worktree, streams its
output, and records the outcome.

Example:
  bloom run --dir . --tasks bloom.tasks.yaml`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&bloomDir, "dir", ".", "bloom directory (config, queues, session store)")
	rootCmd.PersistentFlags().StringVar(&tasksFile, "tasks", "", "task file (default <dir>/bloom.tasks.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")
}

// taskFilePath resolves the task file location.
func taskFilePath() string {
	if tasksFile != "" {
		return tasksFile
	}
	return filepath.Join(bloomDir, "bloom.tasks.yaml")
}

// newLogger builds the process logger.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// fatal prints a single-line message and exits non-zero, the contract for
// command-layer failures.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, "bloom:", err)
	os.Exit(1)
}
