package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyackey/bloom/internal/agent/runtime"
	"github.com/steveyackey/bloom/internal/clock"
	"github.com/steveyackey/bloom/internal/config"
	"github.com/steveyackey/bloom/internal/events"
	"github.com/steveyackey/bloom/internal/humanq"
	"github.com/steveyackey/bloom/internal/orchestrator"
	"github.com/steveyackey/bloom/internal/prompt"
	"github.com/steveyackey/bloom/internal/repo"
	"github.com/steveyackey/bloom/internal/sessions"
	"github.com/steveyackey/bloom/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator against the task file",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := newLogger()
		if err != nil {
			fatal(err)
		}
		defer logger.Sync()

		cfg, err := config.Load(bloomDir, logger)
		if err != nil {
			fatal(err)
		}
		store, err := task.Load(taskFilePath(), logger)
		if err != nil {
			fatal(err)
		}

		clk := clock.New()
		queue, err := humanq.New(bloomDir, clk, logger)
		if err != nil {
			fatal(err)
		}
		sessionStore, err := sessions.New(bloomDir)
		if err != nil {
			fatal(err)
		}
		repos := repo.NewGitManager(bloomDir, logger)
		prompts, err := prompt.New(bloomDir, repos)
		if err != nil {
			fatal(err)
		}

		bus := events.NewBus(logger)
		rt := runtime.New(runtime.NewIndex(), clk, logger, cfg.HardKillGrace())

		orc := orchestrator.New(orchestrator.Options{
			Store:    store,
			Runner:   rt,
			Queue:    queue,
			Bus:      bus,
			Prompts:  prompts,
			Sessions: sessionStore,
			Config:   cfg,
			Clock:    clk,
			Logger:   logger,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		}()

		if err := orc.Run(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
