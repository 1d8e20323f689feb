package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planetwars/evalbot/internal/lockfile"
)

// lockWorkspace makes sure no other evalbot process uses the same workspace
// root.
func lockWorkspace() (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(settings.WorkspaceRoot, lockfile.Info{Repo: settings.Repo, Version: Version})
	if err != nil {
		return nil, fmt.Errorf("workspace %s is in use: %w", settings.WorkspaceRoot, err)
	}
	return lock, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for submission tickets until interrupted",
	Long: `Lists open tickets every poll interval and processes each one: extract the
submission descriptor, build and start the agent container, and comment the
outcome on the ticket. Stops cleanly on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(settings)
		if err != nil {
			return err
		}
		lock, err := lockWorkspace()
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		ctx := rootCtx
		go func() {
			if err := p.token.Watch(ctx, logger.With("component", "credentials")); err != nil {
				logger.Warn("token file is not watched, rotation needs a restart", "error", err)
			}
		}()

		logger.Info("evalbot starting",
			"repo", settings.Repo,
			"workspace", settings.WorkspaceRoot,
			"runtime", settings.Launcher.Runtime,
			"version", Version)

		if err := p.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("evalbot stopped")
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(settings)
		if err != nil {
			return err
		}
		lock, err := lockWorkspace()
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		report := p.poller.RunOnce(rootCtx)
		if report.ListErr != nil {
			return fmt.Errorf("listing tickets: %w", report.ListErr)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listed %d, dispatched %d, failed %d\n",
			report.Listed, report.Dispatched, report.Failed)
		for number, err := range report.Failures {
			fmt.Fprintf(cmd.ErrOrStderr(), "  #%d %v: %v\n", number, report.Labels[number], err)
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d ticket(s) failed", report.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
}
