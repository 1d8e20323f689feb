package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/planetwars/evalbot/internal/config"
	"github.com/planetwars/evalbot/internal/logging"
	"github.com/planetwars/evalbot/internal/telemetry"
)

var (
	configPath  string
	repoFlag    string
	verboseFlag bool

	settings config.Settings
	logger   *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "evalbot",
	Short:         "evalbot - build and launch submitted game agents from tracker tickets",
	Long:          `Watches a GitHub repository for submission tickets, builds each submitted agent and starts it as a container, then reports the endpoint on the ticket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if err := config.InitializeWithFile(configPath); err != nil {
			return err
		}
		if err := config.BindFlag(config.KeyRepo, cmd.Flags().Lookup("repo")); err != nil {
			return err
		}
		if verboseFlag {
			config.Set(config.KeyLogLevel, "debug")
		}

		s, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		settings = s

		l, err := logging.New(os.Stderr, s.LogLevel, s.LogFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		if used := config.ConfigFileUsed(); used != "" {
			logger.Debug("loaded config", "path", used)
		}

		return telemetry.Init(rootCtx, "evalbot", Version, telemetry.Deployment{
			Repo:          s.Repo,
			WorkspaceRoot: s.WorkspaceRoot,
			Runtime:       s.Launcher.Runtime,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./.evalbot/config.yaml, then $XDG_CONFIG_HOME/evalbot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Submissions repository in owner/name form")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
