package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planetwars/evalbot/internal/launcher"
	"github.com/planetwars/evalbot/internal/submission"
)

var (
	launchID     string
	launchRepo   string
	launchCommit string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Build and start one agent without going through a ticket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := submission.Descriptor{ID: launchID, RepositoryURL: launchRepo, Commit: launchCommit}
		if d.RepositoryURL == "" {
			return fmt.Errorf("--repository-url is required")
		}
		if err := submission.ValidateID(d.ID); err != nil {
			return err
		}

		ctx := rootCtx
		if settings.EvaluationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, settings.EvaluationTimeout)
			defer cancel()
		}

		res, err := newLauncher(settings).Launch(ctx, d)
		if err != nil {
			if se, ok := launcher.AsStageError(err); ok && se.Output != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), se.Output)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s running at %s (port %d)\n", res.ContainerName, res.Endpoint, res.Port)
		return nil
	},
}

func init() {
	launchCmd.Flags().StringVar(&launchID, "id", "", "Submission id (names the workspace, image and container)")
	launchCmd.Flags().StringVar(&launchRepo, "repository-url", "", "Git URL of the agent source")
	launchCmd.Flags().StringVar(&launchCommit, "commit", "", "Commit to check out (default: branch tip)")
	_ = launchCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(launchCmd)
}
