package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/planetwars/evalbot/internal/submission"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file|-]",
	Short: "Parse the submission descriptor from a ticket body",
	Long: `Reads a ticket body from a file, or stdin when the argument is "-" or
omitted, and prints the descriptor found in it as JSON. Useful for checking a
submission before filing it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		d, err := submission.Extract(body)
		if err != nil {
			return err
		}
		out := map[string]string{"repository_url": d.RepositoryURL}
		if d.ID != "" {
			out["id"] = d.ID
		}
		if d.HasCommit() {
			out["commit"] = d.Commit
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func readBody(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0]) //nolint:gosec // user-supplied path on purpose
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
