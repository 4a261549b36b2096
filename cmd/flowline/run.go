package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

var (
	runVersion   int
	runInput     string
	runInputFile string
)

var runCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Start a run of a published definition and execute it to quiescence",
	Long: `Starts a run and walks the graph until it completes, fails, or suspends
at an approval node. A suspended run is resumed later with "flowline resume".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			input, err := loadRunInput()
			if err != nil {
				return err
			}
			version, err := latestVersion(ctx, a.store, args[0], runVersion)
			if err != nil {
				return err
			}

			run, err := a.engine.StartRun(ctx, args[0], version, input)
			if err != nil {
				return err
			}

			fmt.Printf("run %s: %s\n", run.RunID, run.Status)
			if run.Status == schema.RunStatusSuspended {
				approvals, err := a.store.ListApprovals(ctx, store.ApprovalFilter{
					RunID: run.RunID, Status: store.ApprovalStatusPending,
				})
				if err != nil {
					return err
				}
				for _, ap := range approvals {
					fmt.Printf("awaiting review at node %s (flowline resume %s %s --decision approved)\n",
						ap.NodeID, run.RunID, ap.NodeID)
				}
			}
			if run.Status == schema.RunStatusFailed && len(run.Error) > 0 {
				fmt.Printf("error: %s\n", run.Error)
			}
			return nil
		})
	},
}

func loadRunInput() (map[string]any, error) {
	raw := runInput
	if runInputFile != "" {
		data, err := os.ReadFile(runInputFile)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("parse trigger input: %w", err)
	}
	return input, nil
}

func init() {
	runCmd.Flags().IntVar(&runVersion, "version", 0, "definition version (default latest)")
	runCmd.Flags().StringVar(&runInput, "input", "", "trigger input as a JSON object")
	runCmd.Flags().StringVar(&runInputFile, "input-file", "", "read trigger input from a JSON file")
	runCmd.MarkFlagsMutuallyExclusive("input", "input-file")
}
