package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowlinehq/flowline/pkg/schema"
)

var (
	resumeDecision string
	resumeEdits    string
	resumeComment  string
	resumeBy       string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id> <node-id>",
	Short: "Resolve a pending approval and continue the suspended run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res := &schema.Resolution{
				Decision:   schema.ReviewDecision(resumeDecision),
				Comment:    resumeComment,
				ResolvedBy: resumeBy,
			}
			if resumeEdits != "" {
				if err := json.Unmarshal([]byte(resumeEdits), &res.EditedValues); err != nil {
					return fmt.Errorf("parse edited values: %w", err)
				}
			}

			run, err := a.engine.ResumeRun(ctx, args[0], args[1], res)
			if err != nil {
				return err
			}

			fmt.Printf("run %s: %s\n", run.RunID, run.Status)
			if run.Status == schema.RunStatusFailed && len(run.Error) > 0 {
				fmt.Printf("error: %s\n", run.Error)
			}
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run that has not yet reached a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.CancelRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("run %s: cancelled\n", args[0])
			return nil
		})
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDecision, "decision", "", "approved, rejected, or edited")
	resumeCmd.Flags().StringVar(&resumeEdits, "edits", "", "edited field values as a JSON object (with --decision edited)")
	resumeCmd.Flags().StringVar(&resumeComment, "comment", "", "reviewer comment")
	resumeCmd.Flags().StringVar(&resumeBy, "by", "", "reviewer identity")
	_ = resumeCmd.MarkFlagRequired("decision")
}
