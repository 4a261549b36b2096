package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

var stateCmd = &cobra.Command{
	Use:   "state <run-id>",
	Short: "Print a run's full state: run row, step trace, events, approvals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			state, err := a.engine.GetRunState(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(state)
		})
	},
}

var (
	runsStatus     string
	runsDefinition string
	runsLimit      int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			filter := store.RunFilter{
				DefinitionID: runsDefinition,
				Limit:        runsLimit,
			}
			if runsStatus != "" {
				st := schema.RunStatus(runsStatus)
				filter.Status = &st
			}
			runs, err := a.engine.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-10s  %s@%d  %s\n",
					r.RunID, r.Status, r.DefinitionID, r.DefinitionVersion,
					r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var approvalsRun string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approvals awaiting review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			approvals, err := a.store.ListApprovals(ctx, store.ApprovalFilter{
				RunID:  approvalsRun,
				Status: store.ApprovalStatusPending,
			})
			if err != nil {
				return err
			}
			return printJSON(approvals)
		})
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered action providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			for _, info := range a.providers.List() {
				fmt.Printf("%-20s  %s\n", info.Name, info.Description)
			}
			return nil
		})
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCmd.Flags().StringVar(&runsDefinition, "definition", "", "filter by definition id")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max runs to list")

	approvalsCmd.Flags().StringVar(&approvalsRun, "run", "", "filter by run id")
}
