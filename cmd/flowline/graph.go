package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowlinehq/flowline/internal/diagram"
	"github.com/flowlinehq/flowline/internal/store"
	"github.com/flowlinehq/flowline/pkg/schema"
)

var (
	graphFormat  string
	graphVersion int
	graphRun     string
)

var graphCmd = &cobra.Command{
	Use:   "graph <definition-id | definition.json>",
	Short: "Render a workflow graph as mermaid, ascii, or dot",
	Long: `Renders the node graph of a definition. The argument is either a
published definition id or a path to a definition file. With --run the
diagram is overlaid with that run's step statuses.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := resolveGraphDefinition(ctx, a, args[0])
			if err != nil {
				return err
			}

			var steps []*store.StepExecution
			if graphRun != "" {
				state, err := a.engine.GetRunState(ctx, graphRun)
				if err != nil {
					return err
				}
				steps = state.Steps
			}

			model, err := diagram.Build(def, steps)
			if err != nil {
				return err
			}

			switch graphFormat {
			case "mermaid":
				fmt.Print(diagram.RenderMermaid(model))
			case "ascii":
				fmt.Print(diagram.RenderASCII(model))
			case "dot":
				fmt.Print(diagram.RenderDOT(model))
			default:
				return fmt.Errorf("unknown format %q (want mermaid, ascii, or dot)", graphFormat)
			}
			return nil
		})
	},
}

// resolveGraphDefinition treats an existing file path as a definition
// file, anything else as a published definition id.
func resolveGraphDefinition(ctx context.Context, a *app, arg string) (*schema.WorkflowDefinition, error) {
	if _, err := os.Stat(arg); err == nil {
		return readDefinition(arg)
	}
	version, err := latestVersion(ctx, a.store, arg, graphVersion)
	if err != nil {
		return nil, err
	}
	return a.store.GetDefinition(ctx, arg, version)
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "ascii", "output format: mermaid, ascii, or dot")
	graphCmd.Flags().IntVar(&graphVersion, "version", 0, "definition version (default latest)")
	graphCmd.Flags().StringVar(&graphRun, "run", "", "overlay step statuses from a run")
	rootCmd.AddCommand(graphCmd)
}
