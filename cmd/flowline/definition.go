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

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return def, nil
}

func printValidation(result *schema.ValidationResult) {
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s: [%s] %s\n", e.Path, e.Code, e.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: [%s] %s\n", w.Path, w.Code, w.Message)
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate <definition.json>",
	Short: "Validate a workflow definition without publishing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			result := a.validator.ValidateDefinition(ctx, def)
			printValidation(result)
			if !result.Valid() {
				return fmt.Errorf("definition %s is invalid (%d errors)", def.ID, len(result.Errors))
			}
			fmt.Printf("definition %s version %d is valid\n", def.ID, def.Version)
			return nil
		})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <definition.json>",
	Short: "Validate and store a workflow definition version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			if err := a.engine.PublishDefinition(ctx, def); err != nil {
				return err
			}
			fmt.Printf("published %s version %d\n", def.ID, def.Version)
			return nil
		})
	},
}

// latestVersion resolves version 0 to the highest published version.
func latestVersion(ctx context.Context, st store.Store, id string, version int) (int, error) {
	if version > 0 {
		return version, nil
	}
	defs, err := st.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, d := range defs {
		if d.ID == id && d.Version > latest {
			latest = d.Version
		}
	}
	if latest == 0 {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "no published versions of definition %q", id)
	}
	return latest, nil
}
