package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowline",
	Short: "Process execution engine for declarative workflows",
	Long: `flowline runs declarative workflow definitions: graphs of typed nodes
(start, decision, fork, join, extract, approval, action) executed with a
durable trace, retries, and human-in-the-loop approvals.

Definitions and run state persist in a local libSQL database, so a run
suspended at an approval node can be resumed from a later invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal-aware context.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.flowline/flowline.yaml)")
	pf.String("db", "", "database path, or :memory: for an ephemeral store")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: json or text")
	pf.Int("workers", 0, "max concurrent node executions per run")

	_ = viper.BindPFlag("db_path", pf.Lookup("db"))
	_ = viper.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("workers", pf.Lookup("workers"))

	rootCmd.AddCommand(
		publishCmd,
		validateCmd,
		runCmd,
		resumeCmd,
		cancelCmd,
		stateCmd,
		runsCmd,
		approvalsCmd,
		providersCmd,
		versionCmd,
	)
}

// withApp loads config, wires the engine, runs fn, and tears down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
