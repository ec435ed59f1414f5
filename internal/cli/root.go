// Package cli provides the ducksearch command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/ducksearch-labs/ducksearch/internal/cli/commands"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ducksearch",
		Short: "Ducksearch - SQL-defined search and inspection service",
		Long: `Ducksearch compiles annotated SQL reports into deterministic Parquet
artifacts and serves the browser runtime the URLs to reproduce them.

Reports live under <root>/reports as single-statement SQL files with
/***NAME ... ***/ YAML metadata blocks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
Built with Go and DuckDB
`)

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewLintCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, GitCommit))

	return rootCmd
}
