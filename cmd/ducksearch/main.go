// Package main provides the ducksearch CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ducksearch-labs/ducksearch/internal/cli"
	"github.com/ducksearch-labs/ducksearch/internal/cli/commands"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, commands.ErrLintFindings) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var toolErr *commands.ToolError
		if errors.As(err, &toolErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
