package commands

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ducksearch-labs/ducksearch/internal/config"
	"github.com/ducksearch-labs/ducksearch/internal/lint"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
)

// ErrLintFindings signals lint failures as distinct from tool errors, so
// main can exit 1 rather than 2.
var ErrLintFindings = errors.New("lint findings")

// ToolError marks failures of the tool itself (bad root, unreadable
// config), which exit 2.
type ToolError struct{ Err error }

func (e *ToolError) Error() string { return e.Err.Error() }
func (e *ToolError) Unwrap() error { return e.Err }

// LintOptions holds flags for the lint command.
type LintOptions struct {
	Root string
}

// NewLintCommand creates the lint command.
func NewLintCommand() *cobra.Command {
	opts := &LintOptions{}
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Statically validate all reports under a root",
		Long: `Parse and lint every report: metadata schemas, placeholder references,
scan-path safety, forbidden SQL constructs, and import graph acyclicity.

Exits 0 when all reports pass, 1 on findings, 2 on tool errors.`,
		Example: `  ducksearch lint --root ./myproject`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLint(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Root, "root", "", "ducksearch root directory")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func runLint(cmd *cobra.Command, opts *LintOptions) error {
	log := newLogger()

	layout, err := config.ValidateRoot(opts.Root)
	if err != nil {
		return &ToolError{Err: err}
	}
	cfg, err := config.Load(layout, nil)
	if err != nil {
		return &ToolError{Err: err}
	}

	reg, err := registry.New(layout.Reports, log)
	if err != nil {
		return &ToolError{Err: err}
	}

	linter := &lint.Linter{Registry: reg, Consts: cfg.Consts}
	findings := linter.Run()
	if len(findings) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "ducksearch lint passed for %s (%d reports)\n",
			layout.Root, len(reg.Snapshot().Records))
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.ErrOrStderr())
	t.AppendHeader(table.Row{"REPORT", "RULE", "CODE", "MESSAGE"})
	for _, f := range findings {
		t.AppendRow(table.Row{f.Report, f.Rule, string(f.Code), f.Message})
	}
	t.Render()
	fmt.Fprintf(cmd.ErrOrStderr(), "%d findings\n", len(findings))
	return ErrLintFindings
}
