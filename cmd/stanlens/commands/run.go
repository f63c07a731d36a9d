package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/stanlens/internal/observability"
	"github.com/Sumatoshi-tech/stanlens/pkg/render"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

const defaultReportPath = "stanlens-report.html"

// RunCommand holds the flags of the run command.
type RunCommand struct {
	root   *rootOptions
	format string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	rc := &RunCommand{root: root}

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Analyze the project once and print the findings",
		Long: `Run the analyzer once on the project (default: the working directory).

Exit status is 0 when the project is clean, 1 when issues were found and
2 when the analysis could not run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.format, "format", "f", string(render.FormatText), "Output format: text, json, yaml")

	return cmd
}

func (rc *RunCommand) run(cmd *cobra.Command, args []string) error {
	format, err := render.ParseFormat(rc.format)
	if err != nil {
		return err
	}

	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	env, err := newEnvironment(rc.root, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer env.close()

	s := env.newSession(root)
	defer s.Close()

	outcome, err := s.Run(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), render.StatusLine(s.Status(), time.Now()))

		return &ExitError{Code: ExitFailure, Err: err}
	}

	err = render.Write(cmd.OutOrStdout(), format, render.NewReport(s))
	if err != nil {
		return err
	}

	if outcome.Result.Len() > 0 {
		return &ExitError{Code: ExitIssues, Err: ErrIssuesFound}
	}

	return nil
}

// ReportCommand holds the flags of the report command.
type ReportCommand struct {
	root   *rootOptions
	output string
}

func newReportCommand(root *rootOptions) *cobra.Command {
	rc := &ReportCommand{root: root}

	cmd := &cobra.Command{
		Use:   "report [path]",
		Short: "Analyze the project once and write an HTML chart report",
		Args:  cobra.MaximumNArgs(1),
		RunE:  rc.run,
	}

	cmd.Flags().StringVarP(&rc.output, "output", "o", defaultReportPath, "Report file to write")

	return cmd
}

func (rc *ReportCommand) run(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	env, err := newEnvironment(rc.root, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer env.close()

	s := env.newSession(root)
	defer s.Close()

	outcome, err := s.Run(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), render.StatusLine(s.Status(), time.Now()))

		return &ExitError{Code: ExitFailure, Err: err}
	}

	err = writeReport(rc.output, outcome, root)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s (%s in %s)\n",
		rc.output,
		english.Plural(outcome.Result.Len(), "issue", ""),
		english.Plural(len(outcome.Result.Files), "file", ""))

	return nil
}

func writeReport(path string, outcome *session.Outcome, root string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}

	err = render.HTML(f, outcome.Result, root)
	if err != nil {
		_ = f.Close()

		return err
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("close report: %w", err)
	}

	return nil
}
