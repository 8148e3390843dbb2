package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"bench-history/internal/model"
	"bench-history/internal/parser"
	"bench-history/internal/report"

	"github.com/spf13/cobra"
)

type runFlags struct {
	format           string
	commit           string
	message          string
	tool             string
	failOnRegression bool
	onlyChanged      bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "format", "f", string(parser.FormatAuto), fmt.Sprintf("input format: auto or one of %v", parser.Formats))
	cmd.Flags().StringVar(&f.commit, "commit", "", "commit id the run was built from (required unless the input carries one)")
	cmd.Flags().StringVar(&f.message, "message", "", "commit message")
	cmd.Flags().StringVar(&f.tool, "tool", "", "override the tool name of text formats")
	cmd.Flags().BoolVar(&f.failOnRegression, "fail-on-regression", false, "exit non-zero when any metric regressed")
	cmd.Flags().BoolVar(&f.onlyChanged, "only-changed", false, "hide normal and cold start rows in table output")
}

func newAppendCommand(app *App) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "append <suite> [file]",
		Short: "Store a benchmark run and report regressions against its history",
		Long: `Parse a benchmark run from file (or stdin), append it to suite and compare
every metric with the baseline of the runs stored before it.

A run that fails validation (unit or tool change, non-finite value,
duplicate metric) is rejected as a whole and nothing is stored.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runEvaluation(cmd, args, &flags, false)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCheckCommand(app *App) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "check <suite> [file]",
		Short: "Evaluate a benchmark run without storing it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runEvaluation(cmd, args, &flags, true)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *App) runEvaluation(cmd *cobra.Command, args []string, flags *runFlags, dryRun bool) error {
	suite := args[0]

	run, polarity, err := readRun(cmd, args[1:], flags)
	if err != nil {
		return err
	}

	be, err := a.openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer be.Close()

	var rep *report.Report
	if dryRun {
		rep, err = be.Check(cmd.Context(), suite, run, polarity)
	} else {
		rep, err = be.Append(cmd.Context(), suite, run, polarity)
	}
	if err != nil {
		return err
	}

	if err := a.writeReport(rep, flags.onlyChanged); err != nil {
		return err
	}

	if flags.failOnRegression && rep.HasRegression() {
		return fmt.Errorf("%w: %d of %d metrics in %s", ErrRegression, rep.Summary.Regressed, rep.Summary.Total, suite)
	}
	return nil
}

// readRun parses the input named by args, or stdin, into a run
func readRun(cmd *cobra.Command, args []string, flags *runFlags) (model.RunRecord, string, error) {
	format, err := parser.ParseFormat(flags.format)
	if err != nil {
		return model.RunRecord{}, "", err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return model.RunRecord{}, "", fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	res, err := parser.Parse(format, in)
	if err != nil {
		return model.RunRecord{}, "", err
	}

	now := time.Now().UTC()
	run := res.ToRun(model.CommitInfo{ID: flags.commit, Message: flags.message, Timestamp: now})
	if flags.tool != "" && res.Run == nil {
		run.Tool = flags.tool
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = now
	}
	if run.Commit.ID == "" {
		return model.RunRecord{}, "", fmt.Errorf("--commit is required for %s input", res.Format)
	}

	// Only explicit custom formats declare a direction
	var polarity string
	if res.Format == parser.FormatCustomBiggerIsBetter {
		polarity = string(res.Polarity)
	}
	return run, polarity, nil
}

func (a *App) writeReport(rep *report.Report, onlyChanged bool) error {
	format, err := a.outputFormat()
	if err != nil {
		return err
	}

	switch format {
	case OutputJSON:
		return report.WriteJSON(a.out, rep)
	case OutputMarkdown:
		_, err = fmt.Fprint(a.out, report.Markdown(rep))
	default:
		_, err = fmt.Fprintln(a.out, report.Table(rep, report.TableOptions{Color: a.colored(), OnlyChanged: onlyChanged}))
	}
	return err
}
