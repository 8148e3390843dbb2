package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"bench-history/internal/model"
	"bench-history/proto/historypb"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newLatestCommand(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "latest <suite>",
		Short: "List the most recent runs of a suite, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := app.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer be.Close()

			runs, err := be.Latest(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return app.writeRuns(args[0], runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	return cmd
}

func newSuitesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List every suite with stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			be, err := app.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer be.Close()

			suites, err := be.Suites(cmd.Context())
			if err != nil {
				return err
			}

			format, err := app.outputFormat()
			if err != nil {
				return err
			}
			if format == OutputJSON {
				return app.writeJSON(suites)
			}
			for _, s := range suites {
				fmt.Fprintln(app.out, s)
			}
			return nil
		},
	}
}

func newWindowCommand(app *App) *cobra.Command {
	var (
		before uint64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "window <suite> <metric>",
		Short: "Show the recent history of one metric and its current baseline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := app.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer be.Close()

			reply, err := be.Window(cmd.Context(), args[0], args[1], model.SequenceID(before), limit)
			if err != nil {
				return err
			}
			return app.writeWindow(reply)
		},
	}
	cmd.Flags().Uint64Var(&before, "before", 0, "only points with a sequence id below this; 0 means the whole history")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of points; 0 uses the configured window size")
	return cmd
}

func (a *App) writeJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) writeRuns(suite string, runs []model.StoredRun) error {
	format, err := a.outputFormat()
	if err != nil {
		return err
	}
	if format == OutputJSON {
		return a.writeJSON(runs)
	}

	tbl := table.NewWriter()
	tbl.SetTitle(suite)
	tbl.AppendHeader(table.Row{"Seq", "Commit", "Tool", "Metrics", "Recorded"})
	for _, r := range runs {
		tbl.AppendRow(table.Row{
			r.Seq,
			shortID(r.Run.Commit.ID),
			r.Run.Tool,
			len(r.Run.Metrics),
			humanize.Time(r.Run.Timestamp),
		})
	}
	return a.renderTable(tbl, format)
}

func (a *App) writeWindow(reply *historypb.WindowReply) error {
	format, err := a.outputFormat()
	if err != nil {
		return err
	}
	if format == OutputJSON {
		return a.writeJSON(reply)
	}

	tbl := table.NewWriter()
	tbl.SetTitle(fmt.Sprintf("%s / %s", reply.Suite, reply.Metric))
	tbl.AppendHeader(table.Row{"Seq", "Value", "Spread"})
	for _, p := range reply.Points {
		tbl.AppendRow(table.Row{p.Seq, humanize.CommafWithDigits(p.Value, 2), humanize.CommafWithDigits(p.Spread, 2)})
	}
	if b := reply.Baseline; b != nil {
		tbl.AppendFooter(table.Row{"baseline", humanize.CommafWithDigits(b.Center, 2), "± " + humanize.CommafWithDigits(b.Scale, 2)})
	}
	return a.renderTable(tbl, format)
}

func (a *App) renderTable(tbl table.Writer, format string) error {
	var out string
	if format == OutputMarkdown {
		out = tbl.RenderMarkdown()
	} else {
		tbl.SetStyle(table.StyleLight)
		out = tbl.Render()
	}
	_, err := fmt.Fprintln(a.out, out)
	return err
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
