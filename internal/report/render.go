package report

import (
	"fmt"
	"strings"

	"bench-history/internal/detector"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// TableOptions controls terminal rendering
type TableOptions struct {
	// Color enables ANSI colouring of verdict kinds
	Color bool
	// OnlyChanged hides normal and cold start rows
	OnlyChanged bool
}

var kindColors = map[detector.Kind][]color.Attribute{
	detector.KindRegressed: {color.FgRed, color.Bold},
	detector.KindImproved:  {color.FgGreen},
	detector.KindColdStart: {color.FgCyan},
	detector.KindInvalid:   {color.FgYellow},
}

func kindLabel(k detector.Kind, colored bool) string {
	label := strings.ToUpper(strings.ReplaceAll(string(k), "_", " "))
	if !colored {
		return label
	}
	attrs, ok := kindColors[k]
	if !ok {
		return label
	}
	// color.NoColor is process-wide and false for non-terminals; the
	// caller already decided, so override it per call
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(label)
}

func formatValue(v float64, unit string) string {
	s := humanize.CommafWithDigits(v, 2)
	if unit == "" {
		return s
	}
	return s + " " + unit
}

// Table renders the verdicts as a terminal table
func Table(r *Report, opts TableOptions) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.SetTitle(fmt.Sprintf("%s #%d @ %s", r.Suite, r.Seq, shortCommit(r.Commit.ID)))
	tbl.AppendHeader(table.Row{"Metric", "Verdict", "Value", "Baseline", "Change", "Severity"})

	shown := 0
	for _, v := range r.Verdicts {
		if opts.OnlyChanged && (v.Kind == detector.KindNormal || v.Kind == detector.KindColdStart) {
			continue
		}
		shown++

		baselineCol, changeCol, severityCol := "-", "-", "-"
		if v.Baseline != nil {
			baselineCol = formatValue(v.Baseline.Center, v.Unit) + " ± " + humanize.CommafWithDigits(v.Baseline.Scale, 2)
		}
		if pct, ok := changePercent(v); ok {
			changeCol = fmt.Sprintf("%+.2f%%", pct)
		}
		if v.Kind == detector.KindRegressed || v.Kind == detector.KindImproved {
			severityCol = fmt.Sprintf("%.1fσ", v.Severity)
		}

		tbl.AppendRow(table.Row{
			v.Metric,
			kindLabel(v.Kind, opts.Color),
			formatValue(v.Value, v.Unit),
			baselineCol,
			changeCol,
			severityCol,
		})
	}

	s := r.Summary
	tbl.AppendFooter(table.Row{
		fmt.Sprintf("%d of %d shown", shown, s.Total),
		fmt.Sprintf("%d regressed", s.Regressed),
		fmt.Sprintf("%d improved", s.Improved),
		fmt.Sprintf("%d cold start", s.ColdStart),
		fmt.Sprintf("%d invalid", s.Invalid),
		"",
	})
	return tbl.Render()
}

var markdownIcons = map[detector.Kind]string{
	detector.KindRegressed: ":red_circle:",
	detector.KindImproved:  ":green_circle:",
	detector.KindColdStart: ":new:",
	detector.KindInvalid:   ":warning:",
	detector.KindNormal:    ":white_check_mark:",
}

// Markdown renders the report for PR comments. Regressions are listed first.
func Markdown(r *Report) string {
	var b strings.Builder

	status := "No regressions"
	if r.HasRegression() {
		status = fmt.Sprintf("%d regression(s)", r.Summary.Regressed)
	}
	fmt.Fprintf(&b, "## Benchmark results: %s\n\n", status)
	fmt.Fprintf(&b, "Suite `%s`, run #%d, commit `%s`", r.Suite, r.Seq, shortCommit(r.Commit.ID))
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	b.WriteString("\n\n")

	b.WriteString("| | Metric | Value | Baseline | Change |\n")
	b.WriteString("|---|---|---:|---:|---:|\n")

	ordered := make([]detector.Verdict, 0, len(r.Verdicts))
	ordered = append(ordered, r.Regressions()...)
	for _, v := range r.Verdicts {
		if v.Kind != detector.KindRegressed {
			ordered = append(ordered, v)
		}
	}

	for _, v := range ordered {
		baselineCol, changeCol := "-", "-"
		if v.Baseline != nil {
			baselineCol = formatValue(v.Baseline.Center, v.Unit)
		}
		if pct, ok := changePercent(v); ok {
			changeCol = fmt.Sprintf("%+.2f%%", pct)
		}
		fmt.Fprintf(&b, "| %s | `%s` | %s | %s | %s |\n",
			markdownIcons[v.Kind], escapePipes(v.Metric), formatValue(v.Value, v.Unit), baselineCol, changeCol)
	}
	return b.String()
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
