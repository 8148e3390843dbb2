package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"bench-history/internal/baseline"
	"bench-history/internal/detector"
	"bench-history/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	b := &baseline.Baseline{Center: 1000, Scale: 50, Samples: 10}
	run := model.RunRecord{
		Commit:  model.CommitInfo{ID: "0123456789abcdef"},
		Tool:    "cargo",
		Metrics: []model.MetricRecord{{Name: "x", Value: 1, Unit: "ns"}},
	}
	return New("rust", 42, run, []detector.Verdict{
		{Metric: "parse|fast", Kind: detector.KindNormal, Value: 1010, Unit: "ns/iter", Baseline: b, Ratio: 1.01},
		{Metric: "encode", Kind: detector.KindRegressed, Value: 1200, Unit: "ns/iter", Baseline: b, Severity: 4, Ratio: 1.2},
		{Metric: "decode", Kind: detector.KindImproved, Value: 800, Unit: "ns/iter", Baseline: b, Severity: 4, Ratio: 0.8},
		{Metric: "fresh", Kind: detector.KindColdStart, Value: 5, Unit: "ns/iter"},
	})
}

func TestNew(t *testing.T) {
	r := sampleReport()

	_, err := uuid.Parse(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "rust", r.Suite)
	assert.Equal(t, model.SequenceID(42), r.Seq)
	assert.Equal(t, "cargo", r.Tool)
	assert.Equal(t, Summary{Total: 4, Normal: 1, Regressed: 1, Improved: 1, ColdStart: 1}, r.Summary)
	assert.True(t, r.HasRegression())
	assert.Len(t, r.Regressions(), 1)
	assert.Equal(t, "encode", r.Regressions()[0].Metric)
}

func TestNew_EmptyVerdicts(t *testing.T) {
	r := New("s", 1, model.RunRecord{}, nil)
	assert.NotNil(t, r.Verdicts)
	assert.False(t, r.HasRegression())
	assert.NotEqual(t, New("s", 1, model.RunRecord{}, nil).ID, r.ID)
}

func TestString(t *testing.T) {
	s := sampleReport().String()
	assert.Contains(t, s, "rust #42 (0123456)")
	assert.Contains(t, s, "1 regressed")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "rust", decoded["suite"])
	verdicts := decoded["verdicts"].([]any)
	require.Len(t, verdicts, 4)
	assert.Equal(t, "regressed", verdicts[1].(map[string]any)["kind"])
	assert.NotContains(t, verdicts[3].(map[string]any), "baseline")
}

func TestTable(t *testing.T) {
	out := Table(sampleReport(), TableOptions{})

	assert.Contains(t, out, "rust #42 @ 0123456")
	assert.Contains(t, out, "REGRESSED")
	assert.Contains(t, out, "COLD START")
	assert.Contains(t, out, "+20.00%")
	assert.Contains(t, out, "1,200 ns/iter")
	assert.Contains(t, out, "4.0σ")
	assert.Contains(t, out, "4 of 4 shown")
	assert.NotContains(t, out, "\x1b[")
}

func TestTable_OnlyChangedAndColor(t *testing.T) {
	out := Table(sampleReport(), TableOptions{OnlyChanged: true, Color: true})

	assert.NotContains(t, out, "fresh")
	assert.NotContains(t, out, "parse|fast")
	assert.Contains(t, out, "2 of 4 shown")
	assert.Contains(t, out, "\x1b[")
}

func TestMarkdown(t *testing.T) {
	r := sampleReport()
	r.DryRun = true
	md := Markdown(r)

	assert.True(t, strings.HasPrefix(md, "## Benchmark results: 1 regression(s)"))
	assert.Contains(t, md, "(dry run)")
	assert.Contains(t, md, `parse\|fast`)

	lines := strings.Split(strings.TrimSpace(md), "\n")
	// header, blank, context, blank, table head, separator, then rows with the regression first
	require.GreaterOrEqual(t, len(lines), 7)
	assert.Contains(t, lines[6], "`encode`")
	assert.Contains(t, lines[6], ":red_circle:")
}

func TestMarkdown_NoRegressions(t *testing.T) {
	r := New("s", 1, model.RunRecord{Commit: model.CommitInfo{ID: "abc"}}, []detector.Verdict{
		{Metric: "a", Kind: detector.KindColdStart, Value: 1, Unit: "ns"},
	})
	md := Markdown(r)
	assert.Contains(t, md, "No regressions")
	assert.Contains(t, md, "| :new: | `a` | 1 ns | - | - |")
}
