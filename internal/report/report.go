// Package report packages detector verdicts into the alert boundary: a
// self-describing document that downstream consumers (PR commenters, chat
// notifiers, CI gates) can act on.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"bench-history/internal/detector"
	"bench-history/internal/model"

	"github.com/google/uuid"
)

// Summary counts verdicts by kind
type Summary struct {
	Total     int `json:"total"`
	ColdStart int `json:"cold_start"`
	Normal    int `json:"normal"`
	Improved  int `json:"improved"`
	Regressed int `json:"regressed"`
	Invalid   int `json:"invalid"`
}

// Report is the outcome of evaluating one run
type Report struct {
	ID        string             `json:"id"`
	Suite     string             `json:"suite"`
	Seq       model.SequenceID   `json:"seq"`
	DryRun    bool               `json:"dry_run,omitempty"`
	Tool      string             `json:"tool"`
	Commit    model.CommitInfo   `json:"commit"`
	CreatedAt time.Time          `json:"created_at"`
	Verdicts  []detector.Verdict `json:"verdicts"`
	Summary   Summary            `json:"summary"`
}

// New builds a report for run stored at seq. For a dry run, seq is the
// position the run would have been given.
func New(suite string, seq model.SequenceID, run model.RunRecord, verdicts []detector.Verdict) *Report {
	if verdicts == nil {
		verdicts = []detector.Verdict{}
	}
	return &Report{
		ID:        uuid.NewString(),
		Suite:     suite,
		Seq:       seq,
		Tool:      run.Tool,
		Commit:    run.Commit,
		CreatedAt: time.Now().UTC(),
		Verdicts:  verdicts,
		Summary:   Summarize(verdicts),
	}
}

// Summarize counts verdicts by kind
func Summarize(verdicts []detector.Verdict) Summary {
	counts := detector.Count(verdicts)
	return Summary{
		Total:     len(verdicts),
		ColdStart: counts[detector.KindColdStart],
		Normal:    counts[detector.KindNormal],
		Improved:  counts[detector.KindImproved],
		Regressed: counts[detector.KindRegressed],
		Invalid:   counts[detector.KindInvalid],
	}
}

// HasRegression reports whether any metric regressed
func (r *Report) HasRegression() bool {
	return r.Summary.Regressed > 0
}

// Regressions returns the regressed verdicts in run order
func (r *Report) Regressions() []detector.Verdict {
	var out []detector.Verdict
	for _, v := range r.Verdicts {
		if v.Kind == detector.KindRegressed {
			out = append(out, v)
		}
	}
	return out
}

// String is a one-line summary suitable for logs and CLI status lines
func (r *Report) String() string {
	return fmt.Sprintf("%s #%d (%s): %d metrics, %d regressed, %d improved, %d cold start, %d invalid",
		r.Suite, r.Seq, shortCommit(r.Commit.ID), r.Summary.Total, r.Summary.Regressed,
		r.Summary.Improved, r.Summary.ColdStart, r.Summary.Invalid)
}

// WriteJSON writes the report as indented JSON
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func shortCommit(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// changePercent is the relative change against the baseline center, or
// false when there is nothing to compare against.
func changePercent(v detector.Verdict) (float64, bool) {
	if v.Baseline == nil || v.Baseline.Center == 0 {
		return 0, false
	}
	return (v.Value - v.Baseline.Center) / v.Baseline.Center * 100, true
}
