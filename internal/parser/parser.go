// Package parser converts benchmark harness output into metric records.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/model"
)

// Format names an input layout
type Format string

const (
	FormatAuto                  Format = "auto"
	FormatNative                Format = "native"
	FormatCustomSmallerIsBetter Format = "customSmallerIsBetter"
	FormatCustomBiggerIsBetter  Format = "customBiggerIsBetter"
	FormatCargo                 Format = "cargo"
	FormatGo                    Format = "go"
)

// Formats lists every concrete format, for flag help
var Formats = []Format{FormatNative, FormatCustomSmallerIsBetter, FormatCustomBiggerIsBetter, FormatCargo, FormatGo}

// ErrNoBenchmarks is returned when the input holds no recognizable result
var ErrNoBenchmarks = errors.New("no benchmark results found")

// Result is the outcome of parsing one harness output
type Result struct {
	Format  Format
	Tool    string
	Metrics []model.MetricRecord
	// Run is set only for native input, which carries commit data itself
	Run *model.RunRecord
	// Polarity is the direction the input declares as better, if any
	Polarity detector.Polarity
}

// ToRun combines the parsed metrics with commit information. Native input
// keeps its own commit unless commit.ID is set.
func (r *Result) ToRun(commit model.CommitInfo) model.RunRecord {
	if r.Run != nil {
		run := r.Run.Clone()
		if commit.ID != "" {
			run.Commit = commit
		}
		return run
	}
	return model.RunRecord{
		Commit:  commit,
		Tool:    r.Tool,
		Metrics: append([]model.MetricRecord(nil), r.Metrics...),
	}
}

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	if s == "" || s == string(FormatAuto) {
		return FormatAuto, nil
	}
	for _, f := range Formats {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown input format %q", s)
}

// Detect guesses the format of data
func Detect(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return FormatNative
	case trimmed[0] == '[':
		return FormatCustomSmallerIsBetter
	case trimmed[0] == '{':
		return FormatNative
	case cargoLine.Match(trimmed):
		return FormatCargo
	default:
		return FormatGo
	}
}

// Parse reads all of r and parses it in the given format
func Parse(format Format, r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return ParseBytes(format, data)
}

// ParseBytes parses data in the given format
func ParseBytes(format Format, data []byte) (*Result, error) {
	if format == FormatAuto || format == "" {
		format = Detect(data)
	}

	var (
		res *Result
		err error
	)
	switch format {
	case FormatNative:
		res, err = parseNative(data)
	case FormatCustomSmallerIsBetter:
		res, err = parseCustom(data, detector.LowerIsBetter)
	case FormatCustomBiggerIsBetter:
		res, err = parseCustom(data, detector.HigherIsBetter)
	case FormatCargo:
		res, err = parseCargo(data)
	case FormatGo:
		res, err = parseGo(data)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s input: %w", format, err)
	}
	if len(res.Metrics) == 0 {
		return nil, fmt.Errorf("failed to parse %s input: %w", format, ErrNoBenchmarks)
	}
	res.Format = format
	return res, nil
}

func parseNative(data []byte) (*Result, error) {
	var run model.RunRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&run); err != nil {
		return nil, err
	}
	return &Result{Tool: run.Tool, Metrics: run.Metrics, Run: &run}, nil
}

// customBench is one element of a github-action-benchmark custom array
type customBench struct {
	Name  string   `json:"name"`
	Unit  string   `json:"unit"`
	Value *float64 `json:"value"`
	Range string   `json:"range,omitempty"`
	Extra string   `json:"extra,omitempty"`
}

func parseCustom(data []byte, polarity detector.Polarity) (*Result, error) {
	var benches []customBench
	if err := json.Unmarshal(data, &benches); err != nil {
		return nil, err
	}

	tool := string(FormatCustomSmallerIsBetter)
	if polarity == detector.HigherIsBetter {
		tool = string(FormatCustomBiggerIsBetter)
	}

	res := &Result{Tool: tool, Polarity: polarity}
	for i, b := range benches {
		if b.Value == nil {
			return nil, fmt.Errorf("entry %d (%q): missing value", i, b.Name)
		}
		res.Metrics = append(res.Metrics, model.MetricRecord{
			Name:   b.Name,
			Value:  *b.Value,
			Spread: history.ParseRange(b.Range, *b.Value),
			Unit:   b.Unit,
			Extra:  b.Extra,
		})
	}
	return res, nil
}
