package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bench-history/internal/model"
)

// DataJSPrefix is the assignment that turns the document into a loadable script
const DataJSPrefix = "window.BENCHMARK_DATA = "

// Document is the github-action-benchmark data.js layout: one array of runs
// per suite, in append order.
type Document struct {
	LastUpdate int64               `json:"lastUpdate"`
	RepoURL    string              `json:"repoUrl"`
	Entries    map[string][]*Entry `json:"entries"`
}

// Entry is a single run inside a Document
type Entry struct {
	Commit  model.CommitInfo `json:"commit"`
	Date    int64            `json:"date"`
	Tool    string           `json:"tool"`
	Benches []Bench          `json:"benches"`
}

// Bench is one metric of an Entry. Range carries the spread as text such as
// "± 17" or "± 2.5%".
type Bench struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Range string  `json:"range,omitempty"`
	Unit  string  `json:"unit"`
	Extra string  `json:"extra,omitempty"`
}

// NewDocument returns an empty document
func NewDocument(repoURL string) *Document {
	return &Document{
		RepoURL: repoURL,
		Entries: make(map[string][]*Entry),
	}
}

// ParseDocument decodes a document with or without the data.js prefix
func ParseDocument(data []byte) (*Document, error) {
	data = bytes.TrimSpace(data)
	data = bytes.TrimPrefix(data, []byte(strings.TrimSpace(DataJSPrefix)))
	data = bytes.TrimSpace(data)
	data = bytes.TrimSuffix(data, []byte(";"))

	doc := NewDocument("")
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode benchmark document: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]*Entry)
	}
	return doc, nil
}

// Encode renders the document, optionally as a data.js script
func (d *Document) Encode(script bool) ([]byte, error) {
	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode benchmark document: %w", err)
	}
	if !script {
		return body, nil
	}
	out := make([]byte, 0, len(DataJSPrefix)+len(body)+1)
	out = append(out, DataJSPrefix...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// Suites returns the suite keys in sorted order
func (d *Document) Suites() []string {
	keys := make([]string, 0, len(d.Entries))
	for k := range d.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EntryFromRun converts a run into the document shape
func EntryFromRun(run model.RunRecord) *Entry {
	entry := &Entry{
		Commit:  run.Commit,
		Date:    run.Timestamp.UnixMilli(),
		Tool:    run.Tool,
		Benches: make([]Bench, len(run.Metrics)),
	}
	if run.Timestamp.IsZero() {
		entry.Date = 0
	}
	for i, m := range run.Metrics {
		entry.Benches[i] = Bench{
			Name:  m.Name,
			Value: m.Value,
			Range: FormatRange(m.Spread),
			Unit:  m.Unit,
			Extra: m.Extra,
		}
	}
	return entry
}

// ToRun converts a document entry back into a run
func (e *Entry) ToRun() model.RunRecord {
	run := model.RunRecord{
		Commit:  e.Commit,
		Tool:    e.Tool,
		Metrics: make([]model.MetricRecord, len(e.Benches)),
	}
	if e.Date != 0 {
		run.Timestamp = time.UnixMilli(e.Date).UTC()
	}
	for i, b := range e.Benches {
		run.Metrics[i] = model.MetricRecord{
			Name:   b.Name,
			Value:  b.Value,
			Spread: ParseRange(b.Range, b.Value),
			Unit:   b.Unit,
			Extra:  b.Extra,
		}
	}
	return run
}

// FormatRange renders a spread the way the dashboard expects
func FormatRange(spread float64) string {
	return "± " + strconv.FormatFloat(spread, 'f', -1, 64)
}

// ParseRange reads a range string back into an absolute spread. Percentage
// ranges are relative to value. Unparseable ranges yield 0.
func ParseRange(r string, value float64) float64 {
	s := strings.TrimSpace(r)
	for _, prefix := range []string{"±", "+/-", "+-", "stddev:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if s == "" {
		return 0
	}

	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || !model.IsFinite(v) {
		return 0
	}
	if percent {
		return value * v / 100
	}
	return v
}

// Export collects every suite of repo into a document
func Export(ctx context.Context, repo Repository, repoURL string) (*Document, error) {
	suites, err := repo.Suites(ctx)
	if err != nil {
		return nil, err
	}

	doc := NewDocument(repoURL)
	doc.LastUpdate = time.Now().UnixMilli()
	for _, key := range suites {
		store, err := repo.Suite(key)
		if err != nil {
			return nil, err
		}
		runs, err := store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to export suite %q: %w", key, err)
		}
		entries := make([]*Entry, len(runs))
		for i, stored := range runs {
			entries[i] = EntryFromRun(stored.Run)
		}
		doc.Entries[key] = entries
	}
	return doc, nil
}

// ImportResult counts what Import did per suite
type ImportResult struct {
	Suite    string
	Appended int
	Rejected int
}

// Import appends every entry of doc into repo in document order. Entries
// that fail validation are skipped and counted; storage errors abort.
func Import(ctx context.Context, repo Repository, doc *Document) ([]ImportResult, error) {
	var results []ImportResult
	for _, key := range doc.Suites() {
		store, err := repo.Suite(key)
		if err != nil {
			return results, err
		}

		result := ImportResult{Suite: key}
		for _, entry := range doc.Entries[key] {
			if _, err := store.Append(ctx, entry.ToRun()); err != nil {
				if isValidation(err) {
					result.Rejected++
					continue
				}
				return append(results, result), fmt.Errorf("failed to import suite %q: %w", key, err)
			}
			result.Appended++
		}
		results = append(results, result)
	}
	return results, nil
}
