package model

import "time"

// SequenceID is the append position of a run within its suite. The first
// appended run receives 1; zero means "no run".
type SequenceID uint64

// MetricRecord is a single named measurement inside a run
type MetricRecord struct {
	Name   string  `json:"name" validate:"required"`
	Value  float64 `json:"value"`
	Spread float64 `json:"spread"`
	Unit   string  `json:"unit" validate:"required"`
	Extra  string  `json:"extra,omitempty"`
}

// Person identifies a commit author or committer
type Person struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// CommitInfo describes the source snapshot a run was built from. Only ID is
// consumed by the detector; the rest is carried for the dashboard.
type CommitInfo struct {
	ID        string    `json:"id" validate:"required"`
	Message   string    `json:"message,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Author    *Person   `json:"author,omitempty"`
	Committer *Person   `json:"committer,omitempty"`
}

// RunRecord is one benchmark invocation
type RunRecord struct {
	Commit    CommitInfo     `json:"commit"`
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool" validate:"required"`
	Metrics   []MetricRecord `json:"metrics" validate:"required,min=1,dive"`
}

// StoredRun is a run as persisted, tagged with its sequence id
type StoredRun struct {
	Seq SequenceID `json:"seq"`
	Run RunRecord  `json:"run"`
}

// Point is one historical observation of a metric
type Point struct {
	Seq    SequenceID `json:"seq"`
	Value  float64    `json:"value"`
	Spread float64    `json:"spread"`
}

// Metric returns the metric with the given name, if present.
func (r *RunRecord) Metric(name string) (MetricRecord, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricRecord{}, false
}

// MetricNames returns the metric names in run order.
func (r *RunRecord) MetricNames() []string {
	names := make([]string, len(r.Metrics))
	for i, m := range r.Metrics {
		names[i] = m.Name
	}
	return names
}

// Clone returns a deep copy so stores never share slices with callers.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Metrics = append([]MetricRecord(nil), r.Metrics...)
	if r.Commit.Author != nil {
		a := *r.Commit.Author
		out.Commit.Author = &a
	}
	if r.Commit.Committer != nil {
		c := *r.Commit.Committer
		out.Commit.Committer = &c
	}
	return out
}
