// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// FetchTarget is one enabled entry of the targets file.
type FetchTarget struct {
	URL     string `json:"url" validate:"required,http_url"`
	Name    string `json:"name" validate:"required"`
	Enabled bool   `json:"enabled"`
}

// FetchResult pairs a target with the page content retrieved for it.
// Content is empty when the fetch failed, was canceled by the batch
// deadline, or returned an empty body.
type FetchResult struct {
	Target   FetchTarget
	Content  string
	Attempts int
	Err      error
}

// Absent reports whether the result carries no usable page content.
func (r FetchResult) Absent() bool {
	return r.Content == ""
}

// IndexRecord is the structured data extracted from one index page.
type IndexRecord struct {
	Name         string  `json:"name"`
	CurrentValue float64 `json:"current_value"`
	MaxDate      string  `json:"max_date"`
	MaxValue     float64 `json:"max_value"`
	MinDate      string  `json:"min_date"`
	MinValue     float64 `json:"min_value"`
}

// RunSummary captures counters for one batch run.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Targets          int       `json:"targets"`
	Fetched          int       `json:"fetched"`
	Failed           int       `json:"failed"`
	Canceled         int       `json:"canceled"`
	DeadlineExceeded bool      `json:"deadline_exceeded"`
}

// Duration returns the wall-clock time the run took.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Snapshot is one persisted IndexRecord together with its run context.
type Snapshot struct {
	RunID     string
	URL       string
	Record    IndexRecord
	ScrapedAt time.Time
}

// RunReport is the outcome of one full pipeline run.
type RunReport struct {
	Summary    RunSummary    `json:"summary"`
	Records    []IndexRecord `json:"records"`
	ReportPath string        `json:"report_path"`
	ReportURI  string        `json:"report_uri,omitempty"`
	ReportCSV  []byte        `json:"-"`
}
