// Package metrics collects the stage timings of one indexing or query run
// for the CLI report.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Run collects statistics for one operation.
type Run struct {
	Operation  string        `json:"operation"`
	Subject    string        `json:"subject,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Stages     []Stage       `json:"stages"`
	Counts     Counts        `json:"counts"`
	Errors     []string      `json:"errors,omitempty"`
}

// Stage is the timing of one step, such as load, chunk, embed or store.
type Stage struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ms"`
	Items    int           `json:"items"`
	Failed   bool          `json:"failed,omitempty"`
}

// Counts are the sizes reported at the end of a run.
type Counts struct {
	Pages    int `json:"pages,omitempty"`
	Chunks   int `json:"chunks,omitempty"`
	Replaced int `json:"replaced,omitempty"`
	Results  int `json:"results,omitempty"`
	Dropped  int `json:"dropped,omitempty"`
}

// New starts tracking a run.
func New(operation, subject string) *Run {
	return &Run{Operation: operation, Subject: subject, StartedAt: time.Now()}
}

// StartStage begins timing a stage. The returned func records it; pass the
// number of items processed and the stage error, if any.
func (r *Run) StartStage(name string) func(items int, err error) {
	start := time.Now()
	return func(items int, err error) {
		r.Stages = append(r.Stages, Stage{
			Name:     name,
			Duration: time.Since(start),
			Items:    items,
			Failed:   err != nil,
		})
		if err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}
}

// Stage returns the named stage, if it was recorded.
func (r *Run) Stage(name string) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Finish marks the run as complete.
func (r *Run) Finish() {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
}

// PrintSummary writes a human-readable summary.
func (r *Run) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║ %-37s║\n", "PDFRAG "+r.Operation+" REPORT")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	if r.Subject != "" {
		fmt.Fprintf(w, "║ Subject:     %s\n", r.Subject)
	}
	fmt.Fprintf(w, "║ Duration:    %-23s║\n", r.Duration.Round(time.Millisecond))
	if r.Counts.Pages > 0 {
		fmt.Fprintf(w, "║ Pages:       %-23d║\n", r.Counts.Pages)
	}
	fmt.Fprintf(w, "║ Chunks:      %-23d║\n", r.Counts.Chunks)
	if r.Counts.Replaced > 0 {
		fmt.Fprintf(w, "║ Replaced:    %-23d║\n", r.Counts.Replaced)
	}
	if r.Counts.Dropped > 0 {
		fmt.Fprintf(w, "║ Dropped:     %-23d║\n", r.Counts.Dropped)
	}
	if len(r.Stages) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ STAGES\n")
		for _, s := range r.Stages {
			status := "OK"
			if s.Failed {
				status = "FAILED"
			}
			fmt.Fprintf(w, "║   %-8s %8s  %5d items  %s\n", s.Name, s.Duration.Round(time.Millisecond), s.Items, status)
		}
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ ERRORS\n")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "║   • %s\n", e)
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

// JSON returns the run as formatted JSON.
func (r *Run) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
