// Package monitoring is the error and telemetry sink for calibration and
// storage failures. Reports are fire-and-forget: a Reporter never returns an
// error and never blocks the caller on network I/O.
package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// Category classifies a failure report.
type Category string

const (
	CategoryCalibration       Category = "calibration"
	CategoryDrift             Category = "drift"
	CategoryStorageFull       Category = "storage_full"
	CategoryStorageCorruption Category = "storage_corruption"
	CategoryStorageTransient  Category = "storage_transient"
	CategoryStorage           Category = "storage"
	CategoryCleanup           Category = "cleanup"
)

// Report is one classified failure.
type Report struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Err      string    `json:"error,omitempty"`
}

func (r Report) String() string {
	if r.Err == "" {
		return fmt.Sprintf("%s: %s", r.Category, r.Message)
	}
	return fmt.Sprintf("%s: %s: %s", r.Category, r.Message, r.Err)
}

// Reporter receives failure reports.
type Reporter interface {
	Report(r Report)
}

// NewReport builds a Report stamped with the current time.
func NewReport(cat Category, msg string, err error) Report {
	r := Report{Time: time.Now(), Category: cat, Message: msg}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// LogReporter writes reports through Logf.
type LogReporter struct{}

func (LogReporter) Report(r Report) {
	Logf("[report] %s", r)
}

// Discard drops every report.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(Report) {}

// Multi fans a report out to every non-nil reporter.
func Multi(reporters ...Reporter) Reporter {
	var rs multi
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return rs
}

type multi []Reporter

func (m multi) Report(r Report) {
	for _, rep := range m {
		rep.Report(r)
	}
}

// Recorder keeps every report in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (rec *Recorder) Report(r Report) {
	rec.mu.Lock()
	rec.reports = append(rec.reports, r)
	rec.mu.Unlock()
}

// Reports returns a copy of everything recorded so far.
func (rec *Recorder) Reports() []Report {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]Report, len(rec.reports))
	copy(out, rec.reports)
	return out
}

// Count returns how many reports of the given category were recorded.
func (rec *Recorder) Count(cat Category) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, r := range rec.reports {
		if r.Category == cat {
			n++
		}
	}
	return n
}
