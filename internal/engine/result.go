package engine

import "time"

// Status is the overall outcome of a top-level engine operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Result is the structured outcome returned by every top-level operation.
// Top-level operations never return a bare error: failures are carried in
// Err with Status set to failure.
type Result struct {
	Op       string
	Status   Status
	Duration time.Duration

	Uploaded   int
	Downloaded int
	Inserted   int
	Updated    int

	ConflictsDetected int
	ConflictsResolved int

	// UnresolvedConflicts lists conflict ids awaiting manual resolution.
	// Non-empty implies Status == StatusPartial.
	UnresolvedConflicts []string

	Err error
}

// ProgressFunc receives a monotonically non-decreasing completion fraction
// in [0,1] and a label for the current step.
type ProgressFunc func(fraction float64, step string)

// progressReporter enforces monotonicity over an optional callback.
type progressReporter struct {
	fn   ProgressFunc
	last float64
}

func (p *progressReporter) step(fraction float64, label string) {
	if fraction < p.last {
		fraction = p.last
	}
	if fraction > 1 {
		fraction = 1
	}
	p.last = fraction
	if p.fn != nil {
		p.fn(fraction, label)
	}
}
