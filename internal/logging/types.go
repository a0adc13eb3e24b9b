package logging

import "time"

// #region step-entry
// StepEntry is a single row in the step_log table.
type StepEntry struct {
	RunID            string
	T                int
	ResampleAction   string // "resample" | "keep"
	ResampleReason   string
	RejuvenateAction string // "rejuvenate" | "skip"
	RejuvenateReason string
	EvalPassed       *bool // nil when no eval ran
	EvalReason       string
	CreatedAt        time.Time
}

// #endregion step-entry
