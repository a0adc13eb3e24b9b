package state

import "time"

// #region run-record
// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord is one inference run.
type RunRecord struct {
	RunID       string
	Description string
	ConfigJSON  string
	Goals       []string // goal hypotheses, in marginal vector order
	Status      string
	CreatedAt   time.Time
}

// #endregion run-record

// #region step-record
// StepRecord is the persisted summary of one engine step.
type StepRecord struct {
	RunID       string
	T           int
	Marginals   []float64 // aligned with RunRecord.Goals
	ESS         float64
	LogEvidence float64
	Unique      int
	Resampled   bool
	Rejuvenated bool
	Accepted    int
	CreatedAt   time.Time
}

// #endregion step-record

// #region checkpoint
// Checkpoint is a serialized particle population. Traces are reduced to
// their goal, action sequence and environment state keys.
type Checkpoint struct {
	CheckpointID string               `msgpack:"-"`
	RunID        string               `msgpack:"run_id"`
	T            int                  `msgpack:"t"`
	Goals        []string             `msgpack:"goals"`
	Particles    []CheckpointParticle `msgpack:"particles"`
	CreatedAt    time.Time            `msgpack:"-"`
}

// CheckpointParticle is one particle of a checkpoint.
type CheckpointParticle struct {
	Goal      string   `msgpack:"goal"`
	LogWeight float64  `msgpack:"log_weight"`
	Ancestor  int      `msgpack:"ancestor"`
	Actions   []string `msgpack:"actions"`
	States    []string `msgpack:"states"`
}

// #endregion checkpoint
