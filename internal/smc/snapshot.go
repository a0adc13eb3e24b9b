package smc

import (
	"maps"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region particle
// Particle is one weighted trace.
type Particle struct {
	Trace     *world.Trace
	LogWeight float64
	Ancestor  int // index of the parent in the previous population
}

// #endregion particle

// #region report
// Report summarizes one engine step.
type Report struct {
	T           int
	Round       int // earlier commits or resizes at T
	Marginals   map[domain.Goal]float64
	ESS         float64
	LogEvidence float64
	Unique      int // distinct ancestors after resampling
	Resample    gate.GateDecision
	Rejuvenate  gate.GateDecision
	Proposed    int
	Accepted    int
}

// Snapshot is a read-only copy of the population after a step. Traces are
// shared with the engine but immutable.
type Snapshot struct {
	Report
	Goals     []domain.Goal
	Particles []Particle
	Weights   []float64 // normalized
}

func (r Report) clone() Report {
	r.Marginals = maps.Clone(r.Marginals)
	r.Resample.Signals = append([]gate.TriggerSignal(nil), r.Resample.Signals...)
	r.Rejuvenate.Signals = append([]gate.TriggerSignal(nil), r.Rejuvenate.Signals...)
	return r
}

// MAP returns the goal with the highest marginal, ties broken by goal order.
func (s Snapshot) MAP() (domain.Goal, float64) {
	var best domain.Goal
	p := -1.0
	for _, g := range s.Goals {
		if s.Marginals[g] > p {
			best, p = g, s.Marginals[g]
		}
	}
	return best, p
}

// #endregion report

// #region marginals
// Marginals sums normalized weights by the goal each particle currently
// holds, capped at 1. Every goal in goals gets an entry.
func Marginals(goals []domain.Goal, particles []Particle, weights []float64) map[domain.Goal]float64 {
	out := make(map[domain.Goal]float64, len(goals))
	for _, g := range goals {
		out[g] = 0
	}
	for i, p := range particles {
		out[p.Trace.Goal()] += weights[i]
	}
	// rounding in the normalized weights can push a collapsed goal past 1
	for g, p := range out {
		out[g] = min(p, 1)
	}
	return out
}

func uniqueAncestors(particles []Particle) int {
	seen := make(map[int]struct{}, len(particles))
	for _, p := range particles {
		seen[p.Ancestor] = struct{}{}
	}
	return len(seen)
}

// #endregion marginals

// #region callbacks
// Callback observes the engine after every step. It receives a copy and
// cannot change engine state. Errors are logged and do not stop the run.
type Callback interface {
	OnStep(s Snapshot) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(s Snapshot) error

// OnStep implements Callback.
func (f CallbackFunc) OnStep(s Snapshot) error { return f(s) }

// Recorder keeps every step's report and weight vector in memory.
type Recorder struct {
	Reports []Report
	Weights [][]float64
}

// OnStep implements Callback.
func (r *Recorder) OnStep(s Snapshot) error {
	r.Reports = append(r.Reports, s.Report)
	r.Weights = append(r.Weights, s.Weights)
	return nil
}

// Trajectory returns the marginal of goal at every recorded step.
func (r *Recorder) Trajectory(goal domain.Goal) []float64 {
	out := make([]float64, len(r.Reports))
	for i, rep := range r.Reports {
		out[i] = rep.Marginals[goal]
	}
	return out
}

// #endregion callbacks
