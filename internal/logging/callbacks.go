package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/state"
)

// #region step-logger
// StepLogger logs one structured line per engine step.
type StepLogger struct {
	Log *zap.Logger
}

// OnStep implements smc.Callback.
func (l StepLogger) OnStep(s smc.Snapshot) error {
	goal, p := s.MAP()
	fields := []zap.Field{
		zap.Int("t", s.T),
		zap.Float64("ess", s.ESS),
		zap.Float64("log_evidence", s.LogEvidence),
		zap.Int("unique", s.Unique),
		zap.String("map_goal", string(goal)),
		zap.Float64("map_prob", p),
		zap.String("resample", s.Resample.Action),
		zap.String("rejuvenate", s.Rejuvenate.Action),
	}
	if s.Proposed > 0 {
		fields = append(fields, zap.Int("accepted", s.Accepted), zap.Int("proposed", s.Proposed))
	}
	l.Log.Info("step", fields...)
	return nil
}

// #endregion step-logger

// #region step-recorder
// StepRecorder persists every step of one run: its summary, a step_log row
// with the gate decisions and eval outcome, and a checkpoint every
// CheckpointEvery steps (0 disables checkpoints).
type StepRecorder struct {
	Store           *state.Store
	RunID           string
	Eval            *eval.EvalHarness // optional
	CheckpointEvery int
}

// OnStep implements smc.Callback.
func (r StepRecorder) OnStep(s smc.Snapshot) error {
	err := r.Store.RecordStep(state.StepRecord{
		RunID:       r.RunID,
		T:           s.T,
		Marginals:   MarginalVector(s.Goals, s.Marginals),
		ESS:         s.ESS,
		LogEvidence: s.LogEvidence,
		Unique:      s.Unique,
		Resampled:   s.Resample.Action == gate.ActionResample,
		Rejuvenated: s.Rejuvenate.Action == gate.ActionRejuvenate,
		Accepted:    s.Accepted,
	})
	if err != nil {
		return err
	}

	entry := StepEntry{
		RunID:            r.RunID,
		T:                s.T,
		ResampleAction:   s.Resample.Action,
		ResampleReason:   s.Resample.Reason,
		RejuvenateAction: s.Rejuvenate.Action,
		RejuvenateReason: s.Rejuvenate.Reason,
	}
	if r.Eval != nil {
		res := r.Eval.Run(s)
		entry.EvalPassed = &res.Passed
		entry.EvalReason = res.Reason
	}
	if err := LogStep(r.Store.DB(), entry); err != nil {
		return err
	}

	if r.CheckpointEvery > 0 && s.T%r.CheckpointEvery == 0 {
		if _, err := r.Store.SaveCheckpoint(Checkpoint(r.RunID, s)); err != nil {
			return fmt.Errorf("checkpoint t=%d: %w", s.T, err)
		}
	}
	return nil
}

// #endregion step-recorder

// #region conversions
// MarginalVector orders marginals by goals.
func MarginalVector(goals []domain.Goal, marginals map[domain.Goal]float64) []float64 {
	out := make([]float64, len(goals))
	for i, g := range goals {
		out[i] = marginals[g]
	}
	return out
}

// GoalNames converts goals to strings.
func GoalNames(goals []domain.Goal) []string {
	out := make([]string, len(goals))
	for i, g := range goals {
		out[i] = string(g)
	}
	return out
}

// Checkpoint reduces a snapshot to its serializable form.
func Checkpoint(runID string, s smc.Snapshot) state.Checkpoint {
	ps := make([]state.CheckpointParticle, len(s.Particles))
	for i, p := range s.Particles {
		recs := p.Trace.Records()
		cp := state.CheckpointParticle{
			Goal:      string(p.Trace.Goal()),
			LogWeight: p.LogWeight,
			Ancestor:  p.Ancestor,
			Actions:   make([]string, len(recs)),
			States:    make([]string, len(recs)),
		}
		for j, rec := range recs {
			cp.Actions[j] = string(rec.State.Agent.Action)
			if rec.State.Env != nil {
				cp.States[j] = rec.State.Env.Key()
			}
		}
		ps[i] = cp
	}
	return state.Checkpoint{
		RunID:     runID,
		T:         s.T,
		Goals:     GoalNames(s.Goals),
		Particles: ps,
	}
}

// #endregion conversions
