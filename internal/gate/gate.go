package gate

import (
	"fmt"
	"strings"
)

// #region gate
// Gate decides when the engine resamples and rejuvenates.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the gate configuration.
func (g *Gate) Config() GateConfig { return g.config }

// Validate checks the configuration ranges.
func (c GateConfig) Validate() error {
	switch c.Resample {
	case ResampleNever, ResampleAlways, ResampleESS:
	default:
		return fmt.Errorf("unknown resample mode %q", c.Resample)
	}
	if c.ESSFraction < 0 || c.ESSFraction > 1 {
		return fmt.Errorf("ess fraction %g outside [0,1]", c.ESSFraction)
	}
	if c.RejuvenateESSFraction < 0 || c.RejuvenateESSFraction > 1 {
		return fmt.Errorf("rejuvenate ess fraction %g outside [0,1]", c.RejuvenateESSFraction)
	}
	if c.MinUniqueFraction < 0 || c.MinUniqueFraction > 1 {
		return fmt.Errorf("min unique fraction %g outside [0,1]", c.MinUniqueFraction)
	}
	if c.RejuvenateEvery < 0 {
		return fmt.Errorf("rejuvenate every %d is negative", c.RejuvenateEvery)
	}
	return nil
}

// Resample decides whether to resample the population after reweighting.
func (g *Gate) Resample(s Stats) GateDecision {
	frac := essFrac(s)
	var signals []TriggerSignal

	switch g.config.Resample {
	case ResampleAlways:
		signals = append(signals, TriggerSignal{
			Type:   TriggerEveryStep,
			Reason: "resampling every step",
		})
	case ResampleESS:
		if frac < g.config.ESSFraction {
			signals = append(signals, TriggerSignal{
				Type:   TriggerLowESS,
				Reason: fmt.Sprintf("ess %.2f below %.2f of %d", s.ESS, g.config.ESSFraction, s.N),
			})
		}
	}

	return decide(signals, frac, ActionResample, ActionKeep)
}

// Rejuvenate decides whether to apply the rejuvenation kernel. It runs after
// the resampling decision so s.Unique and s.Resampled are final. The t=0
// population is never rejuvenated.
func (g *Gate) Rejuvenate(s Stats) GateDecision {
	frac := essFrac(s)
	if s.T <= 0 {
		return GateDecision{Action: ActionSkip, Reason: "nothing to rejuvenate at t=0", ESSFrac: frac}
	}
	var signals []TriggerSignal

	if k := g.config.RejuvenateEvery; k > 0 && s.T%k == 0 {
		signals = append(signals, TriggerSignal{
			Type:   TriggerPeriodic,
			Reason: fmt.Sprintf("t=%d is a multiple of %d", s.T, k),
		})
	}
	if g.config.RejuvenateESSFraction > 0 && frac < g.config.RejuvenateESSFraction {
		signals = append(signals, TriggerSignal{
			Type:   TriggerLowESS,
			Reason: fmt.Sprintf("ess fraction %.3f below %.3f", frac, g.config.RejuvenateESSFraction),
		})
	}
	if g.config.RejuvenateAfterResample && s.Resampled {
		signals = append(signals, TriggerSignal{
			Type:   TriggerAfterResample,
			Reason: "population was resampled",
		})
	}
	if g.config.MinUniqueFraction > 0 && s.N > 0 {
		if u := float64(s.Unique) / float64(s.N); u < g.config.MinUniqueFraction {
			signals = append(signals, TriggerSignal{
				Type:   TriggerLowDiversity,
				Reason: fmt.Sprintf("%d distinct ancestors of %d", s.Unique, s.N),
			})
		}
	}

	return decide(signals, frac, ActionRejuvenate, ActionSkip)
}

// #endregion gate

// #region helpers
func essFrac(s Stats) float64 {
	if s.N == 0 {
		return 0
	}
	return s.ESS / float64(s.N)
}

func decide(signals []TriggerSignal, frac float64, fire, hold string) GateDecision {
	if len(signals) == 0 {
		return GateDecision{
			Action:  hold,
			Reason:  fmt.Sprintf("no trigger: ess_frac=%.4f", frac),
			ESSFrac: frac,
		}
	}
	types := make([]string, len(signals))
	for i, sig := range signals {
		types[i] = string(sig.Type)
	}
	return GateDecision{
		Action:    fire,
		Reason:    fmt.Sprintf("%s: %s", strings.Join(types, ","), signals[0].Reason),
		Triggered: true,
		Signals:   signals,
		ESSFrac:   frac,
	}
}

// #endregion helpers
