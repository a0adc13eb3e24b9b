package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
)

// #region eval-harness
// EvalHarness checks a population snapshot for numerical health.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks weight normalization, marginal consistency and ESS bounds.
// ESS fraction, goal entropy and target probability are reported but never
// fail the check.
func (h *EvalHarness) Run(s smc.Snapshot) EvalResult {
	var metrics []EvalMetric
	var failReasons []string
	tol := h.config.Tolerance
	n := float64(len(s.Particles))

	check := func(name string, value float64, pass bool, reason string) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass, Blocking: true})
		if !pass {
			failReasons = append(failReasons, reason)
		}
	}
	inform := func(name string, value float64, pass bool) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass})
	}

	// 1. Normalized weights
	var wsum float64
	valid := len(s.Weights) == len(s.Particles)
	for _, w := range s.Weights {
		if math.IsNaN(w) || w < 0 || w > 1 {
			valid = false
		}
		wsum += w
	}
	check("weights_valid", boolValue(valid), valid, "weights outside [0,1] or misaligned with particles")
	check("weight_sum", wsum, math.Abs(wsum-1) <= tol, fmt.Sprintf("weights sum to %.12f", wsum))

	// 2. Goal marginals
	var msum float64
	for _, p := range s.Marginals {
		msum += p
	}
	check("marginal_sum", msum, math.Abs(msum-1) <= tol, fmt.Sprintf("marginals sum to %.12f", msum))

	var drift float64
	if valid {
		direct := smc.Marginals(s.Goals, s.Particles, s.Weights)
		for _, g := range s.Goals {
			drift = math.Max(drift, math.Abs(direct[g]-s.Marginals[g]))
		}
	}
	check("marginal_drift", drift, drift <= tol, fmt.Sprintf("reported marginals differ from weights by %.3g", drift))

	// 3. ESS bounds
	check("ess", s.ESS, s.ESS >= 1-tol && s.ESS <= n+tol, fmt.Sprintf("ess %.4f outside [1,%d]", s.ESS, len(s.Particles)))

	// 4. Informational
	frac := 0.0
	if n > 0 {
		frac = s.ESS / n
	}
	inform("ess_fraction", frac, frac >= h.config.MinESSFraction)
	ent := Entropy(s.Marginals)
	inform("goal_entropy", ent, ent <= h.config.MaxGoalEntropy)
	if h.config.TargetGoal != "" {
		p := s.Marginals[domain.Goal(h.config.TargetGoal)]
		inform("target_prob", p, p >= h.config.TargetProb)
	}

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region helpers
// Entropy of a goal distribution in nats.
func Entropy(marginals map[domain.Goal]float64) float64 {
	var h float64
	for _, p := range marginals {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
