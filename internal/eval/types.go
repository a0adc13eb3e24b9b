package eval

// #region eval-config
// EvalConfig holds the tolerances of the per-step posterior checks.
type EvalConfig struct {
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`               // sum and recomputation tolerance
	MinESSFraction float64 `yaml:"min_ess_fraction" json:"min_ess_fraction"` // informational
	MaxGoalEntropy float64 `yaml:"max_goal_entropy" json:"max_goal_entropy"` // informational, nats
	TargetGoal     string  `yaml:"target_goal" json:"target_goal"`           // informational when set
	TargetProb     float64 `yaml:"target_prob" json:"target_prob"`
}

// DefaultEvalConfig returns tolerances suitable for float64 weight vectors.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		Tolerance:      1e-9,
		MinESSFraction: 0.1,
		MaxGoalEntropy: 1.0,
		TargetProb:     0.9,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name     string
	Value    float64
	Pass     bool
	Blocking bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a posterior health check.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// Metric returns the named metric.
func (r EvalResult) Metric(name string) (EvalMetric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return EvalMetric{}, false
}

// #endregion eval-result
