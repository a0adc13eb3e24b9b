package update

// #region update-result
// Result bundles everything returned by Update().
type Result struct {
	// LogWeights are the updated unnormalized log weights.
	LogWeights []float64
	// Normalized are linear weights summing to one. Nil when Degenerate.
	Normalized []float64
	// LogIncrement is the log of the weighted mean incremental likelihood,
	// the step's contribution to the log evidence.
	LogIncrement float64
	ESS          float64
	Degenerate   bool
	Metrics      Metrics
}

// #endregion update-result

// #region metrics
// Metrics captures telemetry from a reweighting step.
type Metrics struct {
	MaxLogWeight float64
	MinLogWeight float64 // over finite weights
	DeadCount    int     // particles with -Inf weight
}

// #endregion metrics
