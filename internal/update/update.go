package update

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// #region update-function
// Update is a pure function that adds the incremental log weights to the
// current ones and reports the normalized weights, ESS and evidence
// increment. The inputs are not modified.
func Update(logw, incr []float64) Result {
	next := Reweight(logw, incr)

	res := Result{
		LogWeights:   next,
		LogIncrement: LogSumExp(next) - LogSumExp(logw),
		Metrics:      metrics(next),
	}
	norm, ok := Normalize(next)
	if !ok {
		res.Degenerate = true
		res.LogIncrement = math.Inf(-1)
		return res
	}
	res.Normalized = norm
	res.ESS = ESS(next)
	return res
}

// Reweight returns logw + incr element-wise.
func Reweight(logw, incr []float64) []float64 {
	out := make([]float64, len(logw))
	for i := range logw {
		out[i] = logw[i] + incr[i]
	}
	return out
}

// #endregion update-function

// #region normalization
// LogSumExp returns log Σ exp(lw_i), or -Inf for an empty or all -Inf input.
func LogSumExp(lw []float64) float64 {
	if len(lw) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(lw)
}

// Normalize converts log weights to linear weights summing to one. It
// subtracts the maximum before exponentiating, so equal log weights map to
// exactly 1/N. ok is false when every weight is -Inf or any is NaN.
func Normalize(lw []float64) (w []float64, ok bool) {
	m, ok := finiteMax(lw)
	if !ok {
		return nil, false
	}
	w = make([]float64, len(lw))
	var sum float64
	for i, x := range lw {
		w[i] = math.Exp(x - m)
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w, true
}

// ESS is (Σw)² / Σw² computed on shifted log weights. A uniform vector of
// length N gives N and a one-hot vector gives 1. Degenerate input gives 0.
func ESS(lw []float64) float64 {
	m, ok := finiteMax(lw)
	if !ok {
		return 0
	}
	var s1, s2 float64
	for _, x := range lw {
		u := math.Exp(x - m)
		s1 += u
		s2 += u * u
	}
	return s1 * s1 / s2
}

// Equalize returns n copies of the mean weight of lw in log space.
// Resampling uses it to reset weights to uniform while preserving the
// evidence estimate, also when n differs from len(lw).
func Equalize(lw []float64, n int) []float64 {
	v := LogEvidence(lw)
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// LogEvidence estimates the log marginal likelihood from unnormalized log
// weights: log of their mean.
func LogEvidence(lw []float64) float64 {
	if len(lw) == 0 {
		return math.Inf(-1)
	}
	return LogSumExp(lw) - math.Log(float64(len(lw)))
}

// #endregion normalization

// #region helpers
func finiteMax(lw []float64) (float64, bool) {
	m := math.Inf(-1)
	for _, x := range lw {
		if math.IsNaN(x) || math.IsInf(x, 1) {
			return 0, false
		}
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, -1) {
		return 0, false
	}
	return m, true
}

func metrics(lw []float64) Metrics {
	mt := Metrics{MaxLogWeight: math.Inf(-1), MinLogWeight: math.Inf(1)}
	for _, x := range lw {
		if math.IsInf(x, -1) {
			mt.DeadCount++
			continue
		}
		mt.MaxLogWeight = math.Max(mt.MaxLogWeight, x)
		mt.MinLogWeight = math.Min(mt.MinLogWeight, x)
	}
	return mt
}

// #endregion helpers
