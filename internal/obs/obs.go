package obs

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"gonum.org/v1/gonum/stat/distuv"
)

// #region types
// NoiseKind selects the per-feature noise model.
type NoiseKind string

const (
	Gaussian NoiseKind = "gaussian"
	BitFlip  NoiseKind = "bitflip"
)

// Noise parametrizes one feature's observation noise.
type Noise struct {
	Kind     NoiseKind `json:"kind" yaml:"kind"`
	Sigma    float64   `json:"sigma,omitempty" yaml:"sigma,omitempty"`
	FlipProb float64   `json:"flip_prob,omitempty" yaml:"flip_prob,omitempty"`
}

// Config maps observable feature names to their noise model. The key set is
// the fixed feature set for a run.
type Config map[string]Noise

// Batch is a set of observed feature values for one time step.
type Batch map[string]domain.Value

// #endregion types

// #region validate
// Validate checks the noise parameters.
func (c Config) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("observation config: no features")
	}
	for _, name := range c.Features() {
		n := c[name]
		switch n.Kind {
		case Gaussian:
			if !(n.Sigma > 0) {
				return fmt.Errorf("feature %q: gaussian sigma must be > 0, got %g", name, n.Sigma)
			}
		case BitFlip:
			if n.FlipProb < 0 || n.FlipProb >= 1 {
				return fmt.Errorf("feature %q: flip probability must be in [0,1), got %g", name, n.FlipProb)
			}
		default:
			return fmt.Errorf("feature %q: unknown noise kind %q", name, n.Kind)
		}
	}
	return nil
}

// Expects returns the value kind the noise model scores.
func (n Noise) Expects() domain.Kind {
	if n.Kind == BitFlip {
		return domain.KindBool
	}
	return domain.KindNumeric
}

// Features returns the configured feature names in sorted order.
func (c Config) Features() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// #endregion validate

// #region sample
// Sample draws a noisy observation of every configured feature.
func (c Config) Sample(s domain.State, rng *rand.Rand) (Batch, error) {
	out := make(Batch, len(c))
	for _, name := range c.Features() {
		truth, err := groundTruth(s, name, c[name])
		if err != nil {
			return nil, err
		}
		out[name] = c[name].sample(truth, rng)
	}
	return out, nil
}

func (n Noise) sample(truth domain.Value, rng *rand.Rand) domain.Value {
	switch n.Kind {
	case BitFlip:
		if rng.Float64() < n.FlipProb {
			return domain.Bool(!truth.Bool)
		}
		return truth
	default:
		return domain.Numeric(distuv.Normal{Mu: truth.Num, Sigma: n.Sigma, Src: rng}.Rand())
	}
}

// #endregion sample

// #region likelihood
// LogLikelihood scores the features present in b against the state. Features
// absent from b contribute nothing.
func (c Config) LogLikelihood(s domain.State, b Batch) (float64, error) {
	var total float64
	for _, name := range sortedKeys(b) {
		noise, ok := c[name]
		if !ok {
			return 0, fmt.Errorf("observed feature %q is not configured", name)
		}
		truth, err := groundTruth(s, name, noise)
		if err != nil {
			return 0, err
		}
		lp, err := noise.logProb(b[name], truth)
		if err != nil {
			return 0, fmt.Errorf("feature %q: %w", name, err)
		}
		total += lp
	}
	return total, nil
}

func (n Noise) logProb(observed, truth domain.Value) (float64, error) {
	if observed.Kind != n.Expects() {
		return 0, fmt.Errorf("observed %s value for %s noise", observed.Kind, n.Kind)
	}
	switch n.Kind {
	case BitFlip:
		if observed.Bool == truth.Bool {
			return math.Log1p(-n.FlipProb), nil
		}
		return math.Log(n.FlipProb), nil
	default:
		return distuv.Normal{Mu: truth.Num, Sigma: n.Sigma}.LogProb(observed.Num), nil
	}
}

// Complete fills in the observation node for a state: features present in
// constrained keep their values and are scored, the rest are sampled. The
// returned log-likelihood covers only the constrained features.
func (c Config) Complete(s domain.State, constrained Batch, rng *rand.Rand) (Batch, float64, error) {
	lp, err := c.LogLikelihood(s, constrained)
	if err != nil {
		return nil, 0, err
	}
	out := make(Batch, len(c))
	for _, name := range c.Features() {
		if v, ok := constrained[name]; ok {
			out[name] = v
			continue
		}
		truth, err := groundTruth(s, name, c[name])
		if err != nil {
			return nil, 0, err
		}
		out[name] = c[name].sample(truth, rng)
	}
	return out, lp, nil
}

// #endregion likelihood

// #region helpers
func groundTruth(s domain.State, name string, n Noise) (domain.Value, error) {
	v, ok := s.Feature(name)
	if !ok {
		return domain.Value{}, fmt.Errorf("state %s has no feature %q", s.Key(), name)
	}
	if v.Kind != n.Expects() {
		return domain.Value{}, fmt.Errorf("feature %q is %s, %s noise needs %s", name, v.Kind, n.Kind, n.Expects())
	}
	return v, nil
}

func sortedKeys(b Batch) []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// #endregion helpers
