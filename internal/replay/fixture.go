package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          json.RawMessage         `json:"config,omitempty"` // run config over the defaults
	TrueGoal        string                  `json:"true_goal,omitempty"`
	Actions         []string                `json:"actions,omitempty"`
	Observations    []FixtureObservation    `json:"observations"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureObservation is one observation batch. Values are JSON numbers for
// numeric features and booleans for predicates.
type FixtureObservation struct {
	T      int            `json:"t"`
	Values map[string]any `json:"values"`
}

// FixtureExpectedResult bounds the posterior of a goal after the step at T.
// A zero MaxProb means no upper bound.
type FixtureExpectedResult struct {
	T       int     `json:"t"`
	Goal    string  `json:"goal"`
	MinProb float64 `json:"min_prob"`
	MaxProb float64 `json:"max_prob,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToRunConfig decodes the embedded run config over the defaults.
func (f *Fixture) ToRunConfig() (*config.Run, error) {
	if len(f.Config) == 0 {
		return config.Default(), nil
	}
	return config.Parse(f.Config)
}

// ToObservation converts a FixtureObservation to an engine observation.
func (fo *FixtureObservation) ToObservation() (smc.Observation, error) {
	b := make(obs.Batch, len(fo.Values))
	for name, raw := range fo.Values {
		switch v := raw.(type) {
		case float64:
			b[name] = domain.Numeric(v)
		case bool:
			b[name] = domain.Bool(v)
		default:
			return smc.Observation{}, fmt.Errorf("t=%d feature %q: unsupported value %v", fo.T, name, raw)
		}
	}
	return smc.Observation{T: fo.T, Batch: b}, nil
}

// ToObservations converts every observation, sorted by time. Ties keep file order.
func (f *Fixture) ToObservations() ([]smc.Observation, error) {
	out := make([]smc.Observation, 0, len(f.Observations))
	for i := range f.Observations {
		o, err := f.Observations[i].ToObservation()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out, nil
}

// FromBatch converts a batch back to its fixture form.
func FromBatch(t int, b obs.Batch) FixtureObservation {
	values := make(map[string]any, len(b))
	for name, v := range b {
		if v.Kind == domain.KindBool {
			values[name] = v.Bool
		} else {
			values[name] = v.Num
		}
	}
	return FixtureObservation{T: t, Values: values}
}

// #endregion fixture-loader
