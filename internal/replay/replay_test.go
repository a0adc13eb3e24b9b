package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
)

// helper: observations of an agent walking from the start straight to B
// and waiting there.
func walkToB(steps int) []FixtureObservation {
	out := make([]FixtureObservation, steps+1)
	for t := range out {
		out[t] = FromBatch(t, obs.Batch{
			"x": domain.Numeric(float64(min(t, 6))),
			"y": domain.Numeric(2),
		})
	}
	return out
}

// helper: fixture over the default layout with a small population.
func walkFixture(t *testing.T, expected ...FixtureExpectedResult) *Fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Inference.N = 60
	cfg.Inference.Seed = 11
	return &Fixture{
		Description:     "walk to B",
		Config:          []byte(cfg.JSON()),
		TrueGoal:        "B",
		Observations:    walkToB(9),
		ExpectedResults: expected,
	}
}

// 1. A correct expectation passes, steps without expectations are unchecked.
func TestReplay_PassAndUnchecked(t *testing.T) {
	f := walkFixture(t, FixtureExpectedResult{T: 9, Goal: "B", MinProb: 0.9})

	results, err := ReplayFixture(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for _, r := range results[:9] {
		if r.Action != ActionUnchecked {
			t.Errorf("t=%d: expected unchecked, got %s (%s)", r.T, r.Action, r.Reason)
		}
	}
	if last := results[9]; last.Action != ActionPass {
		t.Fatalf("expected pass at t=9, got %s: %s", last.Action, last.Reason)
	}
	if p := results[9].Checks[0].Actual; p > 1 {
		t.Errorf("marginal of a collapsed posterior should not exceed 1, got %v", p)
	}

	s := Summarize(results)
	if s.TotalSteps != 10 || s.Passed != 1 || s.Unchecked != 9 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.FinalMAP != "B" {
		t.Errorf("expected final MAP B, got %s", s.FinalMAP)
	}
}

// 2. A wrong expectation fails with the offending goal in the reason.
func TestReplay_Fail(t *testing.T) {
	f := walkFixture(t, FixtureExpectedResult{T: 9, Goal: "A", MinProb: 0.5})

	results, err := ReplayFixture(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	last := results[len(results)-1]
	if last.Action != ActionFail {
		t.Fatalf("expected fail, got %s", last.Action)
	}
	if len(last.Checks) != 1 || last.Checks[0].Pass {
		t.Fatalf("expected one failing check, got %+v", last.Checks)
	}
	if Summarize(results).Failed != 1 {
		t.Error("expected 1 failure in summary")
	}
}

// 3. Upper bounds are enforced.
func TestReplay_MaxProb(t *testing.T) {
	f := walkFixture(t, FixtureExpectedResult{T: 9, Goal: "B", MinProb: 0, MaxProb: 0.5})

	results, err := ReplayFixture(context.Background(), f, nil, nil)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	if results[len(results)-1].Action != ActionFail {
		t.Fatal("expected fail on upper bound")
	}
}

// 4. A stream that starts after t=0 initializes on nothing and skips ahead;
// two observations at the same time are both consumed and checked once.
func TestReplay_SkipAheadAndSameStep(t *testing.T) {
	cfg := config.Default()
	cfg.Inference.N = 30
	g, err := cfg.Grid()
	if err != nil {
		t.Fatal(err)
	}
	m, err := cfg.Model(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	observations := []smc.Observation{
		{T: 2, Batch: obs.Batch{"x": domain.Numeric(2)}},
		{T: 2, Batch: obs.Batch{"y": domain.Numeric(2)}},
		{T: 3, Batch: obs.Batch{"x": domain.Numeric(3), "y": domain.Numeric(2)}},
	}
	expected := []FixtureExpectedResult{{T: 2, Goal: "B", MinProb: 0}}

	results, err := Replay(context.Background(), observations, expected, ReplayConfig{
		Model:  m,
		Engine: cfg.EngineConfig(),
		Eval:   cfg.Eval,
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Report.T != 2 || len(results[0].Checks) != 0 {
		t.Errorf("first t=2 batch should not be checked: %+v", results[0].Checks)
	}
	if len(results[1].Checks) != 1 || results[1].Action != ActionPass {
		t.Errorf("second t=2 batch should carry the check, got %s", results[1].Action)
	}
	if results[2].Report.T != 3 {
		t.Errorf("expected t=3, got %d", results[2].Report.T)
	}
}

// 5. Out-of-order observations abort the replay with the results so far.
func TestReplay_OutOfOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Inference.N = 10
	g, _ := cfg.Grid()
	m, err := cfg.Model(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	observations := []smc.Observation{{T: 0}, {T: 3}, {T: 1}}

	results, err := Replay(context.Background(), observations, nil, ReplayConfig{Model: m, Engine: cfg.EngineConfig(), Eval: cfg.Eval})
	if err == nil {
		t.Fatal("expected out-of-order error")
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results before the error, got %d", len(results))
	}
}

// 6. Fixtures survive a save/load cycle and keep their config.
func TestFixtureSaveLoad(t *testing.T) {
	f := walkFixture(t, FixtureExpectedResult{T: 9, Goal: "B", MinProb: 0.9})
	path := filepath.Join(t.TempDir(), "walk.json")
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	cfg, err := loaded.ToRunConfig()
	if err != nil {
		t.Fatalf("ToRunConfig: %v", err)
	}
	if cfg.Inference.N != 60 || cfg.Inference.Seed != 11 {
		t.Errorf("config not preserved: %+v", cfg.Inference)
	}
	observations, err := loaded.ToObservations()
	if err != nil {
		t.Fatalf("ToObservations: %v", err)
	}
	if len(observations) != 10 || observations[4].Batch["x"] != domain.Numeric(4) {
		t.Errorf("unexpected observations %+v", observations[4])
	}
}

// 7. Bounds allow rounding: a marginal that sums to one plus a few ulps, or
// misses a lower bound by a few ulps, still passes.
func TestCheckToleratesRounding(t *testing.T) {
	overOne := 0.5000000000000002 + 0.5000000000000002
	if overOne <= 1 {
		t.Fatalf("expected the sum to overshoot 1, got %v", overOne)
	}
	tests := []struct {
		name string
		ex   FixtureExpectedResult
		p    float64
		pass bool
	}{
		{"collapsed posterior over one", FixtureExpectedResult{Goal: "B", MinProb: 0.9}, overOne, true},
		{"exactly one", FixtureExpectedResult{Goal: "B", MinProb: 1}, 1, true},
		{"just under lower bound", FixtureExpectedResult{Goal: "B", MinProb: 0.9}, 0.9 - 1e-12, true},
		{"well under lower bound", FixtureExpectedResult{Goal: "B", MinProb: 0.9}, 0.89, false},
		{"over explicit upper bound", FixtureExpectedResult{Goal: "B", MaxProb: 0.5}, 0.51, false},
		{"over one by a margin", FixtureExpectedResult{Goal: "B"}, 1.001, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := check(tt.ex, tt.p, 1e-9)
			if c.Pass != tt.pass {
				t.Fatalf("check(%v) pass=%v, want %v", tt.p, c.Pass, tt.pass)
			}
			r := ReplayResult{EvalResult: eval.EvalResult{Passed: true}, Checks: []Check{c}}
			action, _ := classify(r)
			want := ActionFail
			if tt.pass {
				want = ActionPass
			}
			if action != want {
				t.Fatalf("classify = %s, want %s", action, want)
			}
		})
	}
}

func TestToObservationRejectsStrings(t *testing.T) {
	fo := FixtureObservation{T: 1, Values: map[string]any{"x": "three"}}
	if _, err := fo.ToObservation(); err == nil {
		t.Fatal("expected error for string value")
	}
}

func TestLoadFixtureMissing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
