package replay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region types
// Replay result actions.
const (
	ActionPass      = "pass"
	ActionFail      = "fail"
	ActionEvalFail  = "eval_fail"
	ActionUnchecked = "unchecked"
)

// ReplayConfig bundles what a replay run needs besides the observations.
type ReplayConfig struct {
	Model  *world.Model
	Engine smc.Config
	Eval   eval.EvalConfig
	Log    *zap.Logger
	// Callbacks are attached to the engine, for example a store recorder.
	Callbacks []smc.Callback
}

// ReplayResult captures the outcome of replaying one observation.
type ReplayResult struct {
	T      int
	Action string // "pass" | "fail" | "eval_fail" | "unchecked"
	Reason string

	Report     smc.Report
	EvalResult eval.EvalResult
	// Checks are the expected results evaluated at this step.
	Checks []Check
}

// Check is one evaluated expectation.
type Check struct {
	Expected FixtureExpectedResult
	Actual   float64
	Pass     bool
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps  int
	Passed      int
	Failed      int
	EvalFailed  int
	Unchecked   int
	FinalMAP    domain.Goal
	FinalProb   float64
	LogEvidence float64
}

// #endregion types

// #region replay
// Replay feeds observations through a fresh engine: the first is consumed by
// Init when it is at t=0, the rest by Observe. After each step the population
// is health-checked and every expectation for that time is compared.
// Expectations for a time that has more than one observation are checked
// after the last of them.
func Replay(ctx context.Context, observations []smc.Observation, expected []FixtureExpectedResult, config ReplayConfig) ([]ReplayResult, error) {
	if len(observations) == 0 {
		return nil, errors.New("replay: no observations")
	}
	var final smc.Snapshot
	recorder := smc.CallbackFunc(func(s smc.Snapshot) error {
		final = s
		return nil
	})
	opts := []smc.Option{smc.WithLogger(config.Log), smc.WithCallback(config.Callbacks...), smc.WithCallback(recorder)}
	e, err := smc.New(config.Model, config.Engine, opts...)
	if err != nil {
		return nil, err
	}
	harness := eval.NewEvalHarness(config.Eval)
	tol := config.Eval.Tolerance
	if tol <= 0 {
		tol = eval.DefaultEvalConfig().Tolerance
	}

	byT := make(map[int][]FixtureExpectedResult)
	for _, ex := range expected {
		byT[ex.T] = append(byT[ex.T], ex)
	}

	results := make([]ReplayResult, 0, len(observations))
	for i, o := range observations {
		var rep smc.Report
		switch {
		case i == 0 && o.T == 0:
			rep, err = e.Init(ctx, o.Batch)
		case i == 0:
			if _, err = e.Init(ctx, nil); err == nil {
				rep, err = e.Observe(ctx, o)
			}
		default:
			rep, err = e.Observe(ctx, o)
		}
		if err != nil {
			return results, fmt.Errorf("replay t=%d: %w", o.T, err)
		}

		res := ReplayResult{T: o.T, Report: rep, EvalResult: harness.Run(final)}
		last := i == len(observations)-1 || observations[i+1].T != o.T
		if last {
			for _, ex := range byT[o.T] {
				res.Checks = append(res.Checks, check(ex, rep.Marginals[domain.Goal(ex.Goal)], tol))
			}
		}
		res.Action, res.Reason = classify(res)
		results = append(results, res)
	}
	return results, nil
}

// check compares a marginal with an expectation, allowing tol of rounding
// on both bounds.
func check(ex FixtureExpectedResult, p, tol float64) Check {
	return Check{
		Expected: ex,
		Actual:   p,
		Pass:     p >= ex.MinProb-tol && p <= upper(ex.MaxProb)+tol,
	}
}

func classify(r ReplayResult) (string, string) {
	if !r.EvalResult.Passed {
		return ActionEvalFail, r.EvalResult.Reason
	}
	if len(r.Checks) == 0 {
		return ActionUnchecked, ""
	}
	for _, c := range r.Checks {
		if !c.Pass {
			return ActionFail, fmt.Sprintf("P(%s)=%.4f outside [%.4f,%.4f]", c.Expected.Goal, c.Actual, c.Expected.MinProb, upper(c.Expected.MaxProb))
		}
	}
	return ActionPass, fmt.Sprintf("%d checks passed", len(r.Checks))
}

func upper(p float64) float64 {
	if p == 0 {
		return 1
	}
	return p
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalSteps: len(results)}
	for _, r := range results {
		switch r.Action {
		case ActionPass:
			s.Passed++
		case ActionFail:
			s.Failed++
		case ActionEvalFail:
			s.EvalFailed++
		case ActionUnchecked:
			s.Unchecked++
		}
	}
	if len(results) > 0 {
		last := results[len(results)-1].Report
		s.LogEvidence = last.LogEvidence
		p := -1.0
		for g, q := range last.Marginals {
			if q > p || (q == p && g < s.FinalMAP) {
				s.FinalMAP, p = g, q
			}
		}
		s.FinalProb = p
	}
	return s
}

// ReplayFixture runs a loaded fixture end to end with its embedded config.
func ReplayFixture(ctx context.Context, f *Fixture, planner domain.Planner, log *zap.Logger, callbacks ...smc.Callback) ([]ReplayResult, error) {
	cfg, err := f.ToRunConfig()
	if err != nil {
		return nil, err
	}
	g, err := cfg.Grid()
	if err != nil {
		return nil, err
	}
	m, err := cfg.Model(g, planner)
	if err != nil {
		return nil, err
	}
	observations, err := f.ToObservations()
	if err != nil {
		return nil, err
	}
	return Replay(ctx, observations, f.ExpectedResults, ReplayConfig{
		Model:     m,
		Engine:    cfg.EngineConfig(),
		Eval:      cfg.Eval,
		Log:       log,
		Callbacks: callbacks,
	})
}

// #endregion replay
