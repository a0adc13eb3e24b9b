package world

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
)

// #region config
// Config composes the agent, environment and observation submodels.
type Config struct {
	Agent AgentConfig
	Env   EnvConfig
	Obs   obs.Config
}

// Model is the generative world model. It is immutable after New and safe to
// share between goroutines as long as its submodels are.
type Model struct {
	cfg Config
}

type validator interface {
	validate() error
}

// New validates cfg and returns the model. Every failure wraps
// ErrModelConfiguration.
func New(cfg Config) (*Model, error) {
	if cfg.Agent.Belief == nil || cfg.Agent.Goal == nil || cfg.Agent.Policy == nil || cfg.Env == nil {
		return nil, fmt.Errorf("%w: missing submodel", ErrModelConfiguration)
	}
	if err := cfg.Obs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelConfiguration, err)
	}
	for _, part := range []any{cfg.Agent.Goal, cfg.Agent.Policy} {
		if v, ok := part.(validator); ok {
			if err := v.validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrModelConfiguration, err)
			}
		}
	}
	if sg, ok := cfg.Agent.Goal.(SwitchingGoal); ok {
		if err := sg.Prior.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelConfiguration, err)
		}
		if sg.SwitchProb < 0 || sg.SwitchProb > 1 {
			return nil, fmt.Errorf("%w: switch probability %g outside [0,1]", ErrModelConfiguration, sg.SwitchProb)
		}
	}
	if len(cfg.Agent.Goal.Support()) == 0 {
		return nil, fmt.Errorf("%w: goal model has empty support", ErrModelConfiguration)
	}

	probe := cfg.Env.Init(rand.New(rand.NewPCG(0, 0)))
	if probe == nil {
		return nil, fmt.Errorf("%w: environment initializer returned no state", ErrModelConfiguration)
	}
	for _, name := range cfg.Obs.Features() {
		v, ok := probe.Feature(name)
		if !ok {
			return nil, fmt.Errorf("%w: observed feature %q not present in environment state", ErrModelConfiguration, name)
		}
		if want := cfg.Obs[name].Expects(); v.Kind != want {
			return nil, fmt.Errorf("%w: feature %q is %s but its noise model expects %s", ErrModelConfiguration, name, v.Kind, want)
		}
	}
	return &Model{cfg: cfg}, nil
}

// Goals returns the goal hypotheses in support order.
func (m *Model) Goals() []domain.Goal { return m.cfg.Agent.Goal.Support() }

// GoalPrior returns the prior log-probability of a goal.
func (m *Model) GoalPrior(g domain.Goal) float64 { return m.cfg.Agent.Goal.LogProb(g) }

// Obs returns the observation configuration.
func (m *Model) Obs() obs.Config { return m.cfg.Obs }

// #endregion config

// #region init
// Init samples the t=0 record. When forced is non-nil the goal is set to it
// instead of being drawn from the prior. The returned weight is the
// log-likelihood of batch.
func (m *Model) Init(_ context.Context, rng *rand.Rand, forced *domain.Goal, batch obs.Batch) (*Trace, float64, error) {
	env := m.cfg.Env.Init(rng)
	belief := m.cfg.Agent.Belief.Init(env, rng)

	var goal domain.Goal
	var lpGoal float64
	if forced != nil {
		goal = *forced
		lpGoal = m.cfg.Agent.Goal.LogProb(goal)
	} else {
		goal, lpGoal = m.cfg.Agent.Goal.Init(rng)
	}

	full, lik, err := m.cfg.Obs.Complete(env, batch, rng)
	if err != nil {
		return nil, 0, fmt.Errorf("observe t=0: %w", err)
	}

	rec := Record{
		T: 0,
		State: WorldState{
			Agent: AgentState{
				Belief: belief,
				Goal:   goal,
				Policy: m.cfg.Agent.Policy.Init(goal, belief),
				Action: domain.NoOp,
			},
			Env: env,
			Obs: full,
		},
		Observed: batch.Clone(),
		LogPrior: lpGoal,
		LogLik:   lik,
	}
	return NewTrace(rec), lik, nil
}

// #endregion init

// #region extend
// Extend advances the trace one step by forward simulation with the
// observation node constrained to batch. The returned incremental weight is
// the observation log-likelihood, since the latent transition is the proposal.
func (m *Model) Extend(ctx context.Context, tr *Trace, rng *rand.Rand, batch obs.Batch) (*Trace, float64, error) {
	return m.step(ctx, tr, rng, batch, false)
}

func (m *Model) step(ctx context.Context, tr *Trace, rng *rand.Rand, batch obs.Batch, forceReplan bool) (*Trace, float64, error) {
	prev := tr.Last()
	t := prev.T + 1
	ag := prev.State.Agent

	belief := m.cfg.Agent.Belief.Step(t, ag.Belief, ag.Action, prev.State.Env, rng)
	goal, lpGoal := m.cfg.Agent.Goal.Step(t, ag.Goal, belief, rng)

	pol, act, lpPolicy, err := m.cfg.Agent.Policy.Step(ctx, t, ag.Policy, belief, goal, rng, forceReplan)
	if err != nil {
		return nil, 0, fmt.Errorf("policy t=%d: %w", t, err)
	}

	env, lpEnv, err := m.cfg.Env.Step(t, prev.State.Env, act, rng)
	if err != nil {
		return nil, 0, fmt.Errorf("env t=%d: %w", t, err)
	}

	full, lik, err := m.cfg.Obs.Complete(env, batch, rng)
	if err != nil {
		return nil, 0, fmt.Errorf("observe t=%d: %w", t, err)
	}

	rec := Record{
		T: t,
		State: WorldState{
			Agent: AgentState{Belief: belief, Goal: goal, Policy: pol, Action: act},
			Env:   env,
			Obs:   full,
		},
		Observed: batch.Clone(),
		LogPrior: lpGoal + lpPolicy + lpEnv,
		LogLik:   lik,
	}
	return tr.Extend(rec), lik, nil
}

// Observe scores an additional batch against the current step without
// advancing time. Features already observed at this step are rejected.
func (m *Model) Observe(tr *Trace, batch obs.Batch) (*Trace, float64, error) {
	last := tr.Last()
	for name := range batch {
		if _, dup := last.Observed[name]; dup {
			return nil, 0, fmt.Errorf("feature %q already observed at t=%d", name, last.T)
		}
	}
	lik, err := m.cfg.Obs.LogLikelihood(last.State.Env, batch)
	if err != nil {
		return nil, 0, fmt.Errorf("observe t=%d: %w", last.T, err)
	}
	rec := last
	rec.Observed = last.Observed.Merge(batch)
	rec.State.Obs = last.State.Obs.Merge(batch)
	rec.LogLik += lik
	return tr.ReplaceLast(rec), lik, nil
}

// #endregion extend

// #region resimulate
// Resimulate regenerates steps from..T of tr by forward simulation, keeping
// each step's observed batch fixed. When forceReplan is set the policy is
// made to call the planner at step from.
func (m *Model) Resimulate(ctx context.Context, tr *Trace, from int, rng *rand.Rand, forceReplan bool) (*Trace, error) {
	if from < 1 || from > tr.T() {
		return nil, fmt.Errorf("resimulate from %d outside [1,%d]", from, tr.T())
	}
	recs := tr.Records()
	cur := tr.Prefix(from - 1)
	for t := from; t <= tr.T(); t++ {
		next, _, err := m.step(ctx, cur, rng, recs[t].Observed, forceReplan && t == from)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// #endregion resimulate

// #region simulate
// Simulate runs the model forward for steps transitions without
// constraints. goal may be nil to draw it from the prior.
func (m *Model) Simulate(ctx context.Context, rng *rand.Rand, goal *domain.Goal, steps int) (*Trace, error) {
	tr, _, err := m.Init(ctx, rng, goal, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, _, err = m.step(ctx, tr, rng, nil, false)
		if err != nil {
			return nil, err
		}
	}
	return tr, nil
}

// Observations returns the observation node of every record of tr. With
// noiseless set, the ground-truth feature values are returned instead.
func (m *Model) Observations(tr *Trace, noiseless bool) ([]obs.Batch, error) {
	recs := tr.Records()
	out := make([]obs.Batch, len(recs))
	for i, r := range recs {
		if !noiseless {
			out[i] = r.State.Obs.Clone()
			continue
		}
		b, err := m.cfg.Obs.Truth(r.State.Env)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// #endregion simulate
