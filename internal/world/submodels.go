package world

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// #region interfaces
// BeliefConfig initializes and updates the agent's belief state.
type BeliefConfig interface {
	Init(env domain.State, rng *rand.Rand) domain.State
	Step(t int, belief domain.State, act domain.Action, env domain.State, rng *rand.Rand) domain.State
}

// GoalConfig is the goal prior and its (possibly identity) transition kernel.
type GoalConfig interface {
	// Support lists the goal hypotheses in a fixed order.
	Support() []domain.Goal
	// LogProb is the prior log-probability of g at t=0.
	LogProb(g domain.Goal) float64
	Init(rng *rand.Rand) (domain.Goal, float64)
	// Step draws the next goal and returns its transition log-probability,
	// which the model records in the trace prior.
	Step(t int, prev domain.Goal, belief domain.State, rng *rand.Rand) (domain.Goal, float64)
}

// PolicyConfig produces the next policy state and action. force requests a
// replan at this step regardless of the replanning coin.
type PolicyConfig interface {
	Init(goal domain.Goal, belief domain.State) PolicyState
	Step(ctx context.Context, t int, prev PolicyState, belief domain.State, goal domain.Goal, rng *rand.Rand, force bool) (PolicyState, domain.Action, float64, error)
}

// EnvConfig initializes and advances the environment state.
type EnvConfig interface {
	Init(rng *rand.Rand) domain.State
	Step(t int, env domain.State, act domain.Action, rng *rand.Rand) (domain.State, float64, error)
}

// AgentConfig composes the three agent submodels.
type AgentConfig struct {
	Belief BeliefConfig
	Goal   GoalConfig
	Policy PolicyConfig
}

// #endregion interfaces

// #region belief
// DirectBelief sets the belief to the full environment state.
type DirectBelief struct{}

// Init returns env.
func (DirectBelief) Init(env domain.State, _ *rand.Rand) domain.State { return env }

// Step returns the environment state the agent acts from.
func (DirectBelief) Step(_ int, _ domain.State, _ domain.Action, env domain.State, _ *rand.Rand) domain.State {
	return env
}

// #endregion belief

// #region static-goal
// StaticGoal draws a goal once from a categorical prior and keeps it.
// Weights may be nil for a uniform prior.
type StaticGoal struct {
	Goals   []domain.Goal
	Weights []float64
}

// Support implements GoalConfig.
func (s StaticGoal) Support() []domain.Goal {
	out := make([]domain.Goal, len(s.Goals))
	copy(out, s.Goals)
	return out
}

func (s StaticGoal) validate() error {
	if len(s.Goals) == 0 {
		return errors.New("goal prior has no hypotheses")
	}
	seen := map[domain.Goal]bool{}
	for _, g := range s.Goals {
		if seen[g] {
			return fmt.Errorf("duplicate goal %q", g)
		}
		seen[g] = true
	}
	if s.Weights == nil {
		return nil
	}
	if len(s.Weights) != len(s.Goals) {
		return fmt.Errorf("goal prior has %d weights for %d goals", len(s.Weights), len(s.Goals))
	}
	var sum float64
	for _, w := range s.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("goal prior weight %g is invalid", w)
		}
		sum += w
	}
	if sum <= 0 {
		return errors.New("goal prior weights sum to zero")
	}
	return nil
}

// LogProb implements GoalConfig.
func (s StaticGoal) LogProb(g domain.Goal) float64 {
	if s.Weights == nil {
		for _, h := range s.Goals {
			if h == g {
				return -math.Log(float64(len(s.Goals)))
			}
		}
		return math.Inf(-1)
	}
	var sum float64
	for _, w := range s.Weights {
		sum += w
	}
	for i, h := range s.Goals {
		if h == g {
			return math.Log(s.Weights[i] / sum)
		}
	}
	return math.Inf(-1)
}

// Init implements GoalConfig.
func (s StaticGoal) Init(rng *rand.Rand) (domain.Goal, float64) {
	if s.Weights == nil {
		g := s.Goals[rng.IntN(len(s.Goals))]
		return g, s.LogProb(g)
	}
	var sum float64
	for _, w := range s.Weights {
		sum += w
	}
	u := rng.Float64() * sum
	for i, w := range s.Weights {
		u -= w
		if u < 0 {
			return s.Goals[i], s.LogProb(s.Goals[i])
		}
	}
	last := s.Goals[len(s.Goals)-1]
	return last, s.LogProb(last)
}

// Step keeps the goal fixed.
func (s StaticGoal) Step(_ int, prev domain.Goal, _ domain.State, _ *rand.Rand) (domain.Goal, float64) {
	return prev, 0
}

// #endregion static-goal

// #region switching-goal
// SwitchingGoal keeps the previous goal with probability 1-SwitchProb and
// otherwise moves uniformly to one of the other goals.
type SwitchingGoal struct {
	Prior      StaticGoal
	SwitchProb float64
}

// Support implements GoalConfig.
func (s SwitchingGoal) Support() []domain.Goal { return s.Prior.Support() }

// LogProb implements GoalConfig.
func (s SwitchingGoal) LogProb(g domain.Goal) float64 { return s.Prior.LogProb(g) }

// Init implements GoalConfig.
func (s SwitchingGoal) Init(rng *rand.Rand) (domain.Goal, float64) { return s.Prior.Init(rng) }

// Step implements GoalConfig.
func (s SwitchingGoal) Step(t int, prev domain.Goal, belief domain.State, rng *rand.Rand) (domain.Goal, float64) {
	others := s.others(prev)
	if len(others) == 0 || rng.Float64() >= s.SwitchProb {
		return prev, s.StepLogProb(t, prev, prev, belief)
	}
	next := others[rng.IntN(len(others))]
	return next, s.StepLogProb(t, prev, next, belief)
}

// StepLogProb is the transition log-probability of next given prev.
func (s SwitchingGoal) StepLogProb(_ int, prev, next domain.Goal, _ domain.State) float64 {
	others := s.others(prev)
	if len(others) == 0 {
		if prev == next {
			return 0
		}
		return math.Inf(-1)
	}
	if prev == next {
		return math.Log1p(-s.SwitchProb)
	}
	for _, g := range others {
		if g == next {
			return math.Log(s.SwitchProb) - math.Log(float64(len(others)))
		}
	}
	return math.Inf(-1)
}

func (s SwitchingGoal) others(g domain.Goal) []domain.Goal {
	out := make([]domain.Goal, 0, len(s.Prior.Goals))
	for _, h := range s.Prior.Goals {
		if h != g {
			out = append(out, h)
		}
	}
	return out
}

// #endregion switching-goal

// #region env
// DeterministicEnv wraps a domain's transition function. Inapplicable actions
// leave the state unchanged.
type DeterministicEnv struct {
	Domain domain.Domain
	Start  domain.State
}

// Init returns the start state.
func (e DeterministicEnv) Init(_ *rand.Rand) domain.State { return e.Start }

// Step applies act to env.
func (e DeterministicEnv) Step(_ int, env domain.State, act domain.Action, _ *rand.Rand) (domain.State, float64, error) {
	next, err := e.Domain.Transition(env, act)
	if errors.Is(err, domain.ErrInapplicable) {
		return env, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("env step: %w", err)
	}
	return next, 0, nil
}

// #endregion env
