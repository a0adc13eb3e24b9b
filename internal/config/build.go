package config

import (
	"time"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gridworld"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region builders
// Grid parses the layout.
func (c *Run) Grid() (*gridworld.Grid, error) {
	return gridworld.Parse(c.Layout)
}

// Model composes the world model over g. planner may be nil for the local
// A* planner, memoized when Planner.Memo is set.
func (c *Run) Model(g *gridworld.Grid, planner domain.Planner) (*world.Model, error) {
	if planner == nil {
		planner = c.LocalPlanner(g)
	}
	goals := g.Goals()
	prior := world.StaticGoal{Goals: goals}
	if len(c.Agent.GoalPrior) > 0 {
		prior.Weights = make([]float64, len(goals))
		for i, goal := range goals {
			prior.Weights[i] = c.Agent.GoalPrior[string(goal)]
		}
	}
	var goalModel world.GoalConfig = prior
	if c.Agent.SwitchProb > 0 {
		goalModel = world.SwitchingGoal{Prior: prior, SwitchProb: c.Agent.SwitchProb}
	}

	return world.New(world.Config{
		Agent: world.AgentConfig{
			Belief: world.DirectBelief{},
			Goal:   goalModel,
			Policy: world.ReplanPolicy{
				Domain:     g,
				Planner:    planner,
				ReplanProb: c.Agent.ReplanProb,
				Budget:     c.budget(),
				Noise:      c.Agent.Noise,
			},
		},
		Env: world.DeterministicEnv{Domain: g, Start: g.StartState()},
		Obs: c.Obs,
	})
}

// LocalPlanner is the in-process A* planner.
func (c *Run) LocalPlanner(g *gridworld.Grid) domain.Planner {
	var p domain.Planner = gridworld.NewPlanner(g)
	if c.Planner.Memo {
		p = domain.NewMemo(p)
	}
	return p
}

func (c *Run) budget() world.BudgetDist {
	b := c.Agent.Budget
	if b.Kind == "negbin" {
		return world.NegBinomialBudget{R: b.R, P: b.P, Shift: b.Shift}
	}
	return world.FixedBudget{N: b.N}
}

// EngineConfig converts the inference section.
func (c *Run) EngineConfig() smc.Config {
	in := c.Inference
	cfg := smc.Config{
		N:                 in.N,
		Seed:              in.Seed,
		Workers:           in.Workers,
		Stratify:          in.Stratify,
		RequireEvenStrata: in.RequireEvenStrata,
		Gate:              in.Gate,
		Scheme:            smc.Scheme(in.Scheme),
		Window:            in.Window,
	}
	for _, s := range in.Strata {
		cfg.Strata = append(cfg.Strata, domain.Goal(s))
	}
	return cfg
}

// TTL is the parsed planner cache TTL, zero when unset.
func (c *Run) TTL() time.Duration {
	d, _ := time.ParseDuration(c.Planner.TTL)
	return d
}

// #endregion builders
