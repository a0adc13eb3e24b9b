package smc

import (
	"context"
	"testing"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/gridworld"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

const layout = `
......A
.......
@.....B
.......
......C
`

type modelOpts struct {
	replan     float64
	noise      float64
	switchProb float64
	planner    func(g *gridworld.Grid) domain.Planner
	obs        obs.Config
}

func testModel(t *testing.T, o modelOpts) *world.Model {
	t.Helper()
	g := gridworld.MustParse(layout)
	var planner domain.Planner = gridworld.NewPlanner(g)
	if o.planner != nil {
		planner = o.planner(g)
	}
	if o.obs == nil {
		o.obs = obs.Config{
			"x": {Kind: obs.Gaussian, Sigma: 0.25},
			"y": {Kind: obs.Gaussian, Sigma: 0.25},
		}
	}
	var goals world.GoalConfig = world.StaticGoal{Goals: g.Goals()}
	if o.switchProb > 0 {
		goals = world.SwitchingGoal{Prior: world.StaticGoal{Goals: g.Goals()}, SwitchProb: o.switchProb}
	}
	m, err := world.New(world.Config{
		Agent: world.AgentConfig{
			Belief: world.DirectBelief{},
			Goal:   goals,
			Policy: world.ReplanPolicy{
				Domain:     g,
				Planner:    planner,
				ReplanProb: o.replan,
				Budget:     world.FixedBudget{},
				Noise:      o.noise,
			},
		},
		Env: world.DeterministicEnv{Domain: g, Start: g.StartState()},
		Obs: o.obs,
	})
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return m
}

// towardB is the noiseless position stream of an agent walking from the
// start straight to goal B and waiting there.
func towardB(steps int) []obs.Batch {
	out := make([]obs.Batch, steps+1)
	for t := range out {
		out[t] = obs.Batch{
			"x": domain.Numeric(float64(min(t, 6))),
			"y": domain.Numeric(2),
		}
	}
	return out
}

func quietConfig(n int) Config {
	return Config{
		N:        n,
		Seed:     7,
		Workers:  1,
		Stratify: true,
		Gate:     gate.GateConfig{Resample: gate.ResampleNever},
		Scheme:   Systematic,
	}
}

func newEngine(t *testing.T, m *world.Model, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(m, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustInit(t *testing.T, e *Engine, b obs.Batch) Report {
	t.Helper()
	rep, err := e.Init(context.Background(), b)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return rep
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func goalCounts(s Snapshot) map[domain.Goal]int {
	out := map[domain.Goal]int{}
	for _, p := range s.Particles {
		out[p.Trace.Goal()]++
	}
	return out
}
