package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/replay"
)

// #region main

func main() {
	cfgPath := flag.String("config", "", "run config YAML (defaults when empty)")
	goal := flag.String("goal", "", "true goal of the simulated agent (drawn from the prior when empty)")
	steps := flag.Int("steps", 10, "number of simulated steps after t=0")
	seed := flag.Uint64("seed", 1, "simulation seed")
	noiseless := flag.Bool("noiseless", false, "export ground-truth features instead of noisy observations")
	minProb := flag.Float64("expect", 0, "expect P(true goal) >= this at the last step (0 for no expectation)")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *outPath == "" || *steps < 0 {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --out path/to/fixture.json [--config run.yaml] [--goal G] [--steps N] [--seed S] [--noiseless] [--expect P]")
		os.Exit(2)
	}

	if err := run(*cfgPath, *goal, *steps, *seed, *noiseless, *minProb, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(cfgPath, goalName string, steps int, seed uint64, noiseless bool, minProb float64, outPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	g, err := cfg.Grid()
	if err != nil {
		return err
	}
	m, err := cfg.Model(g, nil)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}

	var forced *domain.Goal
	if goalName != "" {
		goal := domain.Goal(goalName)
		forced = &goal
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	tr, err := m.Simulate(context.Background(), rng, forced, steps)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	full, err := m.Observations(tr, noiseless)
	if err != nil {
		return fmt.Errorf("observations: %w", err)
	}
	batches, err := obs.Split(full, cfg.Batch)
	if err != nil {
		return err
	}

	f := &replay.Fixture{
		Description: fmt.Sprintf("simulated agent toward %s, %d steps, seed %d", tr.Goal(), steps, seed),
		Config:      []byte(cfg.JSON()),
		TrueGoal:    string(tr.Goal()),
	}
	for _, a := range tr.Actions() {
		f.Actions = append(f.Actions, string(a))
	}
	for t, b := range batches {
		// the last step is always exported so expectations have a time to bind to
		if len(b) == 0 && t != len(batches)-1 {
			continue
		}
		f.Observations = append(f.Observations, replay.FromBatch(t, b))
	}
	if minProb > 0 {
		f.ExpectedResults = append(f.ExpectedResults, replay.FixtureExpectedResult{
			T:       tr.T(),
			Goal:    string(tr.Goal()),
			MinProb: minProb,
		})
	}

	if err := f.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("Exported %d observations over %d steps to %s\n", len(f.Observations), tr.T(), outPath)
	fmt.Printf("  goal=%s actions=%v\n", f.TrueGoal, f.Actions)
	return nil
}

// #endregion export
