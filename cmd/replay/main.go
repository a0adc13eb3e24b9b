package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/logging"
	"github.com/danielpatrickdp/goal-inference/internal/replay"
	"github.com/danielpatrickdp/goal-inference/internal/state"
)

// #region main

func main() {
	os.Exit(run())
}

func run() int {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	dbPath := flag.String("db", "", "path to a run database to compare against (optional)")
	runID := flag.String("run", "", "run ID in --db recorded from the same fixture")
	tol := flag.Float64("tol", 1e-9, "marginal tolerance when comparing with a stored run")
	verbose := flag.Bool("v", false, "log engine steps")
	flag.Parse()

	if *fixturePath == "" || (*dbPath == "") != (*runID == "") {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json --db sips.db --run <run-id>")
		return 2
	}

	log := zap.NewNop()
	if *verbose {
		l, err := logging.New("debug", "console")
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			return 2
		}
		log = l
	}
	defer log.Sync()

	f, err := replay.LoadFixture(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	results, err := replay.ReplayFixture(context.Background(), f, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	exitCode := printExpectations(f, results)
	if *dbPath != "" {
		if code := compareRun(*dbPath, *runID, results, *tol); code > exitCode {
			exitCode = code
		}
	}
	return exitCode
}

// #endregion main

// #region output

// printExpectations outputs one row per checked expectation and returns the
// exit code: 1 if any check or health eval failed.
func printExpectations(f *replay.Fixture, results []replay.ReplayResult) int {
	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	fmt.Printf("%-6s| %-8s| %-17s| %-9s| %s\n", "T", "Goal", "Expected", "Replayed", "Match")
	fmt.Printf("%-6s+%-9s+%-18s+%-10s+%s\n", "------", "---------", "------------------", "----------", "------")

	for _, r := range results {
		if r.Action == replay.ActionEvalFail {
			fmt.Printf("%-6d| %-8s| %-17s| %-9s| %s\n", r.T, "-", "-", "-", "EVAL: "+r.Reason)
		}
		for _, c := range r.Checks {
			hi := c.Expected.MaxProb
			if hi == 0 {
				hi = 1
			}
			match := "OK"
			if !c.Pass {
				match = "DIFF"
			}
			bounds := fmt.Sprintf("[%.3f,%.3f]", c.Expected.MinProb, hi)
			fmt.Printf("%-6d| %-8s| %-17s| %-9.4f| %s\n", r.T, c.Expected.Goal, bounds, c.Actual, match)
		}
	}

	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d steps, %d pass, %d fail, %d eval fail, %d unchecked\n",
		s.TotalSteps, s.Passed, s.Failed, s.EvalFailed, s.Unchecked)
	fmt.Printf("Final: MAP=%s P=%.4f log evidence=%.4f\n", s.FinalMAP, s.FinalProb, s.LogEvidence)
	if f.TrueGoal != "" {
		fmt.Printf("True goal: %s\n", f.TrueGoal)
	}

	if s.Failed > 0 || s.EvalFailed > 0 {
		return 1
	}
	return 0
}

// compareRun checks the replayed marginals against a stored run step by step.
func compareRun(dbPath, runID string, results []replay.ReplayResult, tol float64) int {
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get run: %v\n", err)
		return 2
	}
	steps, err := store.ListSteps(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list steps: %v\n", err)
		return 2
	}
	stored := make(map[int]state.StepRecord, len(steps))
	for _, s := range steps {
		stored[s.T] = s
	}

	// The stored run keeps the last record of each time; compare against the
	// last replayed result of each time.
	replayed := make(map[int]replay.ReplayResult)
	var order []int
	for _, r := range results {
		if _, seen := replayed[r.T]; !seen {
			order = append(order, r.T)
		}
		replayed[r.T] = r
	}

	fmt.Printf("\nComparing with run %s (%s)\n", run.RunID, run.Status)
	fmt.Printf("%-6s| %-12s| %s\n", "T", "Max diff", "Match")
	fmt.Printf("%-6s+%-13s+%s\n", "------", "-------------", "------")
	diverge := 0
	for _, t := range order {
		rec, ok := stored[t]
		if !ok {
			fmt.Printf("%-6d| %-12s| %s\n", t, "-", "MISSING")
			diverge++
			continue
		}
		var diff float64
		for i, g := range run.Goals {
			var p float64
			if i < len(rec.Marginals) {
				p = rec.Marginals[i]
			}
			diff = math.Max(diff, math.Abs(p-replayed[t].Report.Marginals[domain.Goal(g)]))
		}
		match := "OK"
		if diff > tol {
			match = "DIFF"
			diverge++
		}
		fmt.Printf("%-6d| %-12.3g| %s\n", t, diff, match)
	}
	fmt.Printf("\nSummary: %d steps, %d diverge\n", len(order), diverge)
	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion output
