package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/goal-inference/internal/config"
	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/eval"
	"github.com/danielpatrickdp/goal-inference/internal/logging"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/publish"
	"github.com/danielpatrickdp/goal-inference/internal/replay"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
	"github.com/danielpatrickdp/goal-inference/internal/state"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

var (
	runFixture   string
	runGoal      string
	runSteps     int
	runSeed      uint64
	runNoiseless bool
	runVerbose   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Infer the goal of an observed agent",
	Long: `Infer the goal of an observed agent.

Without --fixture an agent is simulated from the configured model and its
noisy observations are fed to the engine. With --fixture the recorded
observations are replayed with the fixture's embedded config and its
expectations are checked.

Steps are persisted when a store is configured (store.db or SIPS_DB) and
published to NATS when publish.nats_url is set.

Examples:
  sips run --goal B --steps 12
  sips run -c configs/negbin.yaml --seed 7 -v
  sips run --fixture fixtures/walk_to_b.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runInference(ctx)
	},
}

func init() {
	runCmd.Flags().StringVar(&runFixture, "fixture", "", "replay a fixture JSON instead of simulating")
	runCmd.Flags().StringVar(&runGoal, "goal", "", "goal of the simulated agent (drawn from the prior when empty)")
	runCmd.Flags().IntVar(&runSteps, "steps", 10, "number of simulated steps")
	runCmd.Flags().Uint64Var(&runSeed, "seed", uint64(time.Now().UnixNano()), "seed of the simulated agent")
	runCmd.Flags().BoolVar(&runNoiseless, "noiseless", false, "observe exact feature values")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log every step")
}

// #region run
func runInference(ctx context.Context) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var fixture *replay.Fixture
	if runFixture != "" {
		fixture, err = replay.LoadFixture(runFixture)
		if err != nil {
			return err
		}
		fixed, err := fixture.ToRunConfig()
		if err != nil {
			return err
		}
		// the fixture decides the model; deployment settings stay ours
		fixed.Store, fixed.Publish, fixed.Planner, fixed.Logging = cfg.Store, cfg.Publish, cfg.Planner, cfg.Logging
		cfg = fixed
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	g, err := cfg.Grid()
	if err != nil {
		return err
	}
	planner, closePlanner, err := buildPlanner(ctx, cfg, g, log)
	if err != nil {
		return err
	}
	defer closePlanner()
	m, err := cfg.Model(g, planner)
	if err != nil {
		return err
	}

	var observations []smc.Observation
	var expected []replay.FixtureExpectedResult
	trueGoal := ""
	if fixture != nil {
		observations, err = fixture.ToObservations()
		if err != nil {
			return err
		}
		expected = fixture.ExpectedResults
		trueGoal = fixture.TrueGoal
	} else {
		var truth *world.Trace
		observations, truth, err = simulate(ctx, cfg, m)
		if err != nil {
			return err
		}
		trueGoal = string(truth.Goal())
		log.Debug("simulated agent", zap.String("goal", trueGoal), zap.Int("steps", truth.T()))
	}

	var callbacks []smc.Callback
	if runVerbose {
		callbacks = append(callbacks, logging.StepLogger{Log: log})
	}

	runID := ""
	if cfg.Store.DB != "" {
		var store *state.Store
		if store, err = state.NewStore(cfg.Store.DB); err != nil {
			return err
		}
		defer store.Close()
		var run state.RunRecord
		if run, err = store.CreateRun(cfg.Description, cfg.JSON(), logging.GoalNames(m.Goals())); err != nil {
			return err
		}
		runID = run.RunID
		defer func() {
			status := state.StatusFinished
			if err != nil {
				status = state.StatusFailed
			}
			if ferr := store.FinishRun(runID, status); ferr != nil {
				log.Warn("finish run", zap.Error(ferr))
			}
		}()
		h := eval.NewEvalHarness(cfg.Eval)
		callbacks = append(callbacks, logging.StepRecorder{
			Store:           store,
			RunID:           runID,
			Eval:            h,
			CheckpointEvery: cfg.Store.CheckpointEvery,
		})
		log.Info("recording run", zap.String("run_id", runID), zap.String("db", cfg.Store.DB))
	}

	if cfg.Publish.NATSURL != "" {
		nc, err := publish.Connect(cfg.Publish.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		callbacks = append(callbacks, publish.New(nc, cfg.Publish.Subject, runID))
		log.Info("publishing steps", zap.String("subject", cfg.Publish.Subject))
	}

	results, err := replay.Replay(ctx, observations, expected, replay.ReplayConfig{
		Model:     m,
		Engine:    cfg.EngineConfig(),
		Eval:      cfg.Eval,
		Log:       log,
		Callbacks: callbacks,
	})
	printResults(results, m.Goals(), trueGoal)
	if err != nil {
		return err
	}

	sum := replay.Summarize(results)
	if sum.Failed > 0 || sum.EvalFailed > 0 {
		return errors.New("replay had failing steps")
	}
	return nil
}

func simulate(ctx context.Context, cfg *config.Run, m *world.Model) ([]smc.Observation, *world.Trace, error) {
	var forced *domain.Goal
	if runGoal != "" {
		goal := domain.Goal(runGoal)
		forced = &goal
	}
	rng := rand.New(rand.NewPCG(runSeed, runSeed^0x9e3779b97f4a7c15))
	truth, err := m.Simulate(ctx, rng, forced, runSteps)
	if err != nil {
		return nil, nil, fmt.Errorf("simulate: %w", err)
	}
	full, err := m.Observations(truth, runNoiseless)
	if err != nil {
		return nil, nil, err
	}
	batches, err := obs.Split(full, cfg.Batch)
	if err != nil {
		return nil, nil, err
	}
	out := make([]smc.Observation, len(batches))
	for t, b := range batches {
		out[t] = smc.Observation{T: t, Batch: b}
	}
	return out, truth, nil
}

// #endregion run

// #region output
func printResults(results []replay.ReplayResult, goals []domain.Goal, trueGoal string) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := []string{"T"}
	for _, g := range goals {
		name := string(g)
		if name == trueGoal {
			name += "*"
		}
		header = append(header, name)
	}
	header = append(header, "ESS", "UNIQUE", "RESAMPLE", "ACCEPT", "RESULT")
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, r := range results {
		row := []string{fmt.Sprintf("%d", r.T)}
		for _, g := range goals {
			row = append(row, fmt.Sprintf("%.3f", r.Report.Marginals[g]))
		}
		accept := "-"
		if r.Report.Proposed > 0 {
			accept = fmt.Sprintf("%d/%d", r.Report.Accepted, r.Report.Proposed)
		}
		row = append(row,
			fmt.Sprintf("%.1f", r.Report.ESS),
			fmt.Sprintf("%d", r.Report.Unique),
			r.Report.Resample.Action,
			accept,
			r.Action,
		)
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()

	sum := replay.Summarize(results)
	fmt.Printf("\nMAP goal %s (p=%.3f), log evidence %.3f\n", sum.FinalMAP, sum.FinalProb, sum.LogEvidence)
	if trueGoal != "" {
		fmt.Printf("True goal %s\n", trueGoal)
	}
	fmt.Printf("%d steps: %d pass, %d fail, %d eval_fail, %d unchecked\n",
		sum.TotalSteps, sum.Passed, sum.Failed, sum.EvalFailed, sum.Unchecked)
}

// #endregion output
