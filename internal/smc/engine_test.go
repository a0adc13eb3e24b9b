package smc

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/gridworld"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region stratification
func TestPartition(t *testing.T) {
	cases := []struct {
		n, k int
		want []int
	}{
		{9, 3, []int{3, 3, 3}},
		{100, 3, []int{34, 33, 33}},
		{5, 5, []int{1, 1, 1, 1, 1}},
		{7, 2, []int{4, 3}},
	}
	for _, c := range cases {
		got, err := Partition(c.n, c.k)
		if err != nil {
			t.Fatalf("Partition(%d,%d): %v", c.n, c.k, err)
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Fatalf("Partition(%d,%d) mismatch (-want +got):\n%s", c.n, c.k, diff)
		}
	}
	for _, bad := range [][2]int{{3, 4}, {3, 0}} {
		if _, err := Partition(bad[0], bad[1]); !errors.Is(err, ErrStratification) {
			t.Fatalf("Partition(%d,%d): expected ErrStratification, got %v", bad[0], bad[1], err)
		}
	}
}

func TestStratifiedInitCounts(t *testing.T) {
	m := testModel(t, modelOpts{})
	for _, n := range []int{3, 30, 90, 300} {
		e := newEngine(t, m, quietConfig(n))
		mustInit(t, e, nil)
		counts := goalCounts(e.Snapshot())
		for _, g := range m.Goals() {
			if counts[g] != n/3 {
				t.Fatalf("N=%d: goal %s has %d particles, want %d", n, g, counts[g], n/3)
			}
		}
	}
}

func TestStratifiedInitUnevenKeepsPrior(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(100))
	rep := mustInit(t, e, nil)

	counts := goalCounts(e.Snapshot())
	if counts["A"] != 34 || counts["B"] != 33 || counts["C"] != 33 {
		t.Fatalf("unexpected strata sizes %v", counts)
	}
	for g, p := range rep.Marginals {
		if math.Abs(p-1.0/3) > 1e-12 {
			t.Fatalf("goal %s has marginal %v, want 1/3", g, p)
		}
	}
}

func TestStratificationErrors(t *testing.T) {
	m := testModel(t, modelOpts{})

	strict := quietConfig(100)
	strict.RequireEvenStrata = true
	if _, err := New(m, strict); !errors.Is(err, ErrStratification) {
		t.Fatalf("expected ErrStratification for 100/3, got %v", err)
	}

	if _, err := New(m, quietConfig(2)); !errors.Is(err, ErrStratification) {
		t.Fatalf("expected ErrStratification for K>N, got %v", err)
	}

	unknown := quietConfig(10)
	unknown.Strata = []domain.Goal{"A", "Z"}
	if _, err := New(m, unknown); !errors.Is(err, ErrStratification) {
		t.Fatalf("expected ErrStratification for unknown stratum, got %v", err)
	}
}

func TestConfigErrors(t *testing.T) {
	m := testModel(t, modelOpts{})
	bad := []Config{
		{N: 0},
		{N: 10, Scheme: "lottery"},
		{N: 10, Workers: -1},
		{N: 10, Gate: gate.GateConfig{Resample: "sometimes"}},
	}
	for i, cfg := range bad {
		if _, err := New(m, cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

// #endregion stratification

// #region weights
func TestWeightsSumToOne(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.2, noise: 0.1})
	cfg := quietConfig(60)
	cfg.Gate = gate.DefaultGateConfig()
	rec := &Recorder{}
	e := newEngine(t, m, cfg, WithCallback(rec))

	if _, err := e.Run(context.Background(), towardB(8)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.Weights) != 9 {
		t.Fatalf("expected 9 recorded steps, got %d", len(rec.Weights))
	}
	for step, w := range rec.Weights {
		if math.Abs(sum(w)-1) > 1e-9 {
			t.Fatalf("step %d: weights sum to %v", step, sum(w))
		}
	}
}

func TestInitialESSIsN(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(30))
	rep := mustInit(t, e, nil)
	if math.Abs(rep.ESS-30) > 1e-9 || math.Abs(e.ESS()-30) > 1e-9 {
		t.Fatalf("expected ESS 30, got %v / %v", rep.ESS, e.ESS())
	}
}

func TestResampledWeightsExactlyUniform(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.1})
	cfg := quietConfig(33)
	cfg.Gate = gate.GateConfig{Resample: gate.ResampleAlways}
	e := newEngine(t, m, cfg)
	ctx := context.Background()

	batches := towardB(5)
	mustInit(t, e, batches[0])
	for _, b := range batches[1:] {
		rep, err := e.Step(ctx, b)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if !rep.Resample.Triggered {
			t.Fatal("expected resampling every step")
		}
		for i, w := range e.Weights() {
			if w != 1/33.0 {
				t.Fatalf("t=%d: weight %d = %v, want exactly 1/33", rep.T, i, w)
			}
		}
	}
}

func TestMarginalsMatchRecomputation(t *testing.T) {
	goals := []domain.Goal{"A", "B", "C"}
	particle := func(g domain.Goal) Particle {
		return Particle{Trace: world.NewTrace(world.Record{State: world.WorldState{Agent: world.AgentState{Goal: g}}})}
	}
	cases := []struct {
		labels  []domain.Goal
		weights []float64
		want    map[domain.Goal]float64
	}{
		{
			labels:  []domain.Goal{"A", "B", "B", "C"},
			weights: []float64{0.1, 0.2, 0.3, 0.4},
			want:    map[domain.Goal]float64{"A": 0.1, "B": 0.5, "C": 0.4},
		},
		{
			labels:  []domain.Goal{"C", "C"},
			weights: []float64{0.25, 0.75},
			want:    map[domain.Goal]float64{"A": 0, "B": 0, "C": 1},
		},
		{
			labels:  []domain.Goal{"B", "A", "B", "A", "B"},
			weights: []float64{0.2, 0.2, 0.2, 0.2, 0.2},
			want:    map[domain.Goal]float64{"A": 0.4, "B": 0.6, "C": 0},
		},
	}
	for i, c := range cases {
		ps := make([]Particle, len(c.labels))
		for j, g := range c.labels {
			ps[j] = particle(g)
		}
		got := Marginals(goals, ps, c.weights)
		for g, want := range c.want {
			if math.Abs(got[g]-want) > 1e-12 {
				t.Fatalf("case %d: goal %s = %v, want %v", i, g, got[g], want)
			}
		}
	}

	m := testModel(t, modelOpts{replan: 0.1, noise: 0.05})
	e := newEngine(t, m, quietConfig(40))
	if _, err := e.Run(context.Background(), towardB(4)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := e.Snapshot()
	direct := map[domain.Goal]float64{}
	for i, p := range snap.Particles {
		direct[p.Trace.Goal()] += snap.Weights[i]
	}
	for g, p := range e.GoalMarginals() {
		if math.Abs(p-direct[g]) > 1e-12 {
			t.Fatalf("goal %s: engine %v, recomputed %v", g, p, direct[g])
		}
	}
}

func TestMarginalsCappedAtOne(t *testing.T) {
	goals := []domain.Goal{"A", "B"}
	ps := []Particle{
		{Trace: world.NewTrace(world.Record{State: world.WorldState{Agent: world.AgentState{Goal: "B"}}})},
		{Trace: world.NewTrace(world.Record{State: world.WorldState{Agent: world.AgentState{Goal: "B"}}})},
	}
	// each weight is 0.5 plus two ulps, so the plain sum is 1.0000000000000004
	w := math.Nextafter(math.Nextafter(0.5, 1), 1)
	if w+w <= 1 {
		t.Fatalf("test weights should overshoot 1, sum %v", w+w)
	}
	got := Marginals(goals, ps, []float64{w, w})
	if got["B"] != 1 || got["A"] != 0 {
		t.Fatalf("expected B=1 A=0, got %v", got)
	}
}

// #endregion weights

// #region scenarios
func TestEndToEndThreeGoals(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.1, noise: 0.05})
	cfg := Config{
		N:        100,
		Seed:     2024,
		Workers:  4,
		Stratify: true,
		Gate: gate.GateConfig{
			Resample:        gate.ResampleESS,
			ESSFraction:     0.5,
			RejuvenateEvery: 2,
		},
		Scheme: Systematic,
		Window: 3,
	}
	e := newEngine(t, m, cfg)

	reports, err := e.Run(context.Background(), towardB(9))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := reports[len(reports)-1].Marginals
	if final["B"] <= 0.9 {
		t.Fatalf("expected P(B) > 0.9, got %v", final)
	}
	if final["A"]+final["C"] >= 0.1 {
		t.Fatalf("expected P(A)+P(C) < 0.1, got %v", final)
	}
	if reports[2].Proposed != 100 {
		t.Fatalf("expected rejuvenation at t=2, got %+v", reports[2].Rejuvenate)
	}
}

func TestSeedRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := testModel(t, modelOpts{replan: 0.3, noise: 0.1})
	run := func(workers int) *Recorder {
		cfg := quietConfig(45)
		cfg.Workers = workers
		cfg.Gate = gate.GateConfig{Resample: gate.ResampleESS, ESSFraction: 0.6, RejuvenateEvery: 2}
		cfg.Window = 4
		rec := &Recorder{}
		e := newEngine(t, m, cfg, WithCallback(rec))
		if _, err := e.Run(context.Background(), towardB(8)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return rec
	}

	first, second := run(1), run(1)
	if diff := cmp.Diff(first.Weights, second.Weights); diff != "" {
		t.Fatalf("serial runs differ (-first +second):\n%s", diff)
	}
	parallel := run(8)
	if diff := cmp.Diff(first.Weights, parallel.Weights); diff != "" {
		t.Fatalf("parallel run differs from serial (-serial +parallel):\n%s", diff)
	}
	if diff := cmp.Diff(first.Trajectory("B"), parallel.Trajectory("B")); diff != "" {
		t.Fatalf("marginal trajectories differ:\n%s", diff)
	}
}

func TestNoPlanGoalNeverGains(t *testing.T) {
	blockC := func(g *gridworld.Grid) domain.Planner {
		inner := gridworld.NewPlanner(g)
		return domain.PlannerFunc(func(ctx context.Context, s domain.State, goal domain.Goal, budget int) (domain.Plan, error) {
			if goal == "C" {
				return nil, domain.ErrNoPlan
			}
			return inner.Plan(ctx, s, goal, budget)
		})
	}
	m := testModel(t, modelOpts{planner: blockC})
	rec := &Recorder{}
	e := newEngine(t, m, quietConfig(30), WithCallback(rec))

	if _, err := e.Run(context.Background(), towardB(8)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	traj := rec.Trajectory("C")
	for i := 1; i < len(traj); i++ {
		if traj[i] > traj[i-1]+1e-12 {
			t.Fatalf("P(C) rose from %v to %v at t=%d", traj[i-1], traj[i], i)
		}
	}
	if traj[len(traj)-1] >= traj[0] {
		t.Fatalf("P(C) should have dropped, trajectory %v", traj)
	}
	for _, p := range e.Snapshot().Particles {
		if p.Trace.Goal() == "C" && p.Trace.Last().State.Agent.Action != domain.NoOp {
			t.Fatal("agent without a plan should wait")
		}
	}
}

func TestIdentityKernelLeavesPopulation(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.2, noise: 0.1})
	ctx := context.Background()
	e := newEngine(t, m, quietConfig(24), WithKernel(IdentityKernel{}))
	if _, err := e.Run(ctx, towardB(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	before := e.Snapshot()
	accepted, err := e.rejuvenate(ctx, e.last.Round)
	if err != nil {
		t.Fatalf("rejuvenate: %v", err)
	}
	if accepted != 0 {
		t.Fatalf("identity kernel accepted %d moves", accepted)
	}
	after := e.Snapshot()
	for i := range before.Particles {
		if before.Particles[i].Trace != after.Particles[i].Trace {
			t.Fatalf("particle %d trace replaced", i)
		}
	}
	if diff := cmp.Diff(before.Weights, after.Weights); diff != "" {
		t.Fatalf("weights changed:\n%s", diff)
	}
}

func TestIdentityKernelRunMatchesNoRejuvenation(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.2, noise: 0.1})
	run := func(rejuvenate bool) (*Recorder, Snapshot) {
		cfg := quietConfig(24)
		if rejuvenate {
			cfg.Gate.RejuvenateEvery = 1
		}
		rec := &Recorder{}
		e := newEngine(t, m, cfg, WithKernel(IdentityKernel{}), WithCallback(rec))
		if _, err := e.Run(context.Background(), towardB(5)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return rec, e.Snapshot()
	}
	plainRec, plain := run(false)
	idRec, id := run(true)
	if diff := cmp.Diff(plainRec.Weights, idRec.Weights); diff != "" {
		t.Fatalf("weight trajectories differ:\n%s", diff)
	}
	for i := range plain.Particles {
		if diff := cmp.Diff(plain.Particles[i].Trace.Actions(), id.Particles[i].Trace.Actions()); diff != "" {
			t.Fatalf("particle %d actions differ:\n%s", i, diff)
		}
	}
}

// #endregion scenarios

// #region errors
func TestDegenerateWeights(t *testing.T) {
	m := testModel(t, modelOpts{obs: obs.Config{
		"x":    {Kind: obs.Gaussian, Sigma: 0.5},
		"at_B": {Kind: obs.BitFlip, FlipProb: 0},
	}})
	e := newEngine(t, m, quietConfig(12))
	mustInit(t, e, nil)

	_, err := e.Step(context.Background(), obs.Batch{"at_B": domain.Bool(true)})
	if !errors.Is(err, ErrDegenerateWeights) {
		t.Fatalf("expected ErrDegenerateWeights, got %v", err)
	}
	if e.T() != 0 {
		t.Fatalf("failed step should not advance time, t=%d", e.T())
	}
}

func TestOrderingErrors(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9))
	ctx := context.Background()

	if _, err := e.Step(ctx, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	mustInit(t, e, nil)
	if _, err := e.Observe(ctx, Observation{T: 2}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, err := e.Observe(ctx, Observation{T: 1}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9))
	mustInit(t, e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Step(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// #endregion errors

// #region observation-timing
func TestSameStepObservation(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9))
	ctx := context.Background()
	mustInit(t, e, obs.Batch{"x": domain.Numeric(0)})

	rep, err := e.Observe(ctx, Observation{T: 0, Batch: obs.Batch{"y": domain.Numeric(2)}})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if rep.T != 0 {
		t.Fatalf("same-step observation moved time to %d", rep.T)
	}
	for _, p := range e.Snapshot().Particles {
		if len(p.Trace.Last().Observed) != 2 || p.Trace.Len() != 1 {
			t.Fatalf("expected both features on the t=0 record, got %v", p.Trace.Last().Observed)
		}
	}
	if _, err := e.Observe(ctx, Observation{T: 0, Batch: obs.Batch{"x": domain.Numeric(0)}}); err == nil {
		t.Fatal("re-observing x at t=0 should fail")
	}
}

// drawKernel records the first draw of every rejuvenation stream and keeps
// the trace.
type drawKernel struct {
	mu    sync.Mutex
	draws []uint64
}

func (k *drawKernel) Propose(_ context.Context, _ *world.Model, tr *world.Trace, rng *rand.Rand) (Proposal, error) {
	k.mu.Lock()
	k.draws = append(k.draws, rng.Uint64())
	k.mu.Unlock()
	return Proposal{Trace: tr}, nil
}

func (k *drawKernel) take() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := k.draws
	k.draws = nil
	return out
}

func TestSameStepBatchDrawsFreshRandomness(t *testing.T) {
	m := testModel(t, modelOpts{})
	cfg := quietConfig(6)
	cfg.Gate.RejuvenateEvery = 1
	k := &drawKernel{}
	e := newEngine(t, m, cfg, WithKernel(k))
	ctx := context.Background()
	mustInit(t, e, nil)
	k.take()

	first, err := e.Observe(ctx, Observation{T: 1, Batch: obs.Batch{"x": domain.Numeric(1)}})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	firstDraws := k.take()
	second, err := e.Observe(ctx, Observation{T: 1, Batch: obs.Batch{"y": domain.Numeric(2)}})
	if err != nil {
		t.Fatalf("same-step Observe: %v", err)
	}
	secondDraws := k.take()

	if first.Round != 0 || second.Round != 1 {
		t.Fatalf("expected rounds 0 and 1, got %d and %d", first.Round, second.Round)
	}
	if len(firstDraws) != 6 || len(secondDraws) != 6 {
		t.Fatalf("expected one proposal per particle, got %d and %d", len(firstDraws), len(secondDraws))
	}
	for i := range firstDraws {
		if firstDraws[i] == secondDraws[i] {
			t.Fatalf("particle %d reused its rejuvenation stream at the same step", i)
		}
	}

	// a fresh step starts over at round 0
	third, err := e.Observe(ctx, Observation{T: 2, Batch: obs.Batch{"x": domain.Numeric(2)}})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if third.Round != 0 {
		t.Fatalf("expected round 0 at t=2, got %d", third.Round)
	}
}

func TestObserveSkipsAhead(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9))
	mustInit(t, e, nil)

	rep, err := e.Observe(context.Background(), Observation{T: 3, Batch: obs.Batch{"x": domain.Numeric(3), "y": domain.Numeric(2)}})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if rep.T != 3 || e.T() != 3 {
		t.Fatalf("expected t=3, got %d", rep.T)
	}
	for _, p := range e.Snapshot().Particles {
		if p.Trace.T() != 3 || p.Trace.Len() != 4 {
			t.Fatalf("particle trace at T=%d len %d", p.Trace.T(), p.Trace.Len())
		}
		if r, _ := p.Trace.At(2); len(r.Observed) != 0 {
			t.Fatalf("intermediate step should be unobserved, got %v", r.Observed)
		}
	}
}

// #endregion observation-timing

// #region snapshots
func TestRestoreReplaysStep(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.3, noise: 0.1})
	cfg := quietConfig(30)
	cfg.Gate = gate.GateConfig{Resample: gate.ResampleESS, ESSFraction: 0.7, RejuvenateEvery: 1}
	e := newEngine(t, m, cfg)
	ctx := context.Background()
	batches := towardB(4)

	if _, err := e.Run(ctx, batches[:3]); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := e.Snapshot()
	first, err := e.Step(ctx, batches[3])
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	firstWeights := e.Weights()

	if err := e.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if e.T() != 2 {
		t.Fatalf("expected t=2 after restore, got %d", e.T())
	}
	second, err := e.Step(ctx, batches[3])
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if diff := cmp.Diff(firstWeights, e.Weights()); diff != "" {
		t.Fatalf("replayed weights differ:\n%s", diff)
	}
	if diff := cmp.Diff(first.Marginals, second.Marginals); diff != "" {
		t.Fatalf("replayed marginals differ:\n%s", diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9))
	mustInit(t, e, nil)

	snap := e.Snapshot()
	snap.Weights[0] = 42
	snap.Marginals["A"] = 42
	snap.Particles[0].LogWeight = 42
	if e.Weights()[0] == 42 || e.GoalMarginals()["A"] == 42 || e.LogWeights()[0] == 42 {
		t.Fatal("mutating a snapshot changed the engine")
	}
}

func TestResize(t *testing.T) {
	m := testModel(t, modelOpts{replan: 0.1})
	e := newEngine(t, m, quietConfig(30))
	ctx := context.Background()
	if _, err := e.Run(ctx, towardB(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	evidence := e.LogEvidence()

	if err := e.Resize(ctx, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	w := e.Weights()
	if len(w) != 50 || e.Config().N != 50 {
		t.Fatalf("expected 50 particles, got %d", len(w))
	}
	for _, x := range w {
		if x != 1/50.0 {
			t.Fatalf("resized weights should be uniform, got %v", x)
		}
	}
	if math.Abs(e.LogEvidence()-evidence) > 1e-9 {
		t.Fatalf("evidence changed from %v to %v", evidence, e.LogEvidence())
	}
	if _, err := e.Step(ctx, towardB(4)[4]); err != nil {
		t.Fatalf("Step after resize: %v", err)
	}
	if err := e.Resize(ctx, 0); err == nil {
		t.Fatal("resize to zero should fail")
	}
}

func TestCallbackErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := CallbackFunc(func(Snapshot) error { return errors.New("sink down") })

	m := testModel(t, modelOpts{})
	e := newEngine(t, m, quietConfig(9), WithLogger(zap.New(core)), WithCallback(failing))
	mustInit(t, e, nil)
	if _, err := e.Step(context.Background(), nil); err != nil {
		t.Fatalf("callback failure must not fail the step: %v", err)
	}
	if got := logs.FilterMessage("step callback failed").Len(); got != 2 {
		t.Fatalf("expected 2 warnings, got %d", got)
	}
}

// #endregion snapshots
