package smc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
	"github.com/danielpatrickdp/goal-inference/internal/update"
	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region engine
// Observation is one batch of observed feature values at time T.
type Observation struct {
	T     int
	Batch obs.Batch
}

// Engine runs Sequential Inverse Plan Search over a world model. It is not
// safe for concurrent use; parallelism happens inside a step.
type Engine struct {
	model     *world.Model
	cfg       Config
	strata    []domain.Goal
	gate      *gate.Gate
	kernel    Kernel
	callbacks []Callback
	log       *zap.Logger

	particles   []Particle
	weights     []float64
	t           int
	initialized bool
	last        Report
}

// New validates cfg against the model and returns an uninitialized engine.
func New(m *world.Model, cfg Config, opts ...Option) (*Engine, error) {
	if m == nil {
		return nil, errors.New("nil world model")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = Systematic
	}
	if cfg.Gate.Resample == "" {
		cfg.Gate.Resample = gate.ResampleESS
	}
	strata, err := cfg.validate(m)
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	e := &Engine{
		model:  m,
		cfg:    cfg,
		strata: strata,
		gate:   gate.NewGate(cfg.Gate),
		kernel: ReplanKernel{Window: cfg.Window},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// T is the time of the latest consumed observation.
func (e *Engine) T() int { return e.t }

// #endregion engine

// #region init
// Init draws the t=0 population, constrained to batch. With stratification
// each stratum's goal is forced and weights are corrected by
// log p(g) - log(n_k/N) so the population still targets the prior.
func (e *Engine) Init(ctx context.Context, batch obs.Batch) (Report, error) {
	n := e.cfg.N
	forced := make([]*domain.Goal, n)
	base := make([]float64, n)
	if e.cfg.Stratify {
		sizes, err := Partition(n, len(e.strata))
		if err != nil {
			return Report{}, err
		}
		i := 0
		for k, size := range sizes {
			g := e.strata[k]
			w := e.model.GoalPrior(g) - math.Log(float64(size)/float64(n))
			for j := 0; j < size; j++ {
				forced[i] = &g
				base[i] = w
				i++
			}
		}
	}

	particles := make([]Particle, n)
	incr := make([]float64, n)
	err := e.forEach(ctx, n, func(ctx context.Context, i int) error {
		rng := particleRNG(e.cfg.Seed, 0, 0, i, streamInit)
		tr, lik, err := e.model.Init(ctx, rng, forced[i], batch)
		if err != nil {
			return fmt.Errorf("particle %d: %w", i, err)
		}
		particles[i] = Particle{Trace: tr, Ancestor: i}
		incr[i] = lik
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	e.initialized = false
	rep, err := e.commit(ctx, 0, particles, base, incr)
	if err != nil {
		return Report{}, err
	}
	e.initialized = true
	return rep, nil
}

// #endregion init

// #region observe
// Observe consumes one observation batch. A batch for the current time adds
// features to the current step; a later time extends every particle through
// any unobserved intermediate steps first.
func (e *Engine) Observe(ctx context.Context, o Observation) (Report, error) {
	if !e.initialized {
		return Report{}, ErrNotInitialized
	}
	if o.T < e.t {
		return Report{}, fmt.Errorf("%w: t=%d after t=%d", ErrOutOfOrder, o.T, e.t)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	n := len(e.particles)
	next := make([]Particle, n)
	incr := make([]float64, n)
	err := e.forEach(ctx, n, func(ctx context.Context, i int) error {
		p := e.particles[i]
		tr := p.Trace
		if o.T == e.t {
			out, lik, err := e.model.Observe(tr, o.Batch)
			if err != nil {
				return fmt.Errorf("particle %d: %w", i, err)
			}
			next[i] = Particle{Trace: out, LogWeight: p.LogWeight, Ancestor: i}
			incr[i] = lik
			return nil
		}
		rng := particleRNG(e.cfg.Seed, o.T, 0, i, streamExtend)
		var lik float64
		for tr.T() < o.T {
			var batch obs.Batch
			if tr.T()+1 == o.T {
				batch = o.Batch
			}
			var err error
			tr, lik, err = e.model.Extend(ctx, tr, rng, batch)
			if err != nil {
				return fmt.Errorf("particle %d: %w", i, err)
			}
		}
		next[i] = Particle{Trace: tr, LogWeight: p.LogWeight, Ancestor: i}
		incr[i] = lik
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	logw := make([]float64, n)
	for i, p := range next {
		logw[i] = p.LogWeight
	}
	return e.commit(ctx, o.T, next, logw, incr)
}

// Step observes batch at the next time step.
func (e *Engine) Step(ctx context.Context, batch obs.Batch) (Report, error) {
	return e.Observe(ctx, Observation{T: e.t + 1, Batch: batch})
}

// Run initializes on batches[0] and steps through the rest.
func (e *Engine) Run(ctx context.Context, batches []obs.Batch) ([]Report, error) {
	if len(batches) == 0 {
		return nil, errors.New("no observations")
	}
	reports := make([]Report, 0, len(batches))
	rep, err := e.Init(ctx, batches[0])
	if err != nil {
		return nil, err
	}
	reports = append(reports, rep)
	for _, b := range batches[1:] {
		rep, err := e.Step(ctx, b)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// #endregion observe

// #region commit
// commit reweights the extended population, then resamples, rejuvenates and
// reports. The engine state is left untouched if the weights degenerate.
func (e *Engine) commit(ctx context.Context, t int, particles []Particle, logw, incr []float64) (Report, error) {
	res := update.Update(logw, incr)
	if res.Degenerate {
		e.log.Error("degenerate weights",
			zap.Int("t", t),
			zap.Int("particles", len(particles)),
			zap.Int("dead", res.Metrics.DeadCount),
		)
		return Report{}, fmt.Errorf("%w at t=%d", ErrDegenerateWeights, t)
	}
	for i := range particles {
		particles[i].LogWeight = res.LogWeights[i]
	}

	round := 0
	if e.initialized && t == e.t {
		round = e.last.Round + 1
	}
	n := len(particles)
	rep := Report{T: t, Round: round, ESS: res.ESS}
	rep.Resample = e.gate.Resample(gate.Stats{T: t, N: n, ESS: res.ESS})
	weights := res.Normalized
	if rep.Resample.Triggered {
		rng := particleRNG(e.cfg.Seed, t, round, 0, streamResample)
		idx, err := Resample(e.cfg.Scheme, weights, n, rng)
		if err != nil {
			return Report{}, err
		}
		particles, weights = reselect(particles, idx, n)
		e.log.Info("resampled",
			zap.Int("t", t),
			zap.Float64("ess", res.ESS),
			zap.String("reason", rep.Resample.Reason),
		)
	}
	rep.Unique = uniqueAncestors(particles)

	e.particles = particles
	e.weights = weights
	e.t = t

	rep.Rejuvenate = e.gate.Rejuvenate(gate.Stats{
		T: t, N: n, ESS: res.ESS, Unique: rep.Unique, Resampled: rep.Resample.Triggered,
	})
	if rep.Rejuvenate.Triggered {
		accepted, err := e.rejuvenate(ctx, round)
		if err != nil {
			return Report{}, err
		}
		rep.Proposed, rep.Accepted = n, accepted
		e.log.Info("rejuvenated",
			zap.Int("t", t),
			zap.Int("accepted", accepted),
			zap.Int("proposed", n),
			zap.String("reason", rep.Rejuvenate.Reason),
		)
	}

	rep.Marginals = Marginals(e.model.Goals(), e.particles, e.weights)
	rep.LogEvidence = e.LogEvidence()
	e.last = rep

	e.log.Debug("step",
		zap.Int("t", t),
		zap.Float64("ess", rep.ESS),
		zap.Float64("log_evidence", rep.LogEvidence),
		zap.Int("unique", rep.Unique),
	)
	e.notify()
	return rep.clone(), nil
}

// reselect copies the chosen ancestors and resets weights to uniform,
// keeping the total weight so the evidence estimate survives.
func reselect(particles []Particle, idx []int, n int) ([]Particle, []float64) {
	logw := make([]float64, len(particles))
	for i, p := range particles {
		logw[i] = p.LogWeight
	}
	eq := update.Equalize(logw, n)
	out := make([]Particle, n)
	for i, a := range idx {
		out[i] = Particle{Trace: particles[a].Trace, LogWeight: eq[i], Ancestor: a}
	}
	weights, _ := update.Normalize(eq)
	return out, weights
}

// rejuvenate applies the kernel to every particle. Weights do not change.
func (e *Engine) rejuvenate(ctx context.Context, round int) (int, error) {
	n := len(e.particles)
	accepted := make([]bool, n)
	traces := make([]*world.Trace, n)
	err := e.forEach(ctx, n, func(ctx context.Context, i int) error {
		tr := e.particles[i].Trace
		traces[i] = tr
		rng := particleRNG(e.cfg.Seed, e.t, round, i, streamRejuvenate)
		prop, err := e.kernel.Propose(ctx, e.model, tr, rng)
		if err != nil {
			return fmt.Errorf("rejuvenate particle %d: %w", i, err)
		}
		if prop.Trace == tr {
			return nil
		}
		if prop.LogRatio >= 0 || math.Log(rng.Float64()) < prop.LogRatio {
			traces[i] = prop.Trace
			accepted[i] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range e.particles {
		e.particles[i].Trace = traces[i]
		if accepted[i] {
			count++
		}
	}
	return count, nil
}

func (e *Engine) notify() {
	for _, cb := range e.callbacks {
		if err := cb.OnStep(e.Snapshot()); err != nil {
			e.log.Warn("step callback failed", zap.Int("t", e.t), zap.Error(err))
		}
	}
}

// forEach runs fn for every particle index, fanning out over Workers.
func (e *Engine) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Workers, 1))
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// #endregion commit

// #region accessors
// GoalMarginals returns the posterior probability of each goal hypothesis.
func (e *Engine) GoalMarginals() map[domain.Goal]float64 {
	return Marginals(e.model.Goals(), e.particles, e.weights)
}

// Weights returns a copy of the normalized weights.
func (e *Engine) Weights() []float64 { return slices.Clone(e.weights) }

// LogWeights returns a copy of the unnormalized log weights.
func (e *Engine) LogWeights() []float64 {
	out := make([]float64, len(e.particles))
	for i, p := range e.particles {
		out[i] = p.LogWeight
	}
	return out
}

// ESS of the current weights.
func (e *Engine) ESS() float64 { return update.ESS(e.LogWeights()) }

// LogEvidence estimates log p(observations so far).
func (e *Engine) LogEvidence() float64 { return update.LogEvidence(e.LogWeights()) }

// Snapshot copies the current population.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Report:    e.last.clone(),
		Goals:     e.model.Goals(),
		Particles: slices.Clone(e.particles),
		Weights:   slices.Clone(e.weights),
	}
}

// Restore rewinds the engine to a snapshot. Stepping forward again replays
// the same random draws.
func (e *Engine) Restore(s Snapshot) error {
	if len(s.Particles) == 0 || len(s.Weights) != len(s.Particles) {
		return errors.New("restore: snapshot has no population")
	}
	e.particles = slices.Clone(s.Particles)
	e.weights = slices.Clone(s.Weights)
	e.t = s.T
	e.cfg.N = len(s.Particles)
	e.last = s.Report.clone()
	e.initialized = true
	return nil
}

// Resize resamples the population to n particles with uniform weights.
func (e *Engine) Resize(ctx context.Context, n int) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if n <= 0 {
		return fmt.Errorf("resize to %d particles", n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.last.Round++
	rng := particleRNG(e.cfg.Seed, e.t, e.last.Round, n, streamResize)
	idx, err := Resample(e.cfg.Scheme, e.weights, n, rng)
	if err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	from := len(e.particles)
	e.particles, e.weights = reselect(e.particles, idx, n)
	e.cfg.N = n
	e.last.Marginals = Marginals(e.model.Goals(), e.particles, e.weights)
	e.last.Unique = uniqueAncestors(e.particles)
	e.log.Info("resized", zap.Int("t", e.t), zap.Int("from", from), zap.Int("to", n))
	return nil
}

// #endregion accessors
