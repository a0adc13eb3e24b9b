package smc

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/goal-inference/internal/world"
)

// #region kernel
// Proposal is a candidate trace with its Metropolis-Hastings log acceptance
// ratio.
type Proposal struct {
	Trace    *world.Trace
	LogRatio float64
}

// Kernel proposes a rejuvenation move for one particle. The engine accepts
// with probability min(1, exp(LogRatio)). Particle weights are left as they
// are, so a kernel must leave the posterior invariant.
type Kernel interface {
	Propose(ctx context.Context, m *world.Model, tr *world.Trace, rng *rand.Rand) (Proposal, error)
}

// IdentityKernel always proposes the current trace.
type IdentityKernel struct{}

// Propose implements Kernel.
func (IdentityKernel) Propose(_ context.Context, _ *world.Model, tr *world.Trace, _ *rand.Rand) (Proposal, error) {
	return Proposal{Trace: tr}, nil
}

// #endregion kernel

// #region replan-kernel
// ReplanKernel picks one step s uniformly among the steps in the last Window
// at which the agent called its planner, and regenerates the trace from s by
// forward simulation with a fresh planner call forced at s. Observations are
// kept. Because everything after the forced replan is drawn from the model,
// the acceptance ratio reduces to the likelihood ratio, the ratio of the
// replan decision probabilities at s and the ratio of replan-step counts
// that the uniform choice of s introduces in each direction.
type ReplanKernel struct {
	Window int // 0 means the whole trace
}

// Propose implements Kernel.
func (k ReplanKernel) Propose(ctx context.Context, m *world.Model, tr *world.Trace, rng *rand.Rand) (Proposal, error) {
	lo := k.windowStart(tr.T())
	forward := replanSteps(tr, lo)
	if len(forward) == 0 {
		return Proposal{Trace: tr}, nil
	}
	s := forward[rng.IntN(len(forward))]

	next, err := m.Resimulate(ctx, tr, s, rng, true)
	if err != nil {
		return Proposal{}, err
	}
	backward := replanSteps(next, lo)

	oldRec, _ := tr.At(s)
	newRec, _ := next.At(s)
	ratio := logLikFrom(next, s) - logLikFrom(tr, s) +
		newRec.State.Agent.Policy.ReplanLogProb - oldRec.State.Agent.Policy.ReplanLogProb +
		math.Log(float64(len(forward))) - math.Log(float64(len(backward)))
	if math.IsNaN(ratio) {
		ratio = math.Inf(-1)
	}
	return Proposal{Trace: next, LogRatio: ratio}, nil
}

func (k ReplanKernel) windowStart(t int) int {
	if k.Window <= 0 {
		return 1
	}
	return max(1, t-k.Window+1)
}

// replanSteps lists the steps in [lo, T] at which the planner was called.
func replanSteps(tr *world.Trace, lo int) []int {
	var out []int
	for node := tr; node != nil && node.T() >= lo; node = node.Prefix(node.T() - 1) {
		if node.Last().State.Agent.Policy.Replanned {
			out = append(out, node.T())
		}
	}
	return out
}

func logLikFrom(tr *world.Trace, from int) float64 {
	var total float64
	for node := tr; node != nil && node.T() >= from; node = node.Prefix(node.T() - 1) {
		total += node.Last().LogLik
	}
	return total
}

// #endregion replan-kernel
