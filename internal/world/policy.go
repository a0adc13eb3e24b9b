package world

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// #region budget
// BudgetDist draws planner search budgets. A budget <= 0 means unlimited.
type BudgetDist interface {
	Sample(rng *rand.Rand) int
	LogProb(n int) float64
}

// FixedBudget always returns N.
type FixedBudget struct {
	N int
}

// Sample implements BudgetDist.
func (b FixedBudget) Sample(_ *rand.Rand) int { return b.N }

// LogProb implements BudgetDist.
func (b FixedBudget) LogProb(n int) float64 {
	if n == b.N {
		return 0
	}
	return math.Inf(-1)
}

// NegBinomialBudget is Shift plus the number of failures before R successes
// with success probability P.
type NegBinomialBudget struct {
	R     int
	P     float64
	Shift int
}

// Sample implements BudgetDist as a sum of R geometric draws.
func (b NegBinomialBudget) Sample(rng *rand.Rand) int {
	if b.P >= 1 {
		return b.Shift
	}
	k := 0
	logq := math.Log1p(-b.P)
	for i := 0; i < b.R; i++ {
		u := 1 - rng.Float64() // (0, 1]
		k += int(math.Floor(math.Log(u) / logq))
	}
	return b.Shift + k
}

// LogProb implements BudgetDist.
func (b NegBinomialBudget) LogProb(n int) float64 {
	k := n - b.Shift
	if k < 0 {
		return math.Inf(-1)
	}
	if b.P >= 1 {
		if k == 0 {
			return 0
		}
		return math.Inf(-1)
	}
	r := float64(b.R)
	kf := float64(k)
	lgKR, _ := math.Lgamma(kf + r)
	lgK1, _ := math.Lgamma(kf + 1)
	lgR, _ := math.Lgamma(r)
	return lgKR - lgK1 - lgR + r*math.Log(b.P) + kf*math.Log1p(-b.P)
}

// #endregion budget

// #region replan-policy
// ReplanPolicy follows plans from the Planner, replanning with probability
// ReplanProb each step and whenever the plan runs out, stops being
// applicable, or was made for a different goal. With probability Noise the
// chosen action is swapped for a uniformly drawn other legal action.
type ReplanPolicy struct {
	Domain     domain.Domain
	Planner    domain.Planner
	ReplanProb float64
	Budget     BudgetDist
	Noise      float64
}

func (p ReplanPolicy) validate() error {
	if p.Domain == nil || p.Planner == nil {
		return errors.New("replan policy needs a domain and a planner")
	}
	if p.ReplanProb < 0 || p.ReplanProb > 1 {
		return fmt.Errorf("replan probability %g outside [0,1]", p.ReplanProb)
	}
	if p.Noise < 0 || p.Noise > 1 {
		return fmt.Errorf("action noise %g outside [0,1]", p.Noise)
	}
	if p.Budget == nil {
		return errors.New("replan policy needs a budget distribution")
	}
	if nb, ok := p.Budget.(NegBinomialBudget); ok && (nb.R < 1 || nb.P <= 0 || nb.P > 1) {
		return fmt.Errorf("negative binomial budget needs r >= 1 and p in (0,1], got r=%d p=%g", nb.R, nb.P)
	}
	return nil
}

// Init starts in AwaitingReplan so the first step calls the planner.
func (p ReplanPolicy) Init(goal domain.Goal, _ domain.State) PolicyState {
	return PolicyState{Mode: AwaitingReplan, Goal: goal}
}

// Step implements PolicyConfig. ErrNoPlan from the planner yields a NoOp
// action and AwaitingReplan; any other planner error is returned.
func (p ReplanPolicy) Step(ctx context.Context, _ int, prev PolicyState, belief domain.State, goal domain.Goal, rng *rand.Rand, force bool) (PolicyState, domain.Action, float64, error) {
	var logp float64

	mustReplan := prev.Mode == AwaitingReplan ||
		prev.Goal != goal ||
		prev.Exhausted() ||
		!p.Domain.Available(belief, prev.Plan[prev.Next])

	replan := mustReplan
	var coin float64
	if !mustReplan {
		switch {
		case force, rng.Float64() < p.ReplanProb:
			replan = true
			coin = math.Log(p.ReplanProb)
		default:
			coin = math.Log1p(-p.ReplanProb)
		}
	}
	logp += coin

	next := prev
	next.Replanned = false
	var act domain.Action

	if replan {
		budget := p.Budget.Sample(rng)
		logp += p.Budget.LogProb(budget)
		plan, err := p.Planner.Plan(ctx, belief, goal, budget)
		switch {
		case errors.Is(err, domain.ErrNoPlan):
			next = PolicyState{Mode: AwaitingReplan, Goal: goal, Budget: budget, Replanned: true, ReplanLogProb: coin}
		case err != nil:
			return PolicyState{}, "", 0, fmt.Errorf("plan for %s: %w", goal, err)
		default:
			next = PolicyState{Mode: Planning, Plan: plan, Goal: goal, Budget: budget, Replanned: true, ReplanLogProb: coin}
		}
	}

	if next.Mode == Planning && !next.Exhausted() {
		act = next.Plan[next.Next]
		next.Next++
	} else {
		act = domain.NoOp
	}

	act, lpNoise := p.perturb(act, belief, rng)
	return next, act, logp + lpNoise, nil
}

func (p ReplanPolicy) perturb(act domain.Action, belief domain.State, rng *rand.Rand) (domain.Action, float64) {
	if p.Noise <= 0 {
		return act, 0
	}
	var alts []domain.Action
	for _, a := range p.Domain.Actions(belief) {
		if a != act {
			alts = append(alts, a)
		}
	}
	if len(alts) == 0 {
		return act, 0
	}
	if rng.Float64() < p.Noise {
		return alts[rng.IntN(len(alts))], math.Log(p.Noise) - math.Log(float64(len(alts)))
	}
	return act, math.Log1p(-p.Noise)
}

// #endregion replan-policy
