package world

import (
	"errors"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
	"github.com/danielpatrickdp/goal-inference/internal/obs"
)

// #region errors
// ErrModelConfiguration marks a malformed world configuration. It is returned
// by New and never recovered.
var ErrModelConfiguration = errors.New("model configuration")

// #endregion errors

// #region policy-state
// PolicyMode is the replanning state machine's mode.
type PolicyMode int

const (
	// AwaitingReplan forces a planner call on the next step.
	AwaitingReplan PolicyMode = iota
	// Planning follows the current plan.
	Planning
)

func (m PolicyMode) String() string {
	if m == Planning {
		return "planning"
	}
	return "awaiting_replan"
}

// PolicyState is the latent plan state of the agent.
type PolicyState struct {
	Mode      PolicyMode
	Plan      domain.Plan // shared, never modified
	Next      int         // index of the next plan action
	Goal      domain.Goal // goal the plan was made for
	Budget    int         // search budget of the last planner call
	Replanned bool        // a planner call happened at this step
	// ReplanLogProb is the log-probability of the decision to call the
	// planner at this step: 0 when the replan was mandatory.
	ReplanLogProb float64
}

// Exhausted reports whether every plan action has been taken.
func (p PolicyState) Exhausted() bool {
	return p.Next >= len(p.Plan)
}

// #endregion policy-state

// #region world-state
// AgentState groups the agent's latent variables at one time step.
type AgentState struct {
	Belief domain.State
	Goal   domain.Goal
	Policy PolicyState
	Action domain.Action
}

// WorldState is the full latent + observation state at one time step.
type WorldState struct {
	Agent AgentState
	Env   domain.State
	Obs   obs.Batch // observation node: constrained values plus sampled ones
}

// Record is one step of a trace with its cached density contributions.
type Record struct {
	T        int
	State    WorldState
	Observed obs.Batch // the constrained subset of State.Obs
	LogPrior float64   // log density of the latent random choices made at T
	LogLik   float64   // log-likelihood of Observed
}

// #endregion world-state
