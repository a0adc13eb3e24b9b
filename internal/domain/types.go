package domain

import (
	"context"
	"errors"
	"fmt"
)

// #region errors
var (
	// ErrNoPlan is returned by a Planner when the goal cannot be reached from the state.
	ErrNoPlan = errors.New("no plan found")

	// ErrInapplicable is returned by Transition when the action is not available in the state.
	ErrInapplicable = errors.New("action inapplicable")
)

// #endregion errors

// #region value
// Kind distinguishes the two observable feature types.
type Kind int

const (
	KindNumeric Kind = iota
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a single observable feature value.
type Value struct {
	Kind Kind    `json:"kind"`
	Num  float64 `json:"num,omitempty"`
	Bool bool    `json:"bool,omitempty"`
}

// Numeric wraps a continuous feature value.
func Numeric(x float64) Value { return Value{Kind: KindNumeric, Num: x} }

// Bool wraps a boolean (grounded predicate) feature value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindBool {
		return v.Bool == o.Bool
	}
	return v.Num == o.Num
}

func (v Value) String() string {
	if v.Kind == KindBool {
		return fmt.Sprintf("%t", v.Bool)
	}
	return fmt.Sprintf("%g", v.Num)
}

// #endregion value

// #region state
// State is an environment state supplied by the domain. Implementations must
// be immutable: the engine shares states between particles.
type State interface {
	// Key identifies the state; equal keys mean equal states.
	Key() string
	// Feature returns the ground-truth value of a named observable feature.
	Feature(name string) (Value, bool)
}

// Action is a domain action name.
type Action string

// NoOp is the action taken when the agent has nothing to do or no plan exists.
const NoOp Action = "noop"

// Goal identifies one discrete goal hypothesis.
type Goal string

// Plan is an ordered action sequence. Plans are shared between traces and
// must not be modified after creation.
type Plan []Action

// #endregion state

// #region collaborators
// Domain is the state-transition collaborator.
type Domain interface {
	// Available reports whether the action can be applied in the state.
	Available(s State, a Action) bool
	// Transition applies the action, returning ErrInapplicable when it cannot.
	Transition(s State, a Action) (State, error)
	// Actions lists the legal actions in the state.
	Actions(s State) []Action
}

// Planner is the planning collaborator. A budget <= 0 means unlimited search.
// Implementations return ErrNoPlan (possibly wrapped) when the goal is unreachable.
type Planner interface {
	Plan(ctx context.Context, s State, g Goal, budget int) (Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, s State, g Goal, budget int) (Plan, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, s State, g Goal, budget int) (Plan, error) {
	return f(ctx, s, g, budget)
}

// #endregion collaborators
