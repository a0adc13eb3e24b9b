package gridworld

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// #region actions
const (
	Up    domain.Action = "up"
	Down  domain.Action = "down"
	Left  domain.Action = "left"
	Right domain.Action = "right"
)

// moveOrder fixes the expansion order so that plans are deterministic.
var moveOrder = []domain.Action{Up, Down, Left, Right}

var deltas = map[domain.Action]Cell{
	Up:    {0, -1},
	Down:  {0, 1},
	Left:  {-1, 0},
	Right: {1, 0},
}

// #endregion actions

// #region grid
// Cell is a grid coordinate; y grows downward.
type Cell struct {
	X, Y int
}

func (c Cell) add(o Cell) Cell { return Cell{c.X + o.X, c.Y + o.Y} }

// Grid is an immutable navigation domain with walls and lettered goal cells.
type Grid struct {
	Width, Height int
	Start         Cell

	walls     map[Cell]bool
	goals     []domain.Goal
	goalCells map[domain.Goal]Cell
}

// Parse reads a layout where '.' is floor, '#' a wall, '@' the start cell and
// an upper-case letter a goal cell named by that letter.
func Parse(layout string) (*Grid, error) {
	var rows []string
	for _, line := range strings.Split(layout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			rows = append(rows, line)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("parse grid: empty layout")
	}

	g := &Grid{
		Width:     len(rows[0]),
		Height:    len(rows),
		walls:     make(map[Cell]bool),
		goalCells: make(map[domain.Goal]Cell),
	}
	startSeen := false
	for y, row := range rows {
		if len(row) != g.Width {
			return nil, fmt.Errorf("parse grid: row %d has width %d, want %d", y, len(row), g.Width)
		}
		for x, ch := range row {
			c := Cell{x, y}
			switch {
			case ch == '.':
			case ch == '#':
				g.walls[c] = true
			case ch == '@':
				if startSeen {
					return nil, fmt.Errorf("parse grid: duplicate start at %d,%d", x, y)
				}
				g.Start = c
				startSeen = true
			case ch >= 'A' && ch <= 'Z':
				name := domain.Goal(string(ch))
				if _, dup := g.goalCells[name]; dup {
					return nil, fmt.Errorf("parse grid: duplicate goal %s", name)
				}
				g.goalCells[name] = c
			default:
				return nil, fmt.Errorf("parse grid: unknown cell %q at %d,%d", ch, x, y)
			}
		}
	}
	if !startSeen {
		return nil, fmt.Errorf("parse grid: no start cell")
	}
	for name := range g.goalCells {
		g.goals = append(g.goals, name)
	}
	sort.Slice(g.goals, func(i, j int) bool { return g.goals[i] < g.goals[j] })
	return g, nil
}

// MustParse is Parse for static layouts; it panics on error.
func MustParse(layout string) *Grid {
	g, err := Parse(layout)
	if err != nil {
		panic(err)
	}
	return g
}

// Goals returns the goal names in lexical order.
func (g *Grid) Goals() []domain.Goal {
	out := make([]domain.Goal, len(g.goals))
	copy(out, g.goals)
	return out
}

// GoalCell returns the cell for a goal name.
func (g *Grid) GoalCell(goal domain.Goal) (Cell, bool) {
	c, ok := g.goalCells[goal]
	return c, ok
}

// Features lists every observable feature: x, y and one at_<goal> predicate per goal.
func (g *Grid) Features() []string {
	out := []string{"x", "y"}
	for _, goal := range g.goals {
		out = append(out, atFeature(goal))
	}
	return out
}

func (g *Grid) free(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < g.Width && c.Y < g.Height && !g.walls[c]
}

// #endregion grid

// #region state
// State is the agent position within a grid.
type State struct {
	grid *Grid
	Pos  Cell
}

// StartState returns the state at the layout's start cell.
func (g *Grid) StartState() State {
	return State{grid: g, Pos: g.Start}
}

// StateAt returns the state at an arbitrary cell.
func (g *Grid) StateAt(c Cell) State {
	return State{grid: g, Pos: c}
}

// Key implements domain.State.
func (s State) Key() string {
	return fmt.Sprintf("%d,%d", s.Pos.X, s.Pos.Y)
}

// Feature implements domain.State.
func (s State) Feature(name string) (domain.Value, bool) {
	switch name {
	case "x":
		return domain.Numeric(float64(s.Pos.X)), true
	case "y":
		return domain.Numeric(float64(s.Pos.Y)), true
	}
	if goal, ok := strings.CutPrefix(name, "at_"); ok && s.grid != nil {
		c, known := s.grid.goalCells[domain.Goal(goal)]
		if !known {
			return domain.Value{}, false
		}
		return domain.Bool(c == s.Pos), true
	}
	return domain.Value{}, false
}

func atFeature(goal domain.Goal) string { return "at_" + string(goal) }

// #endregion state

// #region transitions
func (g *Grid) cast(s domain.State) (State, error) {
	st, ok := s.(State)
	if !ok {
		return State{}, fmt.Errorf("gridworld: unexpected state type %T", s)
	}
	return st, nil
}

// Available implements domain.Domain.
func (g *Grid) Available(s domain.State, a domain.Action) bool {
	st, err := g.cast(s)
	if err != nil {
		return false
	}
	if a == domain.NoOp {
		return true
	}
	d, ok := deltas[a]
	if !ok {
		return false
	}
	return g.free(st.Pos.add(d))
}

// Transition implements domain.Domain.
func (g *Grid) Transition(s domain.State, a domain.Action) (domain.State, error) {
	st, err := g.cast(s)
	if err != nil {
		return nil, err
	}
	if !g.Available(st, a) {
		return nil, fmt.Errorf("%s at %s: %w", a, st.Key(), domain.ErrInapplicable)
	}
	if a == domain.NoOp {
		return st, nil
	}
	return State{grid: g, Pos: st.Pos.add(deltas[a])}, nil
}

// Actions implements domain.Domain. NoOp is always listed last.
func (g *Grid) Actions(s domain.State) []domain.Action {
	var out []domain.Action
	for _, a := range moveOrder {
		if g.Available(s, a) {
			out = append(out, a)
		}
	}
	return append(out, domain.NoOp)
}

// #endregion transitions
