package gridworld

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/danielpatrickdp/goal-inference/internal/domain"
)

// #region planner
// Planner is a budgeted A* search over a Grid. It holds no mutable state and
// is safe for concurrent use.
type Planner struct {
	grid *Grid
}

// NewPlanner returns an A* planner for g.
func NewPlanner(g *Grid) *Planner {
	return &Planner{grid: g}
}

// Plan searches for a path to the goal cell. When budget > 0 and the goal is
// not reached within budget node expansions, Plan returns the path to the
// expanded node closest to the goal (a partial plan). ErrNoPlan is returned
// only when the reachable region is exhausted without finding the goal.
func (p *Planner) Plan(ctx context.Context, s domain.State, g domain.Goal, budget int) (domain.Plan, error) {
	st, err := p.grid.cast(s)
	if err != nil {
		return nil, err
	}
	target, ok := p.grid.goalCells[g]
	if !ok {
		return nil, fmt.Errorf("gridworld: unknown goal %q", g)
	}

	start := st.Pos
	cameFrom := map[Cell]cameStep{}
	gScore := map[Cell]int{start: 0}
	closed := map[Cell]bool{}

	open := &nodeHeap{}
	seq := 0
	heap.Push(open, node{cell: start, g: 0, h: manhattan(start, target), seq: seq})

	best := node{cell: start, g: 0, h: manhattan(start, target)}
	expansions := 0

	for open.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := heap.Pop(open).(node)
		if closed[cur.cell] {
			continue
		}
		if cur.cell == target {
			return reconstruct(cameFrom, start, cur.cell), nil
		}
		if cur.h < best.h || (cur.h == best.h && cur.g < best.g) {
			best = cur
		}
		if budget > 0 && expansions >= budget {
			return reconstruct(cameFrom, start, best.cell), nil
		}
		closed[cur.cell] = true
		expansions++

		for _, a := range moveOrder {
			next := cur.cell.add(deltas[a])
			if !p.grid.free(next) || closed[next] {
				continue
			}
			tentative := cur.g + 1
			if old, seen := gScore[next]; seen && tentative >= old {
				continue
			}
			gScore[next] = tentative
			cameFrom[next] = cameStep{prev: cur.cell, action: a}
			seq++
			heap.Push(open, node{cell: next, g: tentative, h: manhattan(next, target), seq: seq})
		}
	}
	return nil, fmt.Errorf("gridworld %s -> %s: %w", st.Key(), g, domain.ErrNoPlan)
}

// #endregion planner

// #region helpers
type cameStep struct {
	prev   Cell
	action domain.Action
}

func reconstruct(cameFrom map[Cell]cameStep, start, end Cell) domain.Plan {
	var rev []domain.Action
	for c := end; c != start; {
		step := cameFrom[c]
		rev = append(rev, step.action)
		c = step.prev
	}
	plan := make(domain.Plan, len(rev))
	for i, a := range rev {
		plan[len(rev)-1-i] = a
	}
	return plan
}

func manhattan(a, b Cell) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

type node struct {
	cell Cell
	g, h int
	seq  int
}

// nodeHeap orders by f = g+h, then h, then insertion order.
type nodeHeap []node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	fi, fj := h[i].g+h[i].h, h[j].g+h[j].h
	if fi != fj {
		return fi < fj
	}
	if h[i].h != h[j].h {
		return h[i].h < h[j].h
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// #endregion helpers
