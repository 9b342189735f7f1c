package solver

import (
	"math"
	"time"
)

const (
	integralityTol = 1e-6
	maxNodes       = 1000
)

// Solve optimizes the problem. Pure-continuous problems are a single LP
// solve; problems containing binaries run depth-first branch-and-bound over
// the LP relaxation with best-bound pruning.
func (p *Problem) Solve() (*Solution, error) {
	started := time.Now()

	lo := make([]float64, len(p.vars))
	hi := make([]float64, len(p.vars))
	var bins []int
	for i, v := range p.vars {
		lo[i], hi[i] = v.lo, v.hi
		if v.binary {
			bins = append(bins, i)
		}
	}

	x, _, status := p.solveNode(lo, hi)
	sol := &Solution{Status: status}
	if !status.Accepted() {
		sol.WallTime = time.Since(started)
		return sol, nil
	}

	if len(bins) == 0 || integral(x, bins) {
		sol.x = x[:len(p.vars)]
		sol.Objective = p.trueObjective(sol.x)
		sol.WallTime = time.Since(started)
		return sol, nil
	}

	best, bestStatus := p.branchAndBound(lo, hi, bins)
	sol.Status = bestStatus
	if bestStatus.Accepted() {
		sol.x = best[:len(p.vars)]
		sol.Objective = p.trueObjective(sol.x)
	}
	sol.WallTime = time.Since(started)
	return sol, nil
}

// solveNode lowers and solves one LP node under the given bounds.
func (p *Problem) solveNode(lo, hi []float64) ([]float64, float64, Status) {
	l, err := p.lower(lo, hi)
	if err != nil {
		return nil, 0, StatusError
	}
	return l.solveLP()
}

type bbNode struct {
	lo, hi []float64
}

func (p *Problem) branchAndBound(lo, hi []float64, bins []int) ([]float64, Status) {
	var (
		incumbent    []float64
		incumbentObj = math.Inf(1)
		inaccurate   bool
	)

	stack := []bbNode{{lo: lo, hi: hi}}
	nodes := 0
	for len(stack) > 0 {
		if nodes >= maxNodes {
			if incumbent != nil {
				return incumbent, StatusOptimalInaccurate
			}
			return nil, StatusError
		}
		nodes++
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x, bound, status := p.solveNode(node.lo, node.hi)
		switch status {
		case StatusInfeasible:
			continue
		case StatusOptimalInaccurate:
			inaccurate = true
		case StatusOptimal:
		default:
			continue
		}
		if bound >= incumbentObj {
			continue
		}

		frac := mostFractional(x, bins)
		if frac < 0 {
			obj := p.trueObjective(x)
			if obj < incumbentObj {
				incumbentObj = obj
				incumbent = append([]float64(nil), x...)
			}
			continue
		}

		down := cloneBounds(node)
		down.hi[frac] = 0
		up := cloneBounds(node)
		up.lo[frac] = 1
		// Explore the rounded-up branch first: charging schedules usually
		// want the gate open.
		stack = append(stack, down, up)
	}

	if incumbent == nil {
		return nil, StatusInfeasible
	}
	if inaccurate {
		return incumbent, StatusOptimalInaccurate
	}
	return incumbent, StatusOptimal
}

func cloneBounds(n bbNode) bbNode {
	return bbNode{
		lo: append([]float64(nil), n.lo...),
		hi: append([]float64(nil), n.hi...),
	}
}

func integral(x []float64, bins []int) bool {
	for _, i := range bins {
		if frac := math.Abs(x[i] - math.Round(x[i])); frac > integralityTol {
			return false
		}
	}
	return true
}

// mostFractional picks the binary farthest from integrality, or -1 when the
// point is integral.
func mostFractional(x []float64, bins []int) int {
	best, bestDist := -1, integralityTol
	for _, i := range bins {
		if d := math.Abs(x[i] - math.Round(x[i])); d > bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
