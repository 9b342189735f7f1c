package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// tangentPoints is the number of supporting tangents used when lowering a
// quadratic term to its piecewise-linear epigraph. Tangent cuts
// under-approximate the convex term, so every node LP remains a valid lower
// bound for branch-and-bound pruning.
const tangentPoints = 9

const (
	simplexTol        = 1e-7
	simplexTolRelaxed = 1e-5
)

type lpRow struct {
	coeffs map[VarID]float64
	rhs    float64
}

// lowered is the pure-LP image of a Problem under fixed variable bounds:
// original variables plus one epigraph variable per quadratic/max term.
type lowered struct {
	n      int // total columns
	orig   int // original variables
	cost   []float64
	leq    []lpRow
	eq     []lpRow
	lo, hi []float64
}

// lower builds the LP image of the problem for the given variable bounds.
func (p *Problem) lower(lo, hi []float64) (*lowered, error) {
	l := &lowered{orig: len(p.vars)}
	l.lo = append([]float64(nil), lo...)
	l.hi = append([]float64(nil), hi...)
	cost := make(map[VarID]float64)
	for id, c := range p.linCost.coeffs {
		cost[id] += c
	}

	for _, con := range p.leq {
		l.leq = append(l.leq, lpRow{coeffs: copyCoeffs(con.expr.coeffs), rhs: -con.expr.offset})
	}
	for _, con := range p.eq {
		l.eq = append(l.eq, lpRow{coeffs: copyCoeffs(con.expr.coeffs), rhs: -con.expr.offset})
	}

	newEpigraph := func(ub float64) VarID {
		id := VarID(len(l.lo))
		l.lo = append(l.lo, 0)
		l.hi = append(l.hi, ub)
		return id
	}

	for _, q := range p.quads {
		elo, ehi := p.exprBounds(q.expr, lo, hi)
		if math.IsInf(elo, 0) || math.IsInf(ehi, 0) {
			return nil, fmt.Errorf("quadratic term over unbounded expression")
		}
		ub := math.Max(elo*elo, ehi*ehi)
		t := newEpigraph(ub)
		cost[t] += q.weight
		for _, a := range tangentGrid(elo, ehi) {
			// Supporting tangent at a: t >= 2a*e - a^2.
			row := lpRow{coeffs: copyCoeffs(q.expr.coeffs), rhs: a*a - 2*a*q.expr.offset}
			for id := range row.coeffs {
				row.coeffs[id] *= 2 * a
			}
			row.coeffs[t] -= 1
			l.leq = append(l.leq, row)
		}
	}

	for _, m := range p.maxes {
		ub := 0.0
		for _, e := range m.exprs {
			elo, ehi := p.exprBounds(e, lo, hi)
			ub = math.Max(ub, math.Max(math.Abs(elo), math.Abs(ehi)))
		}
		t := newEpigraph(ub)
		cost[t] += m.weight
		for _, e := range m.exprs {
			pos := lpRow{coeffs: copyCoeffs(e.coeffs), rhs: -e.offset}
			pos.coeffs[t] -= 1
			l.leq = append(l.leq, pos)
			neg := lpRow{coeffs: copyCoeffs(e.coeffs), rhs: e.offset}
			for id := range neg.coeffs {
				neg.coeffs[id] *= -1
			}
			neg.coeffs[t] -= 1
			l.leq = append(l.leq, neg)
		}
	}

	l.n = len(l.lo)
	l.cost = make([]float64, l.n)
	for id, c := range cost {
		l.cost[int(id)] += c
	}
	return l, nil
}

func copyCoeffs(src map[VarID]float64) map[VarID]float64 {
	dst := make(map[VarID]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func tangentGrid(lo, hi float64) []float64 {
	if hi-lo < 1e-9 {
		return []float64{(lo + hi) / 2}
	}
	pts := make([]float64, 0, tangentPoints)
	for i := 0; i < tangentPoints; i++ {
		pts = append(pts, lo+(hi-lo)*float64(i)/float64(tangentPoints-1))
	}
	return pts
}

// solveLP runs the simplex on the lowered problem in general form: bound rows
// and inequality rows feed G/h, equalities feed A/b, lp.Convert produces the
// standard form the way the dispatcher LP does.
func (l *lowered) solveLP() ([]float64, float64, Status) {
	nRows := len(l.leq) + 2*l.n
	g := mat.NewDense(nRows, l.n, nil)
	h := make([]float64, nRows)
	r := 0
	for _, row := range l.leq {
		for id, c := range row.coeffs {
			g.Set(r, int(id), c)
		}
		h[r] = row.rhs
		r++
	}
	for j := 0; j < l.n; j++ {
		g.Set(r, j, 1)
		h[r] = l.hi[j]
		r++
		g.Set(r, j, -1)
		h[r] = -l.lo[j]
		r++
	}

	var aMat mat.Matrix
	var b []float64
	if len(l.eq) > 0 {
		a := mat.NewDense(len(l.eq), l.n, nil)
		for i, row := range l.eq {
			for id, c := range row.coeffs {
				a.Set(i, int(id), c)
			}
			b = append(b, row.rhs)
		}
		aMat = a
	}

	cStd, aStd, bStd := lp.Convert(l.cost, g, h, aMat, b)
	status := StatusOptimal
	opt, sol, err := lp.Simplex(cStd, aStd, bStd, simplexTol, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return nil, 0, StatusInfeasible
		}
		if errors.Is(err, lp.ErrUnbounded) {
			return nil, 0, StatusUnbounded
		}
		opt, sol, err = lp.Simplex(cStd, aStd, bStd, simplexTolRelaxed, nil)
		if err != nil {
			if errors.Is(err, lp.ErrInfeasible) {
				return nil, 0, StatusInfeasible
			}
			if errors.Is(err, lp.ErrUnbounded) {
				return nil, 0, StatusUnbounded
			}
			return nil, 0, StatusError
		}
		status = StatusOptimalInaccurate
	}

	// Convert splits free variables into positive and negative parts; the
	// original value is their difference.
	x := make([]float64, l.n)
	for j := 0; j < l.n; j++ {
		x[j] = sol[j] - sol[l.n+j]
	}
	return x, opt, status
}
