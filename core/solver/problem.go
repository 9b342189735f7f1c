// Package solver provides the convex optimization oracle used by the planner
// and the thermal learner. Problems are assembled from affine expressions,
// quadratic and max-norm penalty terms are lowered to linear-programming form
// and solved with gonum's simplex; binary variables are handled by
// branch-and-bound on the LP relaxation.
package solver

import (
	"fmt"
	"math"
)

// VarID references a decision variable inside a Problem.
type VarID int

type variable struct {
	name   string
	lo, hi float64
	binary bool
}

// Expr is an affine expression over problem variables.
type Expr struct {
	coeffs map[VarID]float64
	offset float64
}

// Const returns a constant expression.
func Const(c float64) Expr {
	return Expr{coeffs: map[VarID]float64{}, offset: c}
}

// Term returns the expression coeff*v.
func Term(v VarID, coeff float64) Expr {
	return Expr{coeffs: map[VarID]float64{v: coeff}, offset: 0}
}

// Clone returns an independent copy of the expression.
func (e Expr) Clone() Expr {
	c := make(map[VarID]float64, len(e.coeffs))
	for k, v := range e.coeffs {
		c[k] = v
	}
	return Expr{coeffs: c, offset: e.offset}
}

// Plus returns e + o without mutating either operand.
func (e Expr) Plus(o Expr) Expr {
	out := e.Clone()
	for k, v := range o.coeffs {
		out.coeffs[k] += v
	}
	out.offset += o.offset
	return out
}

// Minus returns e - o.
func (e Expr) Minus(o Expr) Expr {
	return e.Plus(o.Scaled(-1))
}

// PlusVar returns e + coeff*v.
func (e Expr) PlusVar(v VarID, coeff float64) Expr {
	out := e.Clone()
	out.coeffs[v] += coeff
	return out
}

// PlusConst returns e + c.
func (e Expr) PlusConst(c float64) Expr {
	out := e.Clone()
	out.offset += c
	return out
}

// Scaled returns k*e.
func (e Expr) Scaled(k float64) Expr {
	out := e.Clone()
	for id := range out.coeffs {
		out.coeffs[id] *= k
	}
	out.offset *= k
	return out
}

type constraint struct {
	expr Expr // expr <= 0 or expr == 0
	name string
}

type quadTerm struct {
	weight float64
	expr   Expr
}

type maxTerm struct {
	weight float64
	exprs  []Expr
}

// Problem is a convex optimization instance: decision variables, linear
// constraints and a scalar objective built from linear, quadratic and
// max-of-absolute-values terms. Instances are ephemeral: build, solve,
// interpret, discard.
type Problem struct {
	vars    []variable
	leq     []constraint
	eq      []constraint
	linCost Expr
	quads   []quadTerm
	maxes   []maxTerm
}

// New returns an empty problem.
func New() *Problem {
	return &Problem{linCost: Const(0)}
}

// NewVar adds a continuous variable bounded to [lo, hi].
func (p *Problem) NewVar(name string, lo, hi float64) VarID {
	p.vars = append(p.vars, variable{name: name, lo: lo, hi: hi})
	return VarID(len(p.vars) - 1)
}

// NewVarVec adds n continuous variables sharing the same bounds.
func (p *Problem) NewVarVec(name string, n int, lo, hi float64) []VarID {
	ids := make([]VarID, n)
	for i := range ids {
		ids[i] = p.NewVar(fmt.Sprintf("%s[%d]", name, i), lo, hi)
	}
	return ids
}

// NewBinary adds a {0,1} variable. Its presence makes the problem
// mixed-integer and routes the solve through branch-and-bound.
func (p *Problem) NewBinary(name string) VarID {
	p.vars = append(p.vars, variable{name: name, lo: 0, hi: 1, binary: true})
	return VarID(len(p.vars) - 1)
}

// NewBinaryVec adds n binary variables.
func (p *Problem) NewBinaryVec(name string, n int) []VarID {
	ids := make([]VarID, n)
	for i := range ids {
		ids[i] = p.NewBinary(fmt.Sprintf("%s[%d]", name, i))
	}
	return ids
}

// FixVar collapses a variable's bounds to a single value.
func (p *Problem) FixVar(v VarID, value float64) {
	p.vars[v].lo = value
	p.vars[v].hi = value
}

// AddLE adds the constraint expr <= rhs.
func (p *Problem) AddLE(expr Expr, rhs float64) {
	p.leq = append(p.leq, constraint{expr: expr.PlusConst(-rhs)})
}

// AddGE adds the constraint expr >= rhs.
func (p *Problem) AddGE(expr Expr, rhs float64) {
	p.leq = append(p.leq, constraint{expr: expr.Scaled(-1).PlusConst(rhs)})
}

// AddEQ adds the constraint expr == rhs.
func (p *Problem) AddEQ(expr Expr, rhs float64) {
	p.eq = append(p.eq, constraint{expr: expr.PlusConst(-rhs)})
}

// AddLinearCost accumulates an affine objective term.
func (p *Problem) AddLinearCost(expr Expr) {
	p.linCost = p.linCost.Plus(expr)
}

// AddQuadCost accumulates weight*expr^2 in the objective. The term is lowered
// to a piecewise-linear epigraph over the expression's bound interval.
func (p *Problem) AddQuadCost(weight float64, expr Expr) {
	if weight == 0 {
		return
	}
	p.quads = append(p.quads, quadTerm{weight: weight, expr: expr})
}

// AddMaxAbsCost accumulates weight*max_i |exprs_i| in the objective.
func (p *Problem) AddMaxAbsCost(weight float64, exprs []Expr) {
	if weight == 0 || len(exprs) == 0 {
		return
	}
	p.maxes = append(p.maxes, maxTerm{weight: weight, exprs: exprs})
}

// NumVars returns the number of declared variables.
func (p *Problem) NumVars() int { return len(p.vars) }

// HasBinaries reports whether the problem is mixed-integer.
func (p *Problem) HasBinaries() bool {
	for _, v := range p.vars {
		if v.binary {
			return true
		}
	}
	return false
}

// exprBounds computes an interval containing the expression's value for any
// feasible assignment, via interval arithmetic over the variable bounds.
func (p *Problem) exprBounds(e Expr, lo, hi []float64) (float64, float64) {
	l, h := e.offset, e.offset
	for id, c := range e.coeffs {
		if c == 0 {
			continue
		}
		vl, vh := lo[id], hi[id]
		if c > 0 {
			l += c * vl
			h += c * vh
		} else {
			l += c * vh
			h += c * vl
		}
	}
	return l, h
}

// Eval evaluates the expression against a primal point.
func (e Expr) Eval(x []float64) float64 {
	v := e.offset
	for id, c := range e.coeffs {
		v += c * x[id]
	}
	return v
}

// trueObjective evaluates the exact (not lowered) objective at x.
func (p *Problem) trueObjective(x []float64) float64 {
	obj := p.linCost.Eval(x)
	for _, q := range p.quads {
		v := q.expr.Eval(x)
		obj += q.weight * v * v
	}
	for _, m := range p.maxes {
		worst := 0.0
		for _, e := range m.exprs {
			if a := math.Abs(e.Eval(x)); a > worst {
				worst = a
			}
		}
		obj += m.weight * worst
	}
	return obj
}
