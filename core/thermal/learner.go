package thermal

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
)

const (
	auDiagFloor = 0.0015
	axEntryCap  = 0.9995
)

// Learner fits the state-space matrices from aligned historical traces by
// solving the regularized least-squares program
//
//	min ||Y - [Ax Au Aw]*Phi||_F^2 + lx||Ax||_F^2 + lu||Au||_F^2 + lw||Aw||_F^2
//
// subject to Au >= 0, 0 <= Ax <= 0.9995 with row sums at most one, and
// diag(Au) >= 0.0015. The program is solved by projected gradient descent on
// the stacked coefficient matrix.
type Learner struct {
	LambdaX float64
	LambdaU float64
	LambdaW float64
	MaxIter int
	log     logger.Logger
}

// NewLearner returns a learner with unit regularization weights.
func NewLearner(log logger.Logger) *Learner {
	return &Learner{LambdaX: 1, LambdaU: 1, LambdaW: 1, MaxIter: 400, log: log}
}

// MinSamples returns the minimum number of aligned samples required to fit a
// model with the given dimensions.
func MinSamples(zones, heaters, disturbances int) int {
	return zones*(zones+heaters+disturbances) + 1
}

// Fit learns the matrices from X (zones x M temperatures), U (heaters x M
// powers) and W (disturbances x M weather channels).
func (l *Learner) Fit(x, u, w *mat.Dense, now time.Time) (*Model, error) {
	zr, m := x.Dims()
	ur, mu := u.Dims()
	wr, mw := w.Dims()
	if m != mu || m != mw {
		return nil, fmt.Errorf("%w: sample counts differ (%d/%d/%d)", model.ErrModelLearnFailed, m, mu, mw)
	}
	if m < MinSamples(zr, ur, wr) {
		return nil, fmt.Errorf("%w: %d samples, need at least %d", model.ErrModelLearnFailed, m, MinSamples(zr, ur, wr))
	}

	// Y holds the one-step-ahead targets, Phi the stacked regressors.
	cols := m - 1
	dim := zr + ur + wr
	y := x.Slice(0, zr, 1, m).(*mat.Dense)
	phi := mat.NewDense(dim, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < zr; i++ {
			phi.Set(i, j, x.At(i, j))
		}
		for i := 0; i < ur; i++ {
			phi.Set(zr+i, j, u.At(i, j))
		}
		for i := 0; i < wr; i++ {
			phi.Set(zr+ur+i, j, w.At(i, j))
		}
	}

	// Warm start from the diagonal-stable prior; the gradient walks it toward
	// the data while the projection keeps every iterate feasible.
	theta := mat.NewDense(zr, dim, nil)
	prior := DefaultModel(zr, now)
	for i := 0; i < zr; i++ {
		for j := 0; j < zr; j++ {
			theta.Set(i, j, prior.Ax[i][j])
		}
		if i < ur {
			theta.Set(i, zr+i, prior.Au[i][i])
		}
	}
	l.project(theta, zr, ur, wr)

	// Lipschitz bound for the gradient: 2*(||Phi||_F^2 + max lambda).
	lip := 2 * (matFrobSq(phi) + math.Max(l.LambdaX, math.Max(l.LambdaU, l.LambdaW)))
	if lip <= 0 {
		return nil, fmt.Errorf("%w: degenerate regressor matrix", model.ErrModelLearnFailed)
	}
	step := 1 / lip

	var residual, grad mat.Dense
	maxIter := l.MaxIter
	if maxIter <= 0 {
		maxIter = 400
	}
	for iter := 0; iter < maxIter; iter++ {
		residual.Mul(theta, phi)
		residual.Sub(&residual, y)
		grad.Mul(&residual, phi.T())
		grad.Scale(2, &grad)
		addRegularization(&grad, theta, zr, ur, wr, l.LambdaX, l.LambdaU, l.LambdaW)

		var delta mat.Dense
		delta.Scale(step, &grad)
		theta.Sub(theta, &delta)
		change := l.project(theta, zr, ur, wr)
		if change < 1e-9 && iter > 10 {
			break
		}
	}

	out := &Model{Zones: zr, LearnedAt: now}
	out.Ax = sliceRows(theta, zr, 0, zr)
	out.Au = sliceRows(theta, zr, zr, zr+ur)
	out.Aw = sliceRows(theta, zr, zr+ur, zr+ur+wr)
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelLearnFailed, err)
	}
	if l.log != nil {
		l.log.Infof("learned thermal model for %d zones from %d samples", zr, m)
	}
	return out, nil
}

// project maps theta back onto the feasible set and returns the largest
// absolute adjustment made.
func (l *Learner) project(theta *mat.Dense, zones, heaters, disturbances int) float64 {
	maxChange := 0.0
	clip := func(i, j int, lo, hi float64) {
		v := theta.At(i, j)
		c := math.Min(hi, math.Max(lo, v))
		if c != v {
			maxChange = math.Max(maxChange, math.Abs(c-v))
			theta.Set(i, j, c)
		}
	}

	for i := 0; i < zones; i++ {
		// Ax block: entries in [0, cap], row sum at most one.
		sum := 0.0
		for j := 0; j < zones; j++ {
			clip(i, j, 0, axEntryCap)
			sum += theta.At(i, j)
		}
		if sum > 1 {
			scale := 1 / sum
			for j := 0; j < zones; j++ {
				v := theta.At(i, j)
				theta.Set(i, j, v*scale)
				maxChange = math.Max(maxChange, v*(1-scale))
			}
		}
		// Au block: non-negative, a heating floor on the diagonal, and no
		// cross-zone heater gains when zones and heaters pair one-to-one.
		for j := 0; j < heaters; j++ {
			col := zones + j
			switch {
			case i == j:
				clip(i, col, auDiagFloor, math.Inf(1))
			case zones == heaters:
				v := theta.At(i, col)
				if v != 0 {
					maxChange = math.Max(maxChange, math.Abs(v))
					theta.Set(i, col, 0)
				}
			default:
				clip(i, col, 0, math.Inf(1))
			}
		}
		// Aw block: non-negative.
		for j := 0; j < disturbances; j++ {
			clip(i, zones+heaters+j, 0, math.Inf(1))
		}
	}
	return maxChange
}

func addRegularization(grad, theta *mat.Dense, zones, heaters, disturbances int, lx, lu, lw float64) {
	for i := 0; i < zones; i++ {
		for j := 0; j < zones; j++ {
			grad.Set(i, j, grad.At(i, j)+2*lx*theta.At(i, j))
		}
		for j := 0; j < heaters; j++ {
			grad.Set(i, zones+j, grad.At(i, zones+j)+2*lu*theta.At(i, zones+j))
		}
		for j := 0; j < disturbances; j++ {
			col := zones + heaters + j
			grad.Set(i, col, grad.At(i, col)+2*lw*theta.At(i, col))
		}
	}
}

func matFrobSq(m *mat.Dense) float64 {
	f := mat.Norm(m, 2)
	return f * f
}

func sliceRows(theta *mat.Dense, rows, from, to int) [][]float64 {
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, to-from)
		for j := from; j < to; j++ {
			row[j-from] = theta.At(i, j)
		}
		out[i] = row
	}
	return out
}
