package thermal

import (
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/infra/logger"
)

// synthetic generates traces from a known stable model.
func synthetic(samples int) (*mat.Dense, *mat.Dense, *mat.Dense) {
	ax := [][]float64{{0.9, 0.05}, {0.05, 0.9}}
	au := [][]float64{{0.5, 0}, {0, 0.5}}
	aw := [][]float64{{0.02}, {0.02}}

	x := mat.NewDense(2, samples, nil)
	u := mat.NewDense(2, samples, nil)
	w := mat.NewDense(1, samples, nil)
	x.Set(0, 0, 20)
	x.Set(1, 0, 18)
	for k := 0; k < samples; k++ {
		// Deterministic pseudo-excitation keeps the regression well posed.
		u.Set(0, k, 2+math.Sin(float64(k)/3))
		u.Set(1, k, 1.5+math.Cos(float64(k)/5))
		w.Set(0, k, -5+3*math.Sin(float64(k)/20))
		if k+1 < samples {
			for i := 0; i < 2; i++ {
				next := 0.0
				for j := 0; j < 2; j++ {
					next += ax[i][j] * x.At(j, k)
				}
				next += au[i][i] * u.At(i, k)
				next += aw[i][0] * w.At(0, k)
				x.Set(i, k+1, next)
			}
		}
	}
	return x, u, w
}

func TestLearnerFitConstraints(t *testing.T) {
	x, u, w := synthetic(400)
	l := NewLearner(logger.NopLogger{})
	l.LambdaX, l.LambdaU, l.LambdaW = 0.01, 0.01, 0.01
	m, err := l.Fit(x, u, w, time.Now())
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("learned model invalid: %v", err)
	}
	if m.SpectralRadiusBound() > 1+1e-9 {
		t.Fatalf("learned model unstable: %f", m.SpectralRadiusBound())
	}
	for i := range m.Au {
		for j, v := range m.Au[i] {
			if v < 0 {
				t.Fatalf("Au[%d][%d] negative: %f", i, j, v)
			}
		}
		if m.Au[i][i] < auDiagFloor {
			t.Fatalf("Au diagonal below floor: %f", m.Au[i][i])
		}
	}
	// Self-coupling should dominate in a recovered stable model.
	for i := range m.Ax {
		if m.Ax[i][i] < 0.5 {
			t.Fatalf("Ax[%d][%d] implausibly small: %f", i, i, m.Ax[i][i])
		}
	}
}

func TestLearnerInsufficientSamples(t *testing.T) {
	x, u, w := synthetic(8)
	l := NewLearner(logger.NopLogger{})
	_, err := l.Fit(x, u, w, time.Now())
	if !errors.Is(err, model.ErrModelLearnFailed) {
		t.Fatalf("expected learn failure, got %v", err)
	}
}

func TestLearnerSampleMismatch(t *testing.T) {
	x, u, _ := synthetic(40)
	w := mat.NewDense(1, 39, nil)
	l := NewLearner(logger.NopLogger{})
	if _, err := l.Fit(x, u, w, time.Now()); !errors.Is(err, model.ErrModelLearnFailed) {
		t.Fatalf("expected learn failure, got %v", err)
	}
}

func TestMinSamples(t *testing.T) {
	if got := MinSamples(2, 2, 1); got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
}
