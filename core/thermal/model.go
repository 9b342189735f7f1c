// Package thermal learns, persists and validates the state-space model used
// by the space-heating sub-model: T[k+1] = Ax*T[k] + Au*p[k+1] + Aw*w[k+1].
package thermal

import (
	"fmt"
	"math"
	"time"

	"github.com/gridpilot/hems/core/model"
)

// Model is the learned thermal state-space of the building.
type Model struct {
	Zones     int         `json:"thermal_zones"`
	Ax        [][]float64 `json:"x_internal_states"`
	Au        [][]float64 `json:"u_heaters"`
	Aw        [][]float64 `json:"w_external_variables"`
	LearnedAt time.Time   `json:"learned_at"`
}

// Validate checks the model invariants: consistent dimensions, non-negative
// heater gains, and stability (spectral radius of Ax at most one; for a
// non-negative matrix the maximum row sum bounds the spectral radius).
func (m *Model) Validate() error {
	if m.Zones <= 0 || len(m.Ax) != m.Zones {
		return fmt.Errorf("%w: Ax has %d rows for %d zones", model.ErrModelLoadFailed, len(m.Ax), m.Zones)
	}
	if len(m.Au) != m.Zones || len(m.Aw) != m.Zones {
		return fmt.Errorf("%w: Au/Aw row count mismatch", model.ErrModelLoadFailed)
	}
	for i, row := range m.Ax {
		if len(row) != m.Zones {
			return fmt.Errorf("%w: Ax row %d has %d columns", model.ErrModelLoadFailed, i, len(row))
		}
		sum := 0.0
		for _, v := range row {
			if v < 0 {
				return fmt.Errorf("%w: Ax[%d] has negative entry", model.ErrModelLoadFailed, i)
			}
			sum += v
		}
		if sum > 1+1e-6 {
			return fmt.Errorf("%w: Ax row %d sum %.4f exceeds 1", model.ErrModelLoadFailed, i, sum)
		}
	}
	for i, row := range m.Au {
		for _, v := range row {
			if v < 0 {
				return fmt.Errorf("%w: Au[%d] has negative entry", model.ErrModelLoadFailed, i)
			}
		}
	}
	return nil
}

// SpectralRadiusBound returns the maximum absolute row sum of Ax, an upper
// bound for its spectral radius.
func (m *Model) SpectralRadiusBound() float64 {
	bound := 0.0
	for _, row := range m.Ax {
		sum := 0.0
		for _, v := range row {
			sum += math.Abs(v)
		}
		bound = math.Max(bound, sum)
	}
	return bound
}

// Fresh reports whether the model is younger than ttl at the given instant.
func (m *Model) Fresh(now time.Time, ttl time.Duration) bool {
	return !m.LearnedAt.IsZero() && now.Sub(m.LearnedAt) <= ttl
}

// DefaultModel returns the documented diagonal-stable fallback: strong
// self-coupling per zone, weak cross-coupling, a small direct heater gain and
// no weather coupling.
func DefaultModel(zones int, now time.Time) *Model {
	ax := make([][]float64, zones)
	au := make([][]float64, zones)
	aw := make([][]float64, zones)
	for i := 0; i < zones; i++ {
		ax[i] = make([]float64, zones)
		au[i] = make([]float64, zones)
		aw[i] = []float64{0}
		for j := 0; j < zones; j++ {
			if i == j {
				ax[i][j] = 0.98
				au[i][j] = 0.02
			} else {
				ax[i][j] = 0.02 / math.Max(1, float64(zones-1))
			}
		}
	}
	return &Model{Zones: zones, Ax: ax, Au: au, Aw: aw, LearnedAt: now}
}
