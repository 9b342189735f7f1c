// Package devicemodel contains the per-device-class sub-models composed by
// the planner. Each sub-model contributes objective terms, constraints and a
// dispatch expression to the shared convex problem, and knows how to read its
// primal values back out of a solution.
package devicemodel

import (
	"context"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/solver"
)

// Formulation is what a sub-model adds to the shared problem. Dispatch holds
// one affine expression per horizon step representing the device class's
// instantaneous grid draw in kW (positive = consumption).
type Formulation struct {
	Dispatch []solver.Expr
}

// DeviceResult is the interpreted outcome for one device: the control series
// posted to the schedule plus the named result fields written to the TSDB.
type DeviceResult struct {
	EntityID string
	Kind     model.Kind
	// Control is the signal the schedule carries: a thermostat setpoint in
	// degrees Celsius for space heating, a power in W otherwise.
	Control model.TimeSeries
	// Fields maps TSDB field names (power_w, temperature_c, soc_wh,
	// setpoint_c) to their series.
	Fields map[string]model.TimeSeries
}

// SubModel is the contract every controllable device class implements.
type SubModel interface {
	Kind() model.Kind

	// Fetch loads preferences, state and forecasts for the horizon from the
	// Core API. It must be called before Formulate.
	Fetch(ctx context.Context, api coreapi.Client, h model.Horizon) error

	// Formulate adds the device's variables, constraints and objective terms
	// to the problem and returns its dispatch expressions.
	Formulate(p *solver.Problem, h model.Horizon) (Formulation, error)

	// Interpret extracts the primal dispatch and state values for each
	// device of this class.
	Interpret(sol *solver.Solution, h model.Horizon) ([]DeviceResult, error)
}

// CriticalSetpoint returns the fallback setpoint the real-time limiter writes
// for a device: the configured critical action, defaulting to zero power
// (heaters, batteries, vehicles) or the minimum zone temperature.
func CriticalSetpoint(d model.Device) float64 {
	if d.CriticalAction != 0 {
		return d.CriticalAction
	}
	if d.Kind == model.KindSpaceHeating {
		return d.Param("min_setpoint", 15)
	}
	return 0
}
