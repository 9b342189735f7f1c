package devicemodel

import (
	"context"
	"fmt"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/solver"
)

const waterHeaterNorm = 50 // K, objective normalization

// WaterHeater models the hot-water tank: continuous element power, tank
// temperature state driven by draw, standing losses and the heating element.
type WaterHeater struct {
	device model.Device
	log    logger.Logger

	initialTemp float64
	ambient     []float64
	draw        []float64

	power []solver.VarID
	temp  []solver.VarID
}

// NewWaterHeater builds the sub-model for the (single) tank.
func NewWaterHeater(devices []model.Device, log logger.Logger) *WaterHeater {
	return &WaterHeater{device: devices[0], log: log}
}

func (w *WaterHeater) Kind() model.Kind { return model.KindWaterHeater }

func (w *WaterHeater) Fetch(ctx context.Context, api coreapi.Client, h model.Horizon) error {
	n := h.Steps()

	init, err := api.DeviceState(ctx, w.device.EntityID, "water_heater_temperature")
	if err != nil {
		return fmt.Errorf("%w: water heater state: %v", model.ErrDataUnavailable, err)
	}
	w.initialTemp = init

	draw, err := api.Preferences(ctx, coreapi.PrefWaterConsumption, w.device.EntityID, h.Start, h.Stop)
	if err != nil {
		return fmt.Errorf("%w: water draw preferences: %v", model.ErrDataUnavailable, err)
	}
	w.draw, err = draw.OnGrid(h)
	if err != nil {
		return err
	}

	// Tank losses reference the room it sits in; fall back to a constant
	// indoor temperature when the zone reading is unavailable.
	ambient := w.device.Param("ambient_temperature", 20)
	if v, err := api.DeviceState(ctx, w.device.EntityID, "ambient_temperature"); err == nil {
		ambient = v
	}
	w.ambient = make([]float64, n)
	for k := range w.ambient {
		w.ambient[k] = ambient
	}
	return nil
}

func (w *WaterHeater) Formulate(p *solver.Problem, h model.Horizon) (Formulation, error) {
	n := h.Steps()
	dt := h.DeltaHours()
	d := w.device

	pMaxW := d.Param("power_capacity", 4.5) * 1000
	volume := d.Param("tank_volume", 270)
	tMin := d.Param("min_temperature", 30)
	tMax := d.Param("max_temperature", 90)
	tInlet := d.Param("inlet_temperature", 16)
	heatC := d.Param("water_heater_constant", 4190.0/3600.0)
	desired := d.Param("desired_state", 90)
	priority := float64(d.Priority)

	// Relax a violated bound instead of handing the solver an infeasible
	// initial state.
	if w.initialTemp < tMin {
		w.log.Warnf("tank temperature %.1f below minimum %.1f, relaxing lower bound", w.initialTemp, tMin)
		tMin = 0
	}
	if w.initialTemp > tMax {
		w.log.Warnf("tank temperature %.1f above maximum %.1f, relaxing upper bound", w.initialTemp, tMax)
		tMax = 100
	}

	w.power = p.NewVarVec("water_heater_power", n, 0, pMaxW)
	w.temp = p.NewVarVec("water_heater_temperature", n+1, tMin, tMax)

	p.AddEQ(solver.Term(w.temp[0], 1), w.initialTemp)

	// T[k+1] = T[k] + (p - C*Vdot*(T-Tin) - 2*(T-Tamb)) * dt/(C*V)
	scale := dt / (heatC * volume)
	for k := 0; k < n; k++ {
		rhs := solver.Term(w.temp[k], 1).
			Plus(solver.Term(w.power[k], scale)).
			Plus(solver.Term(w.temp[k], -scale*heatC*w.draw[k]).PlusConst(scale * heatC * w.draw[k] * tInlet)).
			Plus(solver.Term(w.temp[k], -2*scale).PlusConst(2 * scale * w.ambient[k]))
		p.AddEQ(solver.Term(w.temp[k+1], 1).Minus(rhs), 0)
	}

	for k := 0; k < n; k++ {
		dev := solver.Const(desired).Minus(solver.Term(w.temp[k], 1)).Scaled(1.0 / waterHeaterNorm)
		p.AddQuadCost(priority, dev)
	}

	dispatch := make([]solver.Expr, n)
	for k := 0; k < n; k++ {
		dispatch[k] = solver.Term(w.power[k], 1.0/1000) // W to kW
	}
	return Formulation{Dispatch: dispatch}, nil
}

func (w *WaterHeater) Interpret(sol *solver.Solution, h model.Horizon) ([]DeviceResult, error) {
	grid := h.Grid()
	powerW := make(map[time.Time]float64, len(grid))
	tempC := make(map[time.Time]float64, len(grid))
	for k, t := range grid {
		powerW[t] = round3(sol.Value(w.power[k]))
		tempC[t] = round3(sol.Value(w.temp[k+1]))
	}
	return []DeviceResult{{
		EntityID: w.device.EntityID,
		Kind:     model.KindWaterHeater,
		Control:  model.SeriesFromMap(powerW),
		Fields: map[string]model.TimeSeries{
			"power_w":       model.SeriesFromMap(powerW),
			"temperature_c": model.SeriesFromMap(tempC),
		},
	}}, nil
}
