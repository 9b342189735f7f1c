package devicemodel

import (
	"context"
	"fmt"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/solver"
	"github.com/gridpilot/hems/core/thermal"
)

const (
	spaceHeatingNorm = 10 // K, objective normalization
	// Aggregate electrical capacity shared by the zone heaters, kW.
	totalHeaterCapacityKW = 16.0
	// Maximum heater power change per step, kW.
	heaterRampKW = 2.0
	// Weight of the worst-zone comfort penalty relative to the quadratic sum.
	maxPenaltyWeight = 100.0
)

// SpaceHeating models the heated zones through the learned thermal
// state-space: per-zone temperatures driven by heater powers and weather.
type SpaceHeating struct {
	devices  []model.Device
	thermal  *thermal.Validator
	log      logger.Logger
	tmodel   *thermal.Model
	initial  []float64
	weather  []float64
	setpoint [][]float64
	occupied [][]float64

	temp    [][]solver.VarID // zone x step
	heaters [][]solver.VarID // zone x step
}

// NewSpaceHeating builds the sub-model over all heated zones, ordered by
// priority so interpretation matches curtailment order.
func NewSpaceHeating(devices []model.Device, validator *thermal.Validator, log logger.Logger) *SpaceHeating {
	return &SpaceHeating{devices: model.SortByPriority(devices), thermal: validator, log: log}
}

func (s *SpaceHeating) Kind() model.Kind { return model.KindSpaceHeating }

func (s *SpaceHeating) Fetch(ctx context.Context, api coreapi.Client, h model.Horizon) error {
	tm, err := s.thermal.ValidateOrLearn(ctx, s.devices)
	if err != nil {
		return err
	}
	if tm.Zones != len(s.devices) {
		return fmt.Errorf("%w: thermal model has %d zones for %d devices", model.ErrModelLoadFailed, tm.Zones, len(s.devices))
	}
	s.tmodel = tm

	s.initial = make([]float64, len(s.devices))
	s.setpoint = make([][]float64, len(s.devices))
	s.occupied = make([][]float64, len(s.devices))
	n := h.Steps()
	for i, d := range s.devices {
		v, err := api.DeviceState(ctx, d.EntityID, "temperature")
		if err != nil {
			return fmt.Errorf("%w: zone temperature for %s: %v", model.ErrDataUnavailable, d.EntityID, err)
		}
		s.initial[i] = v

		sp, err := api.Preferences(ctx, coreapi.PrefSetpoint, d.EntityID, h.Start, h.Stop)
		if err != nil {
			return fmt.Errorf("%w: setpoint preferences for %s: %v", model.ErrDataUnavailable, d.EntityID, err)
		}
		if s.setpoint[i], err = sp.OnGrid(h); err != nil {
			return err
		}

		occ, err := api.Preferences(ctx, coreapi.PrefOccupancy, d.EntityID, h.Start, h.Stop)
		if err != nil {
			s.log.Debugf("occupancy preferences unavailable for %s, assuming occupied: %v", d.EntityID, err)
			s.occupied[i] = ones(n)
			continue
		}
		if s.occupied[i], err = occ.OnGrid(h); err != nil {
			s.occupied[i] = ones(n)
		}
	}

	weather, err := api.WeatherForecast(ctx, "temperature", h.Start, h.Stop)
	if err != nil {
		return fmt.Errorf("%w: weather forecast: %v", model.ErrDataUnavailable, err)
	}
	if s.weather, err = weather.OnGrid(h); err != nil {
		return err
	}
	return nil
}

func (s *SpaceHeating) Formulate(p *solver.Problem, h model.Horizon) (Formulation, error) {
	n := h.Steps()
	zones := len(s.devices)
	perHeaterKW := totalHeaterCapacityKW / float64(zones)

	s.temp = make([][]solver.VarID, zones)
	s.heaters = make([][]solver.VarID, zones)
	for z, d := range s.devices {
		tMin := d.Param("min_setpoint", 15)
		tMax := d.Param("max_setpoint", 25)
		if s.initial[z] < tMin {
			s.log.Warnf("zone %s at %.1f below minimum setpoint %.1f, relaxing lower bound", d.EntityID, s.initial[z], tMin)
			tMin = 0
		}
		if s.initial[z] > tMax {
			s.log.Warnf("zone %s at %.1f above maximum setpoint %.1f, relaxing upper bound", d.EntityID, s.initial[z], tMax)
			tMax = 30
		}
		s.temp[z] = p.NewVarVec(fmt.Sprintf("smart_thermostats_x_temperature/%s", d.EntityID), n, tMin, tMax)
		s.heaters[z] = p.NewVarVec(fmt.Sprintf("smart_thermostats_u_heaters/%s", d.EntityID), n, 0, perHeaterKW)

		p.AddEQ(solver.Term(s.temp[z][0], 1), s.initial[z])

		for k := 1; k < n; k++ {
			ramp := solver.Term(s.heaters[z][k], 1).PlusVar(s.heaters[z][k-1], -1)
			p.AddLE(ramp, heaterRampKW)
			p.AddGE(ramp, -heaterRampKW)
		}
	}

	// T[:,k] = Ax*T[:,k-1] + Au*u[:,k] + Aw*w[:,k]
	for k := 1; k < n; k++ {
		for z := 0; z < zones; z++ {
			rhs := solver.Const(0)
			for j := 0; j < zones; j++ {
				rhs = rhs.PlusVar(s.temp[j][k-1], s.tmodel.Ax[z][j])
			}
			for j := 0; j < len(s.tmodel.Au[z]); j++ {
				rhs = rhs.PlusVar(s.heaters[j][k], s.tmodel.Au[z][j])
			}
			for j := 0; j < len(s.tmodel.Aw[z]); j++ {
				rhs = rhs.PlusConst(s.tmodel.Aw[z][j] * s.weather[k])
			}
			p.AddEQ(solver.Term(s.temp[z][k], 1).Minus(rhs), 0)
		}
	}

	var worst []solver.Expr
	for z, d := range s.devices {
		priority := float64(d.Priority)
		for k := 0; k < n; k++ {
			weight := priority * s.occupied[z][k]
			dev := solver.Const(s.setpoint[z][k]).Minus(solver.Term(s.temp[z][k], 1)).Scaled(1.0 / spaceHeatingNorm)
			p.AddQuadCost(weight, dev)
			worst = append(worst, dev.Scaled(weight))
		}
	}
	p.AddMaxAbsCost(maxPenaltyWeight, worst)

	dispatch := make([]solver.Expr, n)
	for k := 0; k < n; k++ {
		e := solver.Const(0)
		for z := 0; z < zones; z++ {
			e = e.PlusVar(s.heaters[z][k], 1)
		}
		dispatch[k] = e
	}
	return Formulation{Dispatch: dispatch}, nil
}

func (s *SpaceHeating) Interpret(sol *solver.Solution, h model.Horizon) ([]DeviceResult, error) {
	grid := h.Grid()
	results := make([]DeviceResult, 0, len(s.devices))
	for z, d := range s.devices {
		setpointC := make(map[time.Time]float64, len(grid))
		powerW := make(map[time.Time]float64, len(grid))
		for k, t := range grid {
			setpointC[t] = round3(sol.Value(s.temp[z][k]))
			powerW[t] = round3(sol.Value(s.heaters[z][k]) * 1000)
		}
		// TODO: the planned zone temperature doubles as the commanded
		// thermostat setpoint; the two should be separated once the Core API
		// grows a distinct command field.
		results = append(results, DeviceResult{
			EntityID: d.EntityID,
			Kind:     model.KindSpaceHeating,
			Control:  model.SeriesFromMap(setpointC),
			Fields: map[string]model.TimeSeries{
				"setpoint_c":    model.SeriesFromMap(setpointC),
				"temperature_c": model.SeriesFromMap(setpointC),
				"power_w":       model.SeriesFromMap(powerW),
			},
		})
	}
	return results, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
