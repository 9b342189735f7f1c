package devicemodel

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/solver"
)

// ElectricVehicle models a unidirectional (V1G) charger: a binary charge
// gate per step, masked by the known connection profile. This is the only
// sub-model introducing binaries into the global program.
type ElectricVehicle struct {
	device model.Device
	log    logger.Logger

	initialWh float64
	desiredWh float64
	branched  []float64

	gate   []solver.VarID
	power  []solver.VarID
	energy []solver.VarID
}

// NewElectricVehicle builds the sub-model for the (single) vehicle.
func NewElectricVehicle(devices []model.Device, log logger.Logger) *ElectricVehicle {
	return &ElectricVehicle{device: devices[0], log: log}
}

func (e *ElectricVehicle) Kind() model.Kind { return model.KindElectricVehicleV1 }

func (e *ElectricVehicle) Fetch(ctx context.Context, api coreapi.Client, h model.Horizon) error {
	capacity := e.device.Param("energy_capacity", 40000)

	socPct, err := api.DeviceState(ctx, e.device.EntityID, "state_of_charge")
	if err != nil {
		return fmt.Errorf("%w: vehicle state: %v", model.ErrDataUnavailable, err)
	}
	e.initialWh = socPct / 100 * capacity

	branched, err := api.Preferences(ctx, coreapi.PrefVehicleBranched, e.device.EntityID, h.Start, h.Stop)
	if err != nil {
		return fmt.Errorf("%w: vehicle connection profile: %v", model.ErrDataUnavailable, err)
	}
	e.branched, err = branched.OnGrid(h)
	if err != nil {
		return err
	}
	for k, b := range e.branched {
		if b != 0 && b != 1 {
			return fmt.Errorf("%w: connection profile must be 0/1, got %.3f at step %d", model.ErrDataUnavailable, b, k)
		}
	}

	e.desiredWh = e.device.Param("desired_state", 90) / 100 * capacity
	if prefs, err := api.Preferences(ctx, coreapi.PrefVehicleSoC, e.device.EntityID, h.Start, h.Stop); err == nil {
		if v, ok := prefs.Latest(h.Start); ok {
			e.desiredWh = v / 100 * capacity
		}
	} else {
		e.log.Debugf("vehicle SoC preferences unavailable, using configured target: %v", err)
	}
	return nil
}

func (e *ElectricVehicle) Formulate(p *solver.Problem, h model.Horizon) (Formulation, error) {
	n := h.Steps()
	dt := h.DeltaHours()
	d := e.device

	capacity := d.Param("energy_capacity", 40000)
	pMaxW := d.Param("power_capacity", 7400)
	etaC := d.Param("charging_efficiency", 0.99)
	decay := d.Param("decay_factor", 0.99)
	eMin := d.Param("min_residual_energy", 25) / 100 * capacity
	eMax := d.Param("max_residual_energy", 95) / 100 * capacity
	priority := float64(d.Priority)

	if e.initialWh > eMax {
		e.log.Warnf("vehicle at %.0f Wh above maximum %.0f Wh, relaxing to capacity", e.initialWh, eMax)
		eMax = capacity
	}
	if e.initialWh < eMin {
		e.log.Warnf("vehicle at %.0f Wh below minimum %.0f Wh, relaxing to zero", e.initialWh, eMin)
		eMin = 0
	}

	e.gate = p.NewBinaryVec("electric_vehicle_switch", n)
	e.power = p.NewVarVec("electric_vehicle_charge_power", n, 0, pMaxW)
	e.energy = p.NewVarVec("electric_vehicle_residual_energy", n+1, eMin, eMax)

	p.AddEQ(solver.Term(e.energy[0], 1), e.initialWh)
	if _, ok := d.Params["final_soc_requirement"]; ok {
		p.AddGE(solver.Term(e.energy[n], 1), d.Param("final_soc_requirement", 0)/100*capacity)
	}

	for k := 0; k < n; k++ {
		// The gate is forced shut while disconnected, which also removes the
		// binary from the branch-and-bound tree.
		if e.branched[k] == 0 {
			p.FixVar(e.gate[k], 0)
		}
		// p[k] = u[k] * B[k] * Pmax
		p.AddEQ(solver.Term(e.power[k], 1).PlusVar(e.gate[k], -e.branched[k]*pMaxW), 0)
	}

	// E[k+1] = decay*E[k] + etaC*p[k]*dt
	for k := 0; k < n; k++ {
		rhs := solver.Term(e.energy[k], decay).Plus(solver.Term(e.power[k], etaC*dt))
		p.AddEQ(solver.Term(e.energy[k+1], 1).Minus(rhs), 0)
	}

	norm := d.Param("norm_factor", capacity)
	for k := 0; k < n; k++ {
		dev := solver.Const(e.desiredWh).Minus(solver.Term(e.energy[k], 1)).Scaled(1 / norm)
		p.AddQuadCost(priority, dev)
	}

	dispatch := make([]solver.Expr, n)
	for k := 0; k < n; k++ {
		dispatch[k] = solver.Term(e.power[k], 1.0/1000) // W to kW
	}
	return Formulation{Dispatch: dispatch}, nil
}

func (e *ElectricVehicle) Interpret(sol *solver.Solution, h model.Horizon) ([]DeviceResult, error) {
	grid := h.Grid()
	powerW := make(map[time.Time]float64, len(grid))
	socWh := make(map[time.Time]float64, len(grid))
	for k, t := range grid {
		// Snap the gate before reading the power so near-integral LP noise
		// cannot leak into the schedule.
		if math.Round(sol.Value(e.gate[k])) == 0 {
			powerW[t] = 0
		} else {
			powerW[t] = round3(sol.Value(e.power[k]))
		}
		socWh[t] = round3(sol.Value(e.energy[k+1]))
	}
	return []DeviceResult{{
		EntityID: e.device.EntityID,
		Kind:     model.KindElectricVehicleV1,
		Control:  model.SeriesFromMap(powerW),
		Fields: map[string]model.TimeSeries{
			"power_w": model.SeriesFromMap(powerW),
			"soc_wh":  model.SeriesFromMap(socWh),
		},
	}}, nil
}
