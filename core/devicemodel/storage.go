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

// ElectricStorage models the stationary battery: separate charge and
// discharge legs with efficiencies and self-discharge decay. Exclusivity of
// the two legs is left to the cost structure, not binaries; simultaneous
// nonzero legs are detected and repaired during interpretation.
type ElectricStorage struct {
	device model.Device
	log    logger.Logger

	initialKWh float64
	desiredKWh float64

	charge    []solver.VarID
	discharge []solver.VarID
	energy    []solver.VarID
}

// NewElectricStorage builds the sub-model for the (single) battery.
func NewElectricStorage(devices []model.Device, log logger.Logger) *ElectricStorage {
	return &ElectricStorage{device: devices[0], log: log}
}

func (s *ElectricStorage) Kind() model.Kind { return model.KindElectricStorage }

func (s *ElectricStorage) Fetch(ctx context.Context, api coreapi.Client, h model.Horizon) error {
	capacity := s.device.Param("energy_capacity", 10)

	socPct, err := api.DeviceState(ctx, s.device.EntityID, "state_of_charge")
	if err != nil {
		return fmt.Errorf("%w: battery state: %v", model.ErrDataUnavailable, err)
	}
	s.initialKWh = socPct / 100 * capacity

	s.desiredKWh = s.device.Param("desired_state", 50) / 100 * capacity
	if prefs, err := api.Preferences(ctx, coreapi.PrefBatterySoC, s.device.EntityID, h.Start, h.Stop); err == nil {
		if v, ok := prefs.Latest(h.Start); ok {
			s.desiredKWh = v / 100 * capacity
		}
	} else {
		s.log.Debugf("battery SoC preferences unavailable, using configured target: %v", err)
	}
	return nil
}

func (s *ElectricStorage) Formulate(p *solver.Problem, h model.Horizon) (Formulation, error) {
	n := h.Steps()
	dt := h.DeltaHours()
	d := s.device

	capacity := d.Param("energy_capacity", 10)
	pMax := d.Param("power_capacity", 5)
	decay := d.Param("decay_factor", 1)
	etaC := d.Param("charging_efficiency", 0.95)
	etaD := d.Param("discharging_efficiency", 0.95)
	eMin := d.Param("min_residual_energy", 10) / 100 * capacity
	eMax := d.Param("max_residual_energy", 95) / 100 * capacity
	priority := float64(d.Priority)

	if s.initialKWh > eMax {
		s.log.Warnf("battery at %.2f kWh above maximum %.2f kWh, relaxing to capacity", s.initialKWh, eMax)
		eMax = capacity
	}
	if s.initialKWh < eMin {
		s.log.Warnf("battery at %.2f kWh below minimum %.2f kWh, relaxing to zero", s.initialKWh, eMin)
		eMin = 0
	}

	s.charge = p.NewVarVec("electric_storage_charge_power", n, 0, pMax)
	s.discharge = p.NewVarVec("electric_storage_discharge_power", n, 0, pMax)
	s.energy = p.NewVarVec("electric_storage_residual_energy", n+1, eMin, eMax)

	p.AddEQ(solver.Term(s.energy[0], 1), s.initialKWh)
	if _, ok := d.Params["final_soc_requirement"]; ok {
		p.AddGE(solver.Term(s.energy[n], 1), d.Param("final_soc_requirement", 0)/100*capacity)
	}

	// E[k+1] = decay*E[k] + (etaC*pc - pd/etaD)*dt
	for k := 0; k < n; k++ {
		rhs := solver.Term(s.energy[k], decay).
			Plus(solver.Term(s.charge[k], etaC*dt)).
			Plus(solver.Term(s.discharge[k], -dt/etaD))
		p.AddEQ(solver.Term(s.energy[k+1], 1).Minus(rhs), 0)
	}

	norm := capacity
	for k := 0; k < n; k++ {
		dev := solver.Const(s.desiredKWh).Minus(solver.Term(s.energy[k], 1)).Scaled(1 / norm)
		p.AddQuadCost(priority, dev)
	}

	dispatch := make([]solver.Expr, n)
	for k := 0; k < n; k++ {
		dispatch[k] = solver.Term(s.charge[k], 1).PlusVar(s.discharge[k], -1)
	}
	return Formulation{Dispatch: dispatch}, nil
}

func (s *ElectricStorage) Interpret(sol *solver.Solution, h model.Horizon) ([]DeviceResult, error) {
	grid := h.Grid()
	netW := make(map[time.Time]float64, len(grid))
	socWh := make(map[time.Time]float64, len(grid))
	for k, t := range grid {
		pc := sol.Value(s.charge[k])
		pd := sol.Value(s.discharge[k])
		// The relaxation can return simultaneously nonzero legs under
		// degenerate prices; zero the smaller leg rather than publish a
		// physically meaningless schedule.
		if pc > 1e-6 && pd > 1e-6 {
			s.log.Warnf("battery charge %.3f kW and discharge %.3f kW both nonzero at step %d, zeroing smaller leg", pc, pd, k)
			if pc < pd {
				pc = 0
			} else {
				pd = 0
			}
		}
		netW[t] = round3((pc - pd) * 1000)
		socWh[t] = round3(sol.Value(s.energy[k+1]) * 1000)
	}
	return []DeviceResult{{
		EntityID: s.device.EntityID,
		Kind:     model.KindElectricStorage,
		Control:  model.SeriesFromMap(netW),
		Fields: map[string]model.TimeSeries{
			"power_w": model.SeriesFromMap(netW),
			"soc_wh":  model.SeriesFromMap(socWh),
		},
	}}, nil
}
