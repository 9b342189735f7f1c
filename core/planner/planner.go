// Package planner assembles the finite-horizon convex program from the
// enabled device sub-models, hands it to the solver and interprets the primal
// values into a dispatch schedule.
package planner

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/devicemodel"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/metrics"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/solver"
)

// Flags selects the device classes participating in a planning cycle.
type Flags struct {
	SpaceHeating    bool
	ElectricStorage bool
	ElectricVehicle bool
	WaterHeater     bool
}

// Request is one planning cycle's input.
type Request struct {
	Horizon      model.Horizon
	PriceProfile model.TimeSeries
	PowerLimit   model.TimeSeries
	Flags        Flags
}

// Result is the outcome of a successful cycle.
type Result struct {
	CycleID  string
	Status   solver.Status
	WallTime time.Duration
	Results  []devicemodel.DeviceResult
	// NetKW is the planned net grid exchange per step.
	NetKW []float64
}

// ResultWriter persists interpreted result series (TSDB).
type ResultWriter interface {
	WriteResults(ctx context.Context, cycleID string, h model.Horizon, results []devicemodel.DeviceResult) error
}

// Planner builds, solves and interprets planning cycles.
type Planner struct {
	api      coreapi.Client
	registry *devicemodel.Registry
	writer   ResultWriter
	sink     metrics.Sink
	log      logger.Logger
	priority int
}

// New wires a planner. writer may be nil when no TSDB is configured.
func New(api coreapi.Client, registry *devicemodel.Registry, writer ResultWriter, sink metrics.Sink, priority int, log logger.Logger) *Planner {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Planner{api: api, registry: registry, writer: writer, sink: sink, log: log, priority: priority}
}

// enabledKinds returns the participating kinds in the order sub-models are
// instantiated.
func (f Flags) enabledKinds() []model.Kind {
	var kinds []model.Kind
	if f.ElectricStorage {
		kinds = append(kinds, model.KindElectricStorage)
	}
	if f.ElectricVehicle {
		kinds = append(kinds, model.KindElectricVehicleV1)
	}
	if f.WaterHeater {
		kinds = append(kinds, model.KindWaterHeater)
	}
	if f.SpaceHeating {
		kinds = append(kinds, model.KindSpaceHeating)
	}
	return kinds
}

// Run executes one planning cycle: fetch, build, solve, interpret, persist.
// On solver failure the prior schedule is left untouched and an error
// classifying the failure is returned.
func (p *Planner) Run(ctx context.Context, req Request) (*Result, error) {
	cycleID := uuid.NewString()

	if err := req.Horizon.Validate(); err != nil {
		return nil, err
	}
	n := req.Horizon.Steps()
	dt := req.Horizon.DeltaHours()

	price, err := req.PriceProfile.OnGrid(req.Horizon)
	if err != nil {
		return nil, fmt.Errorf("price profile: %w", err)
	}
	limit, err := req.PowerLimit.OnGrid(req.Horizon)
	if err != nil {
		return nil, fmt.Errorf("power limit: %w", err)
	}

	forecast, err := p.api.NonControllableForecast(ctx, coreapi.HistoricNonControllable, req.Horizon.Start, req.Horizon.Stop)
	if err != nil {
		return nil, fmt.Errorf("%w: non-controllable forecast: %v", model.ErrDataUnavailable, err)
	}
	baseKW, err := forecast.OnGrid(req.Horizon)
	if err != nil {
		return nil, err
	}

	devices, err := p.api.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: device inventory: %v", model.ErrDataUnavailable, err)
	}

	var submodels []devicemodel.SubModel
	for _, kind := range req.Flags.enabledKinds() {
		sm, ok := p.registry.Build(kind, devices)
		if !ok {
			p.log.Infof("no %s devices found, skipping sub-model", kind)
			continue
		}
		submodels = append(submodels, sm)
	}

	// With nothing controllable the program degenerates to checking the
	// uncontrollable load against the limit.
	if len(submodels) == 0 {
		for k := 0; k < n; k++ {
			if baseKW[k] > limit[k] {
				p.sink.RecordSolve(solver.StatusInfeasible.String(), 0)
				return nil, fmt.Errorf("%w: uncontrollable load %.2f kW exceeds limit %.2f kW at step %d",
					model.ErrSolverInfeasible, baseKW[k], limit[k], k)
			}
		}
		p.sink.RecordSolve(solver.StatusOptimal.String(), 0)
		return &Result{CycleID: cycleID, Status: solver.StatusOptimal, NetKW: baseKW}, nil
	}

	prob := solver.New()
	forms := make([]devicemodel.Formulation, len(submodels))
	for i, sm := range submodels {
		started := time.Now()
		if err := sm.Fetch(ctx, p.api, req.Horizon); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", sm.Kind(), err)
		}
		form, err := sm.Formulate(prob, req.Horizon)
		if err != nil {
			return nil, fmt.Errorf("formulate %s: %w", sm.Kind(), err)
		}
		if len(form.Dispatch) != n {
			return nil, fmt.Errorf("%w: %s dispatch has %d steps, want %d", model.ErrSolverError, sm.Kind(), len(form.Dispatch), n)
		}
		forms[i] = form
		p.log.Infof("built %s formulation in %.2fs", sm.Kind(), time.Since(started).Seconds())
	}

	nets := make([]solver.Expr, n)
	for k := 0; k < n; k++ {
		net := solver.Const(baseKW[k])
		for _, form := range forms {
			net = net.Plus(form.Dispatch[k])
		}
		nets[k] = net
		prob.AddLE(net, limit[k])
		prob.AddLinearCost(net.Scaled(price[k] * dt))
	}

	sol, err := prob.Solve()
	if err != nil {
		p.sink.RecordSolve(solver.StatusError.String(), 0)
		return nil, fmt.Errorf("%w: %v", model.ErrSolverError, err)
	}
	p.sink.RecordSolve(sol.Status.String(), sol.WallTime.Seconds())
	p.log.Infof("solver finished in %.2fs with status %s", sol.WallTime.Seconds(), sol.Status)

	if !sol.Status.Accepted() {
		hash := p.inputsHash(req, baseKW)
		p.log.Errorf("planning cycle %s rejected with status %s, inputs hash %s", cycleID, sol.Status, hash)
		if sol.Status == solver.StatusInfeasible {
			return nil, fmt.Errorf("%w: cycle %s inputs %s", model.ErrSolverInfeasible, cycleID, hash)
		}
		return nil, fmt.Errorf("%w: cycle %s status %s inputs %s", model.ErrSolverError, cycleID, sol.Status, hash)
	}

	// Cancellation point: the solve itself is atomic, interpretation is not
	// started for an abandoned cycle.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{CycleID: cycleID, Status: sol.Status, WallTime: sol.WallTime, NetKW: make([]float64, n)}
	for k := 0; k < n; k++ {
		res.NetKW[k] = sol.Eval(nets[k])
	}
	for _, sm := range submodels {
		out, err := sm.Interpret(sol, req.Horizon)
		if err != nil {
			return nil, fmt.Errorf("interpret %s: %w", sm.Kind(), err)
		}
		res.Results = append(res.Results, out...)
	}

	if err := p.persist(ctx, cycleID, req.Horizon, res); err != nil {
		return nil, err
	}
	return res, nil
}

// persist posts the schedule to the Core API and forwards the result series
// to the TSDB writer. A TSDB failure is logged and tolerated; a schedule post
// failure fails the cycle.
func (p *Planner) persist(ctx context.Context, cycleID string, h model.Horizon, res *Result) error {
	schedule := make(map[string]map[time.Time]float64, len(res.Results))
	for _, r := range res.Results {
		schedule[r.EntityID] = r.Control.Map()
	}
	if err := p.api.WriteSchedule(ctx, p.priority, schedule); err != nil {
		return fmt.Errorf("%w: schedule post: %v", model.ErrWriteFailed, err)
	}
	if p.writer != nil {
		if err := p.writer.WriteResults(ctx, cycleID, h, res.Results); err != nil {
			p.log.Errorf("result series write failed for cycle %s: %v", cycleID, err)
		}
	}
	return nil
}

// inputsHash fingerprints the cycle inputs for failure forensics.
func (p *Planner) inputsHash(req Request, base []float64) string {
	hsh := fnv.New64a()
	fmt.Fprintf(hsh, "%d|%d|%d|", req.Horizon.Start.UnixNano(), req.Horizon.Stop.UnixNano(), req.Horizon.Interval)
	for _, v := range req.PriceProfile.Values() {
		fmt.Fprintf(hsh, "%.6f,", v)
	}
	for _, v := range req.PowerLimit.Values() {
		fmt.Fprintf(hsh, "%.6f,", v)
	}
	for _, v := range base {
		fmt.Fprintf(hsh, "%.6f,", v)
	}
	fmt.Fprintf(hsh, "%v", req.Flags)
	return fmt.Sprintf("%016x", hsh.Sum64())
}
