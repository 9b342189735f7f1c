// Package dispatcher receives planning requests from the message bus,
// schedules planner jobs and manages the real-time limiter lifecycle. All
// mutable handles (the limiter, the pending planner job) are confined here
// and driven by explicit lifecycle calls.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/metrics"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/planner"
	"github.com/gridpilot/hems/core/rtl"
	"github.com/gridpilot/hems/internal/eventbus"
)

// Params is the wire payload of a planning request.
type Params struct {
	Start           string             `json:"start"`
	Stop            string             `json:"stop"`
	Interval        int                `json:"interval"`
	PriceProfile    map[string]float64 `json:"price_profile"`
	PowerLimit      map[string]float64 `json:"power_limit"`
	SpaceHeating    bool               `json:"space_heating"`
	ElectricStorage bool               `json:"electric_storage"`
	ElectricVehicle bool               `json:"electric_vehicle"`
	WaterHeater     bool               `json:"water_heater"`
}

// Message is the envelope received on the mpc topic. A missing or empty
// params object is a stop-limiter request.
type Message struct {
	Params *Params `json:"params"`
}

// Ack is the boolean response sent back on the bus.
type Ack struct {
	Accepted bool   `json:"ack"`
	CycleID  string `json:"cycle_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CycleResultEvent is published on the internal event bus when a scheduled
// planner job finishes, so the bus transport can surface negative acks.
type CycleResultEvent struct {
	Ack  Ack
	Time time.Time
}

// Dispatcher owns the planner job and limiter handles.
type Dispatcher struct {
	planner *planner.Planner
	api     coreapi.Client
	rtlCfg  rtl.Config
	events  *eventbus.Bus
	sink    metrics.Sink
	log     logger.Logger
	// lead is how long before the horizon start the planner job fires.
	lead time.Duration
	now  func() time.Time

	mu        sync.Mutex
	limiter   *rtl.Limiter
	jobTimer  *time.Timer
	jobCancel context.CancelFunc
}

// New wires a dispatcher. lead defaults to ten minutes when zero.
func New(pl *planner.Planner, api coreapi.Client, rtlCfg rtl.Config, events *eventbus.Bus, sink metrics.Sink, lead time.Duration, log logger.Logger) *Dispatcher {
	if lead <= 0 {
		lead = 10 * time.Minute
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Dispatcher{
		planner: pl,
		api:     api,
		rtlCfg:  rtlCfg,
		events:  events,
		sink:    sink,
		log:     log,
		lead:    lead,
		now:     time.Now,
	}
}

// HandleMessage processes one bus message and returns the immediate ack.
func (d *Dispatcher) HandleMessage(ctx context.Context, payload []byte) Ack {
	var msg Message
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			d.log.Errorf("malformed planning request: %v", err)
			return Ack{Accepted: false, Error: fmt.Sprintf("malformed request: %v", err)}
		}
	}
	if msg.Params == nil || msg.Params.Start == "" {
		d.log.Infof("received planning request with no parameters, stopping the real-time limiter")
		d.StopLimiter()
		return Ack{Accepted: true}
	}
	return d.schedule(ctx, *msg.Params)
}

// StopLimiter drains the running limiter, if any.
func (d *Dispatcher) StopLimiter() {
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()
	if lim != nil {
		lim.Stop()
	}
}

// LimiterState exposes the limiter lifecycle state for observability.
func (d *Dispatcher) LimiterState() rtl.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiter == nil {
		return rtl.Stopped
	}
	return d.limiter.State()
}

// Shutdown cancels the pending planner job and stops the limiter.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.jobTimer != nil {
		d.jobTimer.Stop()
	}
	if d.jobCancel != nil {
		d.jobCancel()
	}
	d.mu.Unlock()
	d.StopLimiter()
}

func (d *Dispatcher) schedule(ctx context.Context, params Params) Ack {
	req, err := d.buildRequest(params)
	if err != nil {
		d.log.Errorf("rejecting planning request: %v", err)
		return Ack{Accepted: false, Error: err.Error()}
	}

	devices, err := d.api.Devices(ctx)
	if err != nil {
		d.log.Errorf("device inventory unavailable: %v", err)
		return Ack{Accepted: false, Error: fmt.Sprintf("%v: %v", model.ErrDataUnavailable, err)}
	}
	controllable := enabledDevices(devices, req.Flags)

	d.mu.Lock()
	defer d.mu.Unlock()

	// A new request supersedes the outstanding job and limiter instance.
	if d.jobTimer != nil {
		d.jobTimer.Stop()
		d.jobTimer = nil
	}
	if d.jobCancel != nil {
		d.jobCancel()
		d.jobCancel = nil
	}
	if d.limiter != nil {
		d.limiter.Stop()
		d.limiter = nil
	}

	lim := rtl.New(d.rtlCfg, d.api, controllable, req.PowerLimit, d.events, d.sink, d.log)
	if err := lim.Start(context.Background()); err != nil {
		// The planner result is still worth producing.
		d.log.Errorf("real-time limiter start failed: %v", err)
	} else {
		d.limiter = lim
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	d.jobCancel = cancel
	delay := time.Until(req.Horizon.Start.Add(-d.lead))
	if delay < 0 {
		delay = 0
	}
	d.log.Infof("planner job scheduled in %s for horizon starting %s", delay.Round(time.Second), req.Horizon.Start)
	d.jobTimer = time.AfterFunc(delay, func() { d.runJob(jobCtx, req) })

	return Ack{Accepted: true}
}

func (d *Dispatcher) runJob(ctx context.Context, req planner.Request) {
	if ctx.Err() != nil {
		return
	}
	res, err := d.planner.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			d.log.Infof("planner job cancelled")
			return
		}
		d.log.Errorf("planning cycle failed: %v", err)
		if d.events != nil {
			d.events.Publish(CycleResultEvent{Ack: Ack{Accepted: false, Error: err.Error()}, Time: d.now()})
		}
		return
	}
	d.log.Infof("planning cycle %s completed with status %s in %.2fs", res.CycleID, res.Status, res.WallTime.Seconds())
	if d.events != nil {
		d.events.Publish(CycleResultEvent{Ack: Ack{Accepted: true, CycleID: res.CycleID}, Time: d.now()})
	}
}

// buildRequest parses and validates the wire parameters.
func (d *Dispatcher) buildRequest(params Params) (planner.Request, error) {
	start, err := time.Parse(time.RFC3339, params.Start)
	if err != nil {
		return planner.Request{}, fmt.Errorf("%w: start: %v", model.ErrHorizonInvalid, err)
	}
	stop, err := time.Parse(time.RFC3339, params.Stop)
	if err != nil {
		return planner.Request{}, fmt.Errorf("%w: stop: %v", model.ErrHorizonInvalid, err)
	}
	h := model.Horizon{Start: start, Stop: stop, Interval: time.Duration(params.Interval) * time.Minute}
	if err := h.Validate(); err != nil {
		return planner.Request{}, err
	}

	price, err := parseSeries(params.PriceProfile)
	if err != nil {
		return planner.Request{}, fmt.Errorf("price profile: %w", err)
	}
	limit, err := parseSeries(params.PowerLimit)
	if err != nil {
		return planner.Request{}, fmt.Errorf("power limit: %w", err)
	}

	return planner.Request{
		Horizon:      h,
		PriceProfile: price,
		PowerLimit:   limit,
		Flags: planner.Flags{
			SpaceHeating:    params.SpaceHeating,
			ElectricStorage: params.ElectricStorage,
			ElectricVehicle: params.ElectricVehicle,
			WaterHeater:     params.WaterHeater,
		},
	}, nil
}

func parseSeries(raw map[string]float64) (model.TimeSeries, error) {
	m := make(map[time.Time]float64, len(raw))
	for k, v := range raw {
		t, err := time.Parse(time.RFC3339, k)
		if err != nil {
			return model.TimeSeries{}, fmt.Errorf("%w: bad timestamp %q: %v", model.ErrHorizonInvalid, k, err)
		}
		m[t] = v
	}
	return model.SeriesFromMap(m), nil
}

func enabledDevices(devices []model.Device, flags planner.Flags) []model.Device {
	var out []model.Device
	for _, dev := range devices {
		switch dev.Kind {
		case model.KindSpaceHeating:
			if flags.SpaceHeating {
				out = append(out, dev)
			}
		case model.KindElectricStorage:
			if flags.ElectricStorage {
				out = append(out, dev)
			}
		case model.KindElectricVehicleV1:
			if flags.ElectricVehicle {
				out = append(out, dev)
			}
		case model.KindWaterHeater:
			if flags.WaterHeater {
				out = append(out, dev)
			}
		}
	}
	return out
}
