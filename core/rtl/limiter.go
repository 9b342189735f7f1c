// Package rtl implements the real-time limiter: a ~1 Hz loop that samples
// total building power and curtails devices in inverse-priority order with
// per-device anti-rebound when the dynamic grid limit is threatened.
package rtl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/devicemodel"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/metrics"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/internal/eventbus"
)

// State is the limiter lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// Config carries the limiter tuning knobs.
type Config struct {
	TickPeriod         time.Duration
	SafetyMarginKW     float64
	AntireboundDefault time.Duration
	AntireboundBattery time.Duration
}

// SetDefaults applies the documented defaults.
func (c *Config) SetDefaults() {
	if c.TickPeriod <= 0 {
		c.TickPeriod = time.Second
	}
	if c.SafetyMarginKW == 0 {
		c.SafetyMarginKW = 0.5
	}
	if c.AntireboundDefault <= 0 {
		c.AntireboundDefault = 5 * time.Second
	}
	if c.AntireboundBattery <= 0 {
		c.AntireboundBattery = 30 * time.Second
	}
}

// NotifyEvent is published when every curtailment option is exhausted and
// consumption still exceeds the limit.
type NotifyEvent struct {
	Message string
	TotalKW float64
	LimitKW float64
	Time    time.Time
}

// Limiter owns the curtailment loop. Its mutable record (last adjustment
// times, curtailed set, lifecycle state) is confined to the loop goroutine;
// the dispatcher interacts only through Start, Stop and State.
type Limiter struct {
	cfg     Config
	api     coreapi.Client
	devices []model.Device
	limit   model.TimeSeries
	bus     *eventbus.Bus
	sink    metrics.Sink
	log     logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	lastAdjust map[string]time.Time
	curtailed  map[string]bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New builds a limiter over the given controllable devices and limit profile.
// Devices are curtailed lowest priority first.
func New(cfg Config, api coreapi.Client, devices []model.Device, limit model.TimeSeries, bus *eventbus.Bus, sink metrics.Sink, log logger.Logger) *Limiter {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Limiter{
		cfg:     cfg,
		api:     api,
		devices: model.SortByPriority(devices),
		limit:   limit,
		bus:     bus,
		sink:    sink,
		log:     log,
		now:     time.Now,
	}
}

// State returns the current lifecycle state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start launches the loop. It fails when the limiter is not STOPPED.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Stopped {
		return fmt.Errorf("limiter is %s, not STOPPED", l.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = Running
	l.lastAdjust = make(map[string]time.Time)
	l.curtailed = make(map[string]bool)
	go l.run(runCtx)
	l.log.Infof("real-time limiter started with %d devices, tick %s", len(l.devices), l.cfg.TickPeriod)
	return nil
}

// Stop requests an orderly exit and blocks until the loop has drained.
// Devices are left in their last commanded state.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return
	}
	l.state = Stopping
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
	l.log.Infof("real-time limiter stopped")
}

func (l *Limiter) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := l.now()
			if !l.tick(ctx) {
				l.selfStop()
				return
			}
			l.sink.RecordTick(l.now().Sub(started).Seconds())
		}
	}
}

// selfStop transitions to STOPPED when the loop exits on its own (no limit
// profile point at or before the current time). A concurrent Stop keeps
// ownership of the transition.
func (l *Limiter) selfStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Running {
		l.state = Stopped
		l.cancel()
	}
}

// tick runs one control iteration. It returns false when the loop should
// exit (no limit profile point at or before now; after the last point the
// last value keeps applying).
func (l *Limiter) tick(ctx context.Context) bool {
	now := l.now()

	limitKW, ok := l.limit.Latest(now)
	if !ok {
		l.log.Infof("no applicable power limit at %s, limiter exiting", now)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.TickPeriod)
	totalKW, err := l.api.TotalConsumption(callCtx)
	cancel()
	if err != nil {
		// Never curtail blindly on a failed sample.
		l.log.Errorf("consumption sample failed, skipping tick: %v", err)
		return true
	}

	threshold := limitKW - l.cfg.SafetyMarginKW
	if limitKW < l.cfg.SafetyMarginKW {
		threshold = limitKW
	}
	if totalKW <= threshold {
		l.log.Debugf("total power %.2f kW within %.2f kW threshold, no action", totalKW, threshold)
		return true
	}

	next := l.nextCurtailable(now)
	if next == nil {
		msg := fmt.Sprintf("consumption %.2f kW still above limit %.2f kW with no loads left to curtail", totalKW, limitKW)
		l.log.Warnf("%s", msg)
		l.sink.RecordNotify()
		if l.bus != nil {
			l.bus.Publish(NotifyEvent{Message: msg, TotalKW: totalKW, LimitKW: limitKW, Time: now})
		}
		return true
	}

	setpoint := devicemodel.CriticalSetpoint(*next)
	l.mu.Lock()
	l.lastAdjust[next.EntityID] = now
	l.mu.Unlock()

	callCtx, cancel = context.WithTimeout(ctx, l.cfg.TickPeriod)
	err = l.api.WriteSetpoint(callCtx, next.EntityID, setpoint)
	cancel()
	if err != nil {
		l.log.Errorf("setpoint write for %s failed: %v", next.EntityID, err)
		return true
	}

	l.mu.Lock()
	l.curtailed[next.EntityID] = true
	l.mu.Unlock()
	l.sink.RecordCurtailment(next.EntityID)
	l.log.Infof("curtailed %s to critical action %.2f (total %.2f kW, limit %.2f kW)", next.EntityID, setpoint, totalKW, limitKW)
	return true
}

// nextCurtailable selects the lowest-priority device that is outside its
// anti-rebound window and not already at its critical action.
func (l *Limiter) nextCurtailable(now time.Time) *model.Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.devices {
		d := &l.devices[i]
		if l.curtailed[d.EntityID] {
			continue
		}
		if last, ok := l.lastAdjust[d.EntityID]; ok && now.Sub(last) <= l.antirebound(*d) {
			continue
		}
		return d
	}
	return nil
}

func (l *Limiter) antirebound(d model.Device) time.Duration {
	if d.Kind == model.KindElectricStorage {
		return l.cfg.AntireboundBattery
	}
	return l.cfg.AntireboundDefault
}
