package rtl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/infra/logger"
	"github.com/gridpilot/hems/internal/eventbus"
)

// fakeAPI records setpoint writes and serves a settable total consumption.
type fakeAPI struct {
	mu        sync.Mutex
	totalKW   float64
	totalErr  error
	setpoints []setpointWrite
}

type setpointWrite struct {
	entityID string
	value    float64
}

func (f *fakeAPI) setTotal(kw float64) {
	f.mu.Lock()
	f.totalKW = kw
	f.mu.Unlock()
}

func (f *fakeAPI) writes() []setpointWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setpointWrite(nil), f.setpoints...)
}

func (f *fakeAPI) Devices(context.Context) ([]model.Device, error) { return nil, nil }
func (f *fakeAPI) DeviceState(context.Context, string, string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}
func (f *fakeAPI) TotalConsumption(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalKW, f.totalErr
}
func (f *fakeAPI) Preferences(context.Context, string, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) Historic(context.Context, string, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) WeatherForecast(context.Context, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) WeatherHistoric(context.Context, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) NonControllableForecast(context.Context, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) WriteSetpoint(_ context.Context, entityID string, setpoint float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setpoints = append(f.setpoints, setpointWrite{entityID: entityID, value: setpoint})
	return nil
}
func (f *fakeAPI) WriteSchedule(context.Context, int, map[string]map[time.Time]float64) error {
	return nil
}

var _ coreapi.Client = (*fakeAPI)(nil)

func limitProfile(kw float64) model.TimeSeries {
	return model.SeriesFromMap(map[time.Time]float64{
		time.Now().Add(-time.Hour): kw,
	})
}

func testDevices() []model.Device {
	return []model.Device{
		{EntityID: "sh1", Kind: model.KindSpaceHeating, Priority: 5, Params: map[string]float64{"min_setpoint": 15}},
		{EntityID: "wh1", Kind: model.KindWaterHeater, Priority: 1},
	}
}

func testConfig() Config {
	return Config{
		TickPeriod:         10 * time.Millisecond,
		SafetyMarginKW:     0.5,
		AntireboundDefault: time.Second,
		AntireboundBattery: 2 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCurtailmentOrder(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(8)
	l := New(testConfig(), api, testDevices(), limitProfile(5), nil, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	// The lowest-priority device goes first and gets its critical action.
	waitFor(t, time.Second, func() bool { return len(api.writes()) >= 1 })
	w := api.writes()[0]
	if w.entityID != "wh1" {
		t.Fatalf("expected water heater curtailed first, got %s", w.entityID)
	}
	if w.value != 0 {
		t.Fatalf("expected critical action 0, got %.1f", w.value)
	}
}

func TestAntiRebound(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(8)
	l := New(testConfig(), api, testDevices(), limitProfile(5), nil, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	// Still above the limit after the first curtailment: the water heater
	// must not be re-adjusted, space heating is selected instead.
	waitFor(t, time.Second, func() bool { return len(api.writes()) >= 2 })
	writes := api.writes()
	if writes[0].entityID != "wh1" || writes[1].entityID != "sh1" {
		t.Fatalf("bad curtailment order: %v", writes)
	}
	if writes[1].value != 15 {
		t.Fatalf("expected minimum setpoint 15 for space heating, got %.1f", writes[1].value)
	}
}

func TestNotifyWhenExhausted(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(8)
	bus := eventbus.New()
	events := bus.Subscribe()
	l := New(testConfig(), api, testDevices(), limitProfile(5), bus, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	select {
	case ev := <-events:
		ne, ok := ev.(NotifyEvent)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		if ne.TotalKW != 8 || ne.LimitKW != 5 {
			t.Fatalf("bad notification %+v", ne)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a notification after exhausting curtailment")
	}
	// Both devices were curtailed exactly once before the notification.
	writes := api.writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 curtailments, got %d", len(writes))
	}
}

func TestNoActionWithinLimit(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(4)
	l := New(testConfig(), api, testDevices(), limitProfile(5), nil, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	l.Stop()
	if len(api.writes()) != 0 {
		t.Fatalf("expected no curtailment at %v", api.writes())
	}
}

func TestSampleFailureSkipsTick(t *testing.T) {
	api := &fakeAPI{totalErr: fmt.Errorf("meter offline")}
	l := New(testConfig(), api, testDevices(), limitProfile(5), nil, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	l.Stop()
	if len(api.writes()) != 0 {
		t.Fatalf("must not curtail blindly on sample failures")
	}
}

func TestLifecycle(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(1)
	cfg := testConfig()
	l := New(cfg, api, testDevices(), limitProfile(5), nil, nil, logger.NopLogger{})

	if l.State() != Stopped {
		t.Fatalf("fresh limiter should be STOPPED")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if l.State() != Running {
		t.Fatalf("expected RUNNING, got %s", l.State())
	}
	if err := l.Start(context.Background()); err == nil {
		t.Fatalf("second start must fail")
	}

	started := time.Now()
	l.Stop()
	if elapsed := time.Since(started); elapsed > 2*cfg.TickPeriod+50*time.Millisecond {
		t.Fatalf("stop took %s, exceeding the drain bound", elapsed)
	}
	if l.State() != Stopped {
		t.Fatalf("expected STOPPED, got %s", l.State())
	}

	// A stopped limiter can be started again.
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	l.Stop()
}

func TestExitsWhenLimitProfileNotApplicable(t *testing.T) {
	api := &fakeAPI{}
	api.setTotal(8)
	// The profile starts in the future, so no limit applies yet.
	future := model.SeriesFromMap(map[time.Time]float64{time.Now().Add(time.Hour): 5})
	l := New(testConfig(), api, testDevices(), future, nil, nil, logger.NopLogger{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return l.State() != Running || len(api.writes()) > 0 })
	l.Stop()
	if len(api.writes()) != 0 {
		t.Fatalf("must not curtail without an applicable limit")
	}
}
