package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/devicemodel"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/planner"
	"github.com/gridpilot/hems/core/rtl"
	"github.com/gridpilot/hems/core/thermal"
	"github.com/gridpilot/hems/infra/logger"
	"github.com/gridpilot/hems/internal/eventbus"
)

type fakeAPI struct {
	mu      sync.Mutex
	devices []model.Device
}

func (f *fakeAPI) Devices(context.Context) ([]model.Device, error) { return f.devices, nil }
func (f *fakeAPI) DeviceState(context.Context, string, string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}
func (f *fakeAPI) TotalConsumption(context.Context) (float64, error) { return 1, nil }
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
func (f *fakeAPI) NonControllableForecast(_ context.Context, _ string, start, stop time.Time) (model.TimeSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grid := map[time.Time]float64{}
	for t := start; t.Before(stop); t = t.Add(10 * time.Minute) {
		grid[t] = 1.0
	}
	return model.SeriesFromMap(grid), nil
}
func (f *fakeAPI) WriteSetpoint(context.Context, string, float64) error { return nil }
func (f *fakeAPI) WriteSchedule(context.Context, int, map[string]map[time.Time]float64) error {
	return nil
}

var _ coreapi.Client = (*fakeAPI)(nil)

func newTestDispatcher(t *testing.T) (*Dispatcher, *eventbus.Bus) {
	t.Helper()
	api := &fakeAPI{}

	store := thermal.NewStore(t.TempDir() + "/thermal.json")
	validator := thermal.NewValidator(store, thermal.NewLearner(logger.NopLogger{}), api,
		24*time.Hour, 7*24*time.Hour, logger.NopLogger{})
	registry := devicemodel.NewRegistry(validator, logger.NopLogger{})
	pl := planner.New(api, registry, nil, nil, 25, logger.NopLogger{})

	events := eventbus.New()
	cfg := rtl.Config{TickPeriod: 10 * time.Millisecond, SafetyMarginKW: 0.5,
		AntireboundDefault: time.Second, AntireboundBattery: time.Second}
	d := New(pl, api, cfg, events, nil, time.Minute, logger.NopLogger{})
	t.Cleanup(d.Shutdown)
	return d, events
}

func requestPayload(start time.Time, steps int) []byte {
	price := ""
	limit := ""
	for k := 0; k < steps; k++ {
		ts := start.Add(time.Duration(k) * 10 * time.Minute).Format(time.RFC3339)
		sep := ""
		if k > 0 {
			sep = ","
		}
		price += fmt.Sprintf("%s%q:0.1", sep, ts)
		limit += fmt.Sprintf("%s%q:10.0", sep, ts)
	}
	return []byte(fmt.Sprintf(`{"params":{"start":%q,"stop":%q,"interval":10,"price_profile":{%s},"power_limit":{%s}}}`,
		start.Format(time.RFC3339),
		start.Add(time.Duration(steps)*10*time.Minute).Format(time.RFC3339),
		price, limit))
}

func TestEmptyRequestStopsLimiter(t *testing.T) {
	d, _ := newTestDispatcher(t)
	start := time.Now().Add(-30 * time.Minute).Truncate(time.Minute)

	ack := d.HandleMessage(context.Background(), requestPayload(start, 3))
	if !ack.Accepted {
		t.Fatalf("request rejected: %s", ack.Error)
	}
	if d.LimiterState() != rtl.Running {
		t.Fatalf("expected RUNNING limiter, got %s", d.LimiterState())
	}

	started := time.Now()
	ack = d.HandleMessage(context.Background(), []byte(`{}`))
	if !ack.Accepted {
		t.Fatalf("stop request rejected: %s", ack.Error)
	}
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("stop took %s", elapsed)
	}
	if d.LimiterState() != rtl.Stopped {
		t.Fatalf("expected STOPPED limiter, got %s", d.LimiterState())
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if ack := d.HandleMessage(context.Background(), []byte(`{"params":`)); ack.Accepted {
		t.Fatalf("malformed payload must be rejected")
	}
}

func TestInvalidHorizonRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	payload := []byte(`{"params":{"start":"2025-03-01T06:00:00Z","stop":"2025-03-01T06:00:00Z","interval":10}}`)
	ack := d.HandleMessage(context.Background(), payload)
	if ack.Accepted {
		t.Fatalf("invalid horizon must be rejected")
	}
	if d.LimiterState() != rtl.Stopped {
		t.Fatalf("invalid request must not start the limiter")
	}
}

func TestPlannerJobPublishesResult(t *testing.T) {
	d, events := newTestDispatcher(t)
	sub := events.Subscribe()
	start := time.Now().Add(-30 * time.Minute).Truncate(time.Minute)

	// No device flags set: the cycle degenerates to the trivial feasibility
	// check and completes quickly.
	if ack := d.HandleMessage(context.Background(), requestPayload(start, 3)); !ack.Accepted {
		t.Fatalf("request rejected: %s", ack.Error)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub:
			if res, ok := ev.(CycleResultEvent); ok {
				if !res.Ack.Accepted {
					t.Fatalf("expected positive cycle result, got %+v", res.Ack)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no cycle result published")
		}
	}
}

func TestNewRequestSupersedesOld(t *testing.T) {
	d, _ := newTestDispatcher(t)
	start := time.Now().Add(-30 * time.Minute).Truncate(time.Minute)

	if ack := d.HandleMessage(context.Background(), requestPayload(start, 3)); !ack.Accepted {
		t.Fatalf("first request rejected: %s", ack.Error)
	}
	if ack := d.HandleMessage(context.Background(), requestPayload(start, 6)); !ack.Accepted {
		t.Fatalf("second request rejected: %s", ack.Error)
	}
	if d.LimiterState() != rtl.Running {
		t.Fatalf("expected the replacement limiter to run")
	}
	d.StopLimiter()
	if d.LimiterState() != rtl.Stopped {
		t.Fatalf("expected STOPPED after explicit stop")
	}
}
