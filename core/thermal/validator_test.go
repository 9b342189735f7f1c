package thermal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/infra/logger"
)

type fakeAPI struct {
	historic func(historicType, entityID string) (model.TimeSeries, error)
	weather  func(variable string) (model.TimeSeries, error)
}

func (f *fakeAPI) Devices(context.Context) ([]model.Device, error) { return nil, nil }
func (f *fakeAPI) DeviceState(context.Context, string, string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}
func (f *fakeAPI) TotalConsumption(context.Context) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}
func (f *fakeAPI) Preferences(context.Context, string, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) Historic(_ context.Context, historicType, entityID string, _, _ time.Time) (model.TimeSeries, error) {
	return f.historic(historicType, entityID)
}
func (f *fakeAPI) WeatherForecast(context.Context, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) WeatherHistoric(_ context.Context, variable string, _, _ time.Time) (model.TimeSeries, error) {
	return f.weather(variable)
}
func (f *fakeAPI) NonControllableForecast(context.Context, string, time.Time, time.Time) (model.TimeSeries, error) {
	return model.TimeSeries{}, fmt.Errorf("not implemented")
}
func (f *fakeAPI) WriteSetpoint(context.Context, string, float64) error { return nil }
func (f *fakeAPI) WriteSchedule(context.Context, int, map[string]map[time.Time]float64) error {
	return nil
}

var _ coreapi.Client = (*fakeAPI)(nil)

func zones(n int) []model.Device {
	out := make([]model.Device, n)
	for i := range out {
		out[i] = model.Device{EntityID: fmt.Sprintf("tz%d", i), Kind: model.KindSpaceHeating, Priority: i + 1}
	}
	return out
}

func failingAPI() *fakeAPI {
	return &fakeAPI{
		historic: func(string, string) (model.TimeSeries, error) {
			return model.TimeSeries{}, fmt.Errorf("historic store down")
		},
		weather: func(string) (model.TimeSeries, error) {
			return model.TimeSeries{}, fmt.Errorf("weather store down")
		},
	}
}

func TestValidatorFreshArtifactSkipsRelearn(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "thermal.json"))
	fresh := DefaultModel(2, time.Now().Add(-time.Hour))
	if err := store.Save(fresh); err != nil {
		t.Fatalf("save: %v", err)
	}

	v := NewValidator(store, NewLearner(logger.NopLogger{}), failingAPI(), 24*time.Hour, 7*24*time.Hour, logger.NopLogger{})
	m, err := v.ValidateOrLearn(context.Background(), zones(2))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !m.LearnedAt.Equal(fresh.LearnedAt) {
		t.Fatalf("expected fresh artifact to be reused")
	}
}

func TestValidatorStaleArtifactKeptWhenLearningFails(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "thermal.json"))
	stale := DefaultModel(2, time.Now().Add(-25*time.Hour))
	if err := store.Save(stale); err != nil {
		t.Fatalf("save: %v", err)
	}

	v := NewValidator(store, NewLearner(logger.NopLogger{}), failingAPI(), 24*time.Hour, 7*24*time.Hour, logger.NopLogger{})
	m, err := v.ValidateOrLearn(context.Background(), zones(2))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !m.LearnedAt.Equal(stale.LearnedAt) {
		t.Fatalf("expected stale artifact to survive a failed relearn")
	}
}

func TestValidatorDefaultsWhenNothingAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thermal.json")
	store := NewStore(path)

	v := NewValidator(store, NewLearner(logger.NopLogger{}), failingAPI(), 24*time.Hour, 7*24*time.Hour, logger.NopLogger{})
	m, err := v.ValidateOrLearn(context.Background(), zones(3))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Zones != 3 {
		t.Fatalf("expected 3-zone default model, got %d", m.Zones)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("default model invalid: %v", err)
	}
	// The default is persisted for the next cycle.
	if _, err := store.Load(); err != nil {
		t.Fatalf("default model not persisted: %v", err)
	}
}

func TestValidatorLearnsFromHistoricData(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "thermal.json"))

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := 60
	mkSeries := func(f func(k int) float64) model.TimeSeries {
		m := map[time.Time]float64{}
		for k := 0; k < samples; k++ {
			m[start.Add(time.Duration(k)*10*time.Minute)] = f(k)
		}
		return model.SeriesFromMap(m)
	}
	api := &fakeAPI{
		historic: func(historicType, entityID string) (model.TimeSeries, error) {
			if historicType == coreapi.HistoricZoneTemperature {
				return mkSeries(func(k int) float64 { return 19 + float64(k%5) }), nil
			}
			// Consumption arrives negative in W.
			return mkSeries(func(k int) float64 { return -500 - float64(k%3)*250 }), nil
		},
		weather: func(string) (model.TimeSeries, error) {
			return mkSeries(func(k int) float64 { return -4 + float64(k%7) }), nil
		},
	}

	v := NewValidator(store, NewLearner(logger.NopLogger{}), api, 24*time.Hour, 7*24*time.Hour, logger.NopLogger{})
	m, err := v.ValidateOrLearn(context.Background(), zones(2))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("learned model invalid: %v", err)
	}
	if _, err := store.Load(); err != nil {
		t.Fatalf("learned model not persisted: %v", err)
	}
}
