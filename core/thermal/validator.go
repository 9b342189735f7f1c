package thermal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
)

// Validator decides whether the persisted thermal model can be used as-is or
// must be relearned, and performs the relearn from Core API telemetry. A
// learning failure is never fatal: the previous artifact or the default model
// is returned instead.
type Validator struct {
	store    *Store
	learner  *Learner
	api      coreapi.Client
	ttl      time.Duration
	lookback time.Duration
	log      logger.Logger
	now      func() time.Time
}

// NewValidator wires a validator with the given freshness TTL and historical
// lookback window.
func NewValidator(store *Store, learner *Learner, api coreapi.Client, ttl, lookback time.Duration, log logger.Logger) *Validator {
	return &Validator{
		store:    store,
		learner:  learner,
		api:      api,
		ttl:      ttl,
		lookback: lookback,
		log:      log,
		now:      time.Now,
	}
}

// ValidateOrLearn returns a usable thermal model for the given space-heating
// devices: the persisted artifact when fresh, otherwise a relearned model,
// otherwise the stale artifact, otherwise the default model.
func (v *Validator) ValidateOrLearn(ctx context.Context, devices []model.Device) (*Model, error) {
	now := v.now()

	prev, loadErr := v.store.Load()
	if loadErr == nil && prev.Fresh(now, v.ttl) {
		v.log.Debugf("thermal model from %s is fresh, skipping relearn", prev.LearnedAt)
		return prev, nil
	}
	if loadErr != nil {
		v.log.Warnf("thermal model artifact unusable: %v", loadErr)
	} else {
		v.log.Infof("thermal model from %s is older than %s, relearning", prev.LearnedAt, v.ttl)
	}

	learned, err := v.learn(ctx, devices, now)
	if err == nil {
		if saveErr := v.store.Save(learned); saveErr != nil {
			v.log.Errorf("failed to persist thermal model: %v", saveErr)
		}
		return learned, nil
	}
	v.log.Warnf("thermal model learning failed: %v", err)

	if loadErr == nil {
		v.log.Warnf("keeping stale thermal model from %s", prev.LearnedAt)
		return prev, nil
	}

	def := DefaultModel(len(devices), now)
	v.log.Warnf("falling back to default thermal model for %d zones", len(devices))
	if saveErr := v.store.Save(def); saveErr != nil {
		v.log.Errorf("failed to persist default thermal model: %v", saveErr)
	}
	return def, nil
}

// learn fetches the historical traces and fits the model.
func (v *Validator) learn(ctx context.Context, devices []model.Device, now time.Time) (*Model, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no space heating devices", model.ErrModelLearnFailed)
	}
	start := now.Add(-v.lookback)

	temps := make([]model.TimeSeries, len(devices))
	powers := make([]model.TimeSeries, len(devices))
	for i, d := range devices {
		ts, err := v.api.Historic(ctx, coreapi.HistoricZoneTemperature, d.EntityID, start, now)
		if err != nil {
			return nil, fmt.Errorf("%w: zone temperature for %s: %v", model.ErrModelLearnFailed, d.EntityID, err)
		}
		temps[i] = ts
		ps, err := v.api.Historic(ctx, coreapi.HistoricZoneConsumption, d.EntityID, start, now)
		if err != nil {
			return nil, fmt.Errorf("%w: zone consumption for %s: %v", model.ErrModelLearnFailed, d.EntityID, err)
		}
		powers[i] = ps
	}
	weather, err := v.api.WeatherHistoric(ctx, "temperature", start, now)
	if err != nil {
		return nil, fmt.Errorf("%w: weather history: %v", model.ErrModelLearnFailed, err)
	}

	grid := commonGrid(append(append(append([]model.TimeSeries{}, temps...), powers...), weather))
	minSamples := MinSamples(len(devices), len(devices), 1)
	if len(grid) < minSamples {
		return nil, fmt.Errorf("%w: %d aligned samples, need %d", model.ErrModelLearnFailed, len(grid), minSamples)
	}

	x := mat.NewDense(len(devices), len(grid), nil)
	u := mat.NewDense(len(devices), len(grid), nil)
	w := mat.NewDense(1, len(grid), nil)
	for j, t := range grid {
		for i := range devices {
			tv, _ := temps[i].At(t)
			x.Set(i, j, tv)
			// Heater consumption arrives negative in W; flip the sign,
			// convert to kW and drop regeneration artifacts.
			pv, _ := powers[i].At(t)
			pkw := -pv / 1000
			if pkw < 0 {
				pkw = 0
			}
			u.Set(i, j, pkw)
		}
		wv, _ := weather.At(t)
		w.Set(0, j, wv)
	}

	return v.learner.Fit(x, u, w, now)
}

// commonGrid returns the timestamps present in every series, sorted.
func commonGrid(series []model.TimeSeries) []time.Time {
	if len(series) == 0 {
		return nil
	}
	counts := make(map[time.Time]int)
	for _, s := range series {
		for _, t := range s.Times() {
			counts[t]++
		}
	}
	var grid []time.Time
	for t, c := range counts {
		if c == len(series) {
			grid = append(grid, t)
		}
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i].Before(grid[j]) })
	return grid
}
