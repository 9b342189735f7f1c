// Package coreapi defines the interface to the external Core API. The HTTP
// implementation lives in infra/coreapi; core packages depend only on this
// contract.
package coreapi

import (
	"context"
	"time"

	"github.com/gridpilot/hems/core/model"
)

// Preference series types served by the Core API.
const (
	PrefSetpoint         = "setpoint-preferences"
	PrefOccupancy        = "occupancy-preferences"
	PrefBatterySoC       = "electric-battery-soc-preferences"
	PrefVehicleBranched  = "vehicle-branched-preferences"
	PrefVehicleSoC       = "vehicle-soc-preferences"
	PrefWaterConsumption = "water-heater-consumption-preferences"
)

// Historic series types served by the Core API.
const (
	HistoricZoneTemperature = "tz-temperature"
	HistoricZoneConsumption = "tz-electric-consumption"
	HistoricNonControllable = "non-controllable-loads"
)

// Client is the Core API surface the controller consumes.
type Client interface {
	// Devices returns the installed device inventory.
	Devices(ctx context.Context) ([]model.Device, error)

	// DeviceState returns a scalar state field of a device.
	DeviceState(ctx context.Context, entityID, field string) (float64, error)

	// TotalConsumption returns the current total building power in kW,
	// positive for consumption.
	TotalConsumption(ctx context.Context) (float64, error)

	// Preferences returns a preference series for a device over [start, stop).
	Preferences(ctx context.Context, prefType, entityID string, start, stop time.Time) (model.TimeSeries, error)

	// Historic returns a historical series; entityID may be empty for
	// building-level series.
	Historic(ctx context.Context, historicType, entityID string, start, stop time.Time) (model.TimeSeries, error)

	// WeatherForecast returns a forecast weather variable on [start, stop).
	WeatherForecast(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error)

	// WeatherHistoric returns a historic weather variable on [start, stop).
	WeatherHistoric(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error)

	// NonControllableForecast returns the uncontrollable-load forecast in kW.
	NonControllableForecast(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error)

	// WriteSetpoint commands a device setpoint.
	WriteSetpoint(ctx context.Context, entityID string, setpoint float64) error

	// WriteSchedule posts a dispatch schedule under the given priority tag.
	WriteSchedule(ctx context.Context, priority int, schedule map[string]map[time.Time]float64) error
}
