package model

import (
	"fmt"
	"sort"
)

// Kind identifies a controllable device class.
type Kind string

const (
	KindSpaceHeating      Kind = "space_heating"
	KindWaterHeater       Kind = "water_heater"
	KindElectricStorage   Kind = "electric_storage"
	KindElectricVehicleV1 Kind = "electric_vehicle_v1g"
)

// Device is the static configuration of a controllable device as served by
// the Core API. Devices are immutable within a planning cycle.
type Device struct {
	EntityID string `json:"entity_id"`
	Kind     Kind   `json:"type"`
	// Priority orders curtailment: higher values are more important and are
	// curtailed last.
	Priority int `json:"priority"`
	// CriticalAction is the kind-specific fallback setpoint applied by the
	// real-time limiter (0 power, minimum temperature, ...).
	CriticalAction float64 `json:"critical_action"`
	// Params holds kind-specific static parameters such as capacities and
	// efficiencies. Missing entries fall back to documented defaults.
	Params map[string]float64 `json:"params"`
}

// Param returns the named static parameter or def when absent.
func (d Device) Param(name string, def float64) float64 {
	if v, ok := d.Params[name]; ok {
		return v
	}
	return def
}

// Validate checks that the device configuration is sound.
func (d Device) Validate() error {
	if d.EntityID == "" {
		return fmt.Errorf("%w: device entity_id is required", ErrConfigInvalid)
	}
	switch d.Kind {
	case KindSpaceHeating, KindWaterHeater, KindElectricStorage, KindElectricVehicleV1:
	default:
		return fmt.Errorf("%w: unknown device kind %q", ErrConfigInvalid, d.Kind)
	}
	return nil
}

// FilterByKind returns the devices of the given kind, order preserved.
func FilterByKind(devices []Device, kind Kind) []Device {
	var out []Device
	for _, d := range devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// SortByPriority returns a copy of devices sorted ascending by priority, so
// the least important device comes first. Curtailment walks this order.
func SortByPriority(devices []Device) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
