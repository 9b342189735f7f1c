package devicemodel

import (
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/thermal"
)

// Factory constructs a sub-model over the devices of its class.
type Factory func(devices []model.Device) SubModel

// Registry maps device kinds to sub-model constructors.
type Registry struct {
	factories map[model.Kind]Factory
}

// NewRegistry returns a registry with the four built-in device classes.
func NewRegistry(validator *thermal.Validator, log logger.Logger) *Registry {
	return &Registry{factories: map[model.Kind]Factory{
		model.KindWaterHeater: func(devices []model.Device) SubModel {
			return NewWaterHeater(devices, log)
		},
		model.KindElectricStorage: func(devices []model.Device) SubModel {
			return NewElectricStorage(devices, log)
		},
		model.KindElectricVehicleV1: func(devices []model.Device) SubModel {
			return NewElectricVehicle(devices, log)
		},
		model.KindSpaceHeating: func(devices []model.Device) SubModel {
			return NewSpaceHeating(devices, validator, log)
		},
	}}
}

// Register adds or replaces a factory for a kind.
func (r *Registry) Register(kind model.Kind, f Factory) {
	r.factories[kind] = f
}

// Build instantiates the sub-model for a kind, or returns false when the kind
// is unknown or no devices of that kind exist.
func (r *Registry) Build(kind model.Kind, devices []model.Device) (SubModel, bool) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, false
	}
	ofKind := model.FilterByKind(devices, kind)
	if len(ofKind) == 0 {
		return nil, false
	}
	return f(ofKind), true
}
