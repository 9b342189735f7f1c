package config

import (
	"fmt"

	"github.com/gridpilot/hems/core/model"
)

// ThermalConfig tunes the thermal-model learner and its artifact store.
type ThermalConfig struct {
	ModelPath    string  `json:"model_path"`
	TTLHours     int     `json:"ttl_h"`
	LookbackDays int     `json:"lookback_days"`
	LambdaX      float64 `json:"lambda_x"`
	LambdaU      float64 `json:"lambda_u"`
	LambdaW      float64 `json:"lambda_w"`
}

// SetDefaults applies the documented defaults.
func (c *ThermalConfig) SetDefaults() {
	if c.ModelPath == "" {
		c.ModelPath = "data/thermal_model.json"
	}
	if c.TTLHours == 0 {
		c.TTLHours = 24
	}
	if c.LookbackDays == 0 {
		c.LookbackDays = 7
	}
	if c.LambdaX == 0 {
		c.LambdaX = 1
	}
	if c.LambdaU == 0 {
		c.LambdaU = 1
	}
	if c.LambdaW == 0 {
		c.LambdaW = 1
	}
}

// Validate checks the tuning values.
func (c ThermalConfig) Validate() error {
	if c.TTLHours <= 0 {
		return fmt.Errorf("%w: thermal.ttl_h must be positive", model.ErrConfigInvalid)
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("%w: thermal.lookback_days must be positive", model.ErrConfigInvalid)
	}
	return nil
}
