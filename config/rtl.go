package config

import (
	"fmt"
	"time"

	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/rtl"
)

// RTLConfig tunes the real-time limiter.
type RTLConfig struct {
	TickPeriodS         float64 `json:"tick_period_s"`
	SafetyMarginKW      float64 `json:"safety_margin_kw"`
	AntireboundDefaultS float64 `json:"antirebound_default_s"`
	AntireboundBatteryS float64 `json:"antirebound_battery_s"`
}

// SetDefaults applies the documented defaults.
func (c *RTLConfig) SetDefaults() {
	if c.TickPeriodS == 0 {
		c.TickPeriodS = 1
	}
	if c.SafetyMarginKW == 0 {
		c.SafetyMarginKW = 0.5
	}
	if c.AntireboundDefaultS == 0 {
		c.AntireboundDefaultS = 5
	}
	if c.AntireboundBatteryS == 0 {
		c.AntireboundBatteryS = 30
	}
}

// Validate checks the tuning values.
func (c RTLConfig) Validate() error {
	if c.TickPeriodS <= 0 {
		return fmt.Errorf("%w: rtl.tick_period_s must be positive", model.ErrConfigInvalid)
	}
	if c.SafetyMarginKW < 0 {
		return fmt.Errorf("%w: rtl.safety_margin_kw must not be negative", model.ErrConfigInvalid)
	}
	return nil
}

// ToCore converts to the limiter's runtime configuration.
func (c RTLConfig) ToCore() rtl.Config {
	return rtl.Config{
		TickPeriod:         time.Duration(c.TickPeriodS * float64(time.Second)),
		SafetyMarginKW:     c.SafetyMarginKW,
		AntireboundDefault: time.Duration(c.AntireboundDefaultS * float64(time.Second)),
		AntireboundBattery: time.Duration(c.AntireboundBatteryS * float64(time.Second)),
	}
}
