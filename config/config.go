// Package config loads the controller configuration from a JSON or YAML file
// with environment overrides for the documented knobs.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/infra/coreapi"
	"github.com/gridpilot/hems/infra/metrics"
	"github.com/gridpilot/hems/infra/mqtt"
	"github.com/gridpilot/hems/infra/tsdb"
)

// Config aggregates all subsystem settings.
type Config struct {
	CoreAPI coreapi.Config `json:"core_api"`
	MQTT    mqtt.Config    `json:"mqtt"`
	Influx  tsdb.Config    `json:"influx"`
	Metrics metrics.Config `json:"metrics"`
	RTL     RTLConfig      `json:"rtl"`
	Thermal ThermalConfig  `json:"thermal"`
	Planner PlannerConfig  `json:"planner"`
}

// envOverrides maps the documented environment variables onto config keys.
var envOverrides = map[string]string{
	"CORE_API_URL":              "core_api.base_url",
	"MQTT_BROKER_URL":           "mqtt.broker",
	"INFLUXDB_URL":              "influx.url",
	"INFLUXDB_TOKEN":            "influx.token",
	"INFLUXDB_ORG":              "influx.org",
	"INFLUXDB_BUCKET":           "influx.bucket",
	"MPC_PRIORITY":              "planner.priority",
	"RTL_TICK_PERIOD_S":         "rtl.tick_period_s",
	"RTL_SAFETY_MARGIN_KW":      "rtl.safety_margin_kw",
	"RTL_ANTIREBOUND_DEFAULT_S": "rtl.antirebound_default_s",
	"RTL_ANTIREBOUND_BATTERY_S": "rtl.antirebound_battery_s",
	"THERMAL_MODEL_PATH":        "thermal.model_path",
	"THERMAL_MODEL_TTL_H":       "thermal.ttl_h",
}

// Load reads the configuration file and applies environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("%w: unsupported config format: %s", model.ErrConfigInvalid, ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envOverrides[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	cfg.CoreAPI.SetDefaults()
	cfg.MQTT.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.RTL.SetDefaults()
	cfg.Thermal.SetDefaults()
	cfg.Planner.SetDefaults()
	if err := cfg.CoreAPI.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RTL.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Thermal.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
