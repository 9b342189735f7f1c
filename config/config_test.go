package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
core_api:
  base_url: http://coreapi:8000
mqtt:
  broker: tcp://broker:1883
influx:
  enabled: true
  url: http://influx:8086
  token: secret
  org: home
  bucket: hems
rtl:
  safety_margin_kw: 0.8
planner:
  priority: 30
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "http://coreapi:8000", cfg.CoreAPI.BaseURL)
	require.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	require.Equal(t, "mpc", cfg.MQTT.RequestTopic)
	require.Equal(t, 0.8, cfg.RTL.SafetyMarginKW)
	require.Equal(t, 30, cfg.Planner.Priority)

	// Documented defaults.
	require.Equal(t, 1.0, cfg.RTL.TickPeriodS)
	require.Equal(t, 5.0, cfg.RTL.AntireboundDefaultS)
	require.Equal(t, 30.0, cfg.RTL.AntireboundBatteryS)
	require.Equal(t, 24, cfg.Thermal.TTLHours)
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", `{"core_api":{"base_url":"http://coreapi:8000"}}`))
	require.NoError(t, err)
	require.Equal(t, "http://coreapi:8000", cfg.CoreAPI.BaseURL)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, err := Load(writeConfig(t, "config.toml", "x = 1"))
	require.Error(t, err)
}

func TestLoadRequiresCoreAPI(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", "mqtt:\n  broker: tcp://broker:1883\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MPC_PRIORITY", "40")
	t.Setenv("RTL_SAFETY_MARGIN_KW", "1.5")
	t.Setenv("THERMAL_MODEL_PATH", "/tmp/model.json")

	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	require.Equal(t, 40, cfg.Planner.Priority)
	require.Equal(t, 1.5, cfg.RTL.SafetyMarginKW)
	require.Equal(t, "/tmp/model.json", cfg.Thermal.ModelPath)
}

func TestRTLConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	core := cfg.RTL.ToCore()
	require.Equal(t, 0.8, core.SafetyMarginKW)
	require.Equal(t, "1s", core.TickPeriod.String())
	require.Equal(t, "30s", core.AntireboundBattery.String())
}
