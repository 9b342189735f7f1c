// Package tsdb persists interpreted planning results to InfluxDB using the
// official client.
package tsdb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/gridpilot/hems/core/devicemodel"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/planner"
)

// Config defines the InfluxDB connection.
type Config struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
}

// InfluxWriter writes per-device result series as dispatch_result points.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

var _ planner.ResultWriter = (*InfluxWriter)(nil)

// NewInfluxWriter creates a writer for the given InfluxDB endpoint.
func NewInfluxWriter(cfg Config, log logger.Logger) *InfluxWriter {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      log,
	}
}

// NewInfluxWriterWithFallback pings the InfluxDB instance and returns a
// NopWriter if the health check fails, so a missing TSDB never blocks
// planning.
func NewInfluxWriterWithFallback(cfg Config, log logger.Logger) planner.ResultWriter {
	w := NewInfluxWriter(cfg, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := w.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			log.Errorf("influx health check error: %v", err)
		} else {
			log.Errorf("influx health status: %s", health.Status)
		}
		w.client.Close()
		return NopWriter{}
	}
	return w
}

// WriteResults writes each device's result fields at the horizon step grid.
func (w *InfluxWriter) WriteResults(ctx context.Context, cycleID string, h model.Horizon, results []devicemodel.DeviceResult) error {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, r := range results {
		for field, series := range r.Fields {
			times := series.Times()
			values := series.Values()
			for i, t := range times {
				p := write.NewPointWithMeasurement("dispatch_result").
					AddTag("entity_id", r.EntityID).
					AddTag("kind", string(r.Kind)).
					AddTag("cycle_id", cycleID).
					AddField(field, values[i]).
					SetTime(t)
				if err := w.writeAPI.WritePoint(writeCtx, p); err != nil {
					return fmt.Errorf("%w: influx write: %v", model.ErrWriteFailed, err)
				}
			}
		}
	}
	w.log.Infof("wrote result series for %d devices to influx", len(results))
	return nil
}

// Close releases the underlying client.
func (w *InfluxWriter) Close() { w.client.Close() }

// NopWriter discards result series.
type NopWriter struct{}

func (NopWriter) WriteResults(context.Context, string, model.Horizon, []devicemodel.DeviceResult) error {
	return nil
}
