// Package coreapi implements the Core API client over HTTP/JSON with bounded
// retry on fetches.
package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	core "github.com/gridpilot/hems/core/coreapi"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
)

// Config defines the connection parameters for the Core API.
type Config struct {
	BaseURL    string `json:"base_url"`
	TimeoutS   int    `json:"timeout_s"`
	MaxRetries int    `json:"max_retries"`
	BackoffMS  int    `json:"backoff_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TimeoutS <= 0 {
		c.TimeoutS = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 200
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: core_api.base_url is required", model.ErrConfigInvalid)
	}
	return nil
}

// HTTPClient implements core/coreapi.Client.
type HTTPClient struct {
	base       string
	cli        *http.Client
	maxRetries int
	backoff    time.Duration
	log        logger.Logger
}

var _ core.Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client from the configuration.
func NewHTTPClient(cfg Config, log logger.Logger) *HTTPClient {
	cfg.SetDefaults()
	return &HTTPClient{
		base:       cfg.BaseURL,
		cli:        &http.Client{Timeout: time.Duration(cfg.TimeoutS) * time.Second},
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		log:        log,
	}
}

// getJSON fetches a URL with bounded retry and decodes the body into out.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.cli.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warnf("GET %s attempt %d failed: %v", path, attempt+1, err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode/100 != 2 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				break
			}
			continue
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("%w: GET %s: %v", model.ErrDataUnavailable, path, lastErr)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.cli.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", model.ErrWriteFailed, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: POST %s: status %d: %s", model.ErrWriteFailed, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// deviceDoc mirrors the Core API device document: the well-known identity
// fields plus a flat bag of numeric parameters.
type deviceDoc map[string]json.RawMessage

func (c *HTTPClient) Devices(ctx context.Context) ([]model.Device, error) {
	var payload struct {
		Content []deviceDoc `json:"content"`
	}
	if err := c.getJSON(ctx, "/devices", nil, &payload); err != nil {
		return nil, err
	}
	devices := make([]model.Device, 0, len(payload.Content))
	for _, doc := range payload.Content {
		d, err := decodeDevice(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrDataUnavailable, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func decodeDevice(doc deviceDoc) (model.Device, error) {
	var d model.Device
	d.Params = make(map[string]float64)
	for key, raw := range doc {
		switch key {
		case "entity_id":
			if err := json.Unmarshal(raw, &d.EntityID); err != nil {
				return d, fmt.Errorf("entity_id: %v", err)
			}
		case "type":
			if err := json.Unmarshal(raw, &d.Kind); err != nil {
				return d, fmt.Errorf("type: %v", err)
			}
		case "priority":
			if err := json.Unmarshal(raw, &d.Priority); err != nil {
				return d, fmt.Errorf("priority: %v", err)
			}
		case "critical_action":
			if err := json.Unmarshal(raw, &d.CriticalAction); err != nil {
				return d, fmt.Errorf("critical_action: %v", err)
			}
		default:
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				d.Params[key] = v
			}
		}
	}
	return d, d.Validate()
}

func (c *HTTPClient) DeviceState(ctx context.Context, entityID, field string) (float64, error) {
	q := url.Values{}
	if field != "" {
		q.Set("field", field)
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/devices/state/"+url.PathEscape(entityID), q, &raw); err != nil {
		return 0, err
	}
	return decodeScalar(raw)
}

// decodeScalar accepts either a bare number or an object carrying a value
// field, both of which the Core API serves depending on the device.
func decodeScalar(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var obj struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("%w: unexpected state payload", model.ErrDataUnavailable)
	}
	return obj.Value, nil
}

func (c *HTTPClient) TotalConsumption(ctx context.Context) (float64, error) {
	var payload struct {
		TotalConsumption float64 `json:"total_consumption"`
	}
	if err := c.getJSON(ctx, "/building/consumption", nil, &payload); err != nil {
		return 0, err
	}
	// The meter reports consumption negative; flip so draw is positive.
	return -payload.TotalConsumption, nil
}

func (c *HTTPClient) Preferences(ctx context.Context, prefType, entityID string, start, stop time.Time) (model.TimeSeries, error) {
	q := url.Values{}
	q.Set("type", prefType)
	q.Set("device_id", entityID)
	q.Set("start", start.Format(time.RFC3339))
	q.Set("stop", stop.Format(time.RFC3339))
	return c.getSeries(ctx, "/preferences", q)
}

func (c *HTTPClient) Historic(ctx context.Context, historicType, entityID string, start, stop time.Time) (model.TimeSeries, error) {
	q := url.Values{}
	q.Set("type", historicType)
	if entityID != "" {
		q.Set("device_id", entityID)
	}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("stop", stop.Format(time.RFC3339))
	return c.getSeries(ctx, "/historic", q)
}

func (c *HTTPClient) WeatherForecast(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error) {
	return c.weather(ctx, "forecast", variable, start, stop)
}

func (c *HTTPClient) WeatherHistoric(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error) {
	return c.weather(ctx, "historic", variable, start, stop)
}

func (c *HTTPClient) weather(ctx context.Context, mode, variable string, start, stop time.Time) (model.TimeSeries, error) {
	q := url.Values{}
	q.Set("variable", variable)
	q.Set("start", start.Format(time.RFC3339))
	q.Set("stop", stop.Format(time.RFC3339))
	return c.getSeries(ctx, "/weather/"+mode, q)
}

func (c *HTTPClient) NonControllableForecast(ctx context.Context, variable string, start, stop time.Time) (model.TimeSeries, error) {
	q := url.Values{}
	q.Set("variable", variable)
	q.Set("start", start.Format(time.RFC3339))
	q.Set("stop", stop.Format(time.RFC3339))
	return c.getSeries(ctx, "/forecast/non_controllable", q)
}

// getSeries decodes a {iso_ts: value} payload, accepting an optional
// "forecast" wrapper object.
func (c *HTTPClient) getSeries(ctx context.Context, path string, q url.Values) (model.TimeSeries, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, q, &raw); err != nil {
		return model.TimeSeries{}, err
	}
	flat := map[string]float64{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		var wrapped struct {
			Forecast map[string]float64 `json:"forecast"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Forecast == nil {
			return model.TimeSeries{}, fmt.Errorf("%w: unexpected series payload at %s", model.ErrDataUnavailable, path)
		}
		flat = wrapped.Forecast
	}
	points := make(map[time.Time]float64, len(flat))
	for k, v := range flat {
		t, err := time.Parse(time.RFC3339, k)
		if err != nil {
			return model.TimeSeries{}, fmt.Errorf("%w: bad timestamp %q at %s", model.ErrDataUnavailable, k, path)
		}
		points[t] = v
	}
	return model.SeriesFromMap(points), nil
}

func (c *HTTPClient) WriteSetpoint(ctx context.Context, entityID string, setpoint float64) error {
	return c.postJSON(ctx, "/devices/setpoint/"+url.PathEscape(entityID), map[string]float64{"setpoint": setpoint})
}

func (c *HTTPClient) WriteSchedule(ctx context.Context, priority int, schedule map[string]map[time.Time]float64) error {
	body := make(map[string]map[string]float64, len(schedule))
	for entity, points := range schedule {
		m := make(map[string]float64, len(points))
		for t, v := range points {
			m[t.Format(time.RFC3339)] = v
		}
		body[entity] = m
	}
	return c.postJSON(ctx, "/devices/schedule/"+strconv.Itoa(priority), body)
}
