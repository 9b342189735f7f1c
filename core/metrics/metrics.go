// Package metrics defines the instrumentation sink implemented by
// infra/metrics. Core packages record through this interface only.
package metrics

// Sink receives controller instrumentation events.
type Sink interface {
	// RecordSolve observes one planner solve with its final status.
	RecordSolve(status string, seconds float64)
	// RecordTick observes one real-time limiter tick duration.
	RecordTick(seconds float64)
	// RecordCurtailment counts a critical action applied to a device.
	RecordCurtailment(entityID string)
	// RecordNotify counts an exhausted-curtailment user notification.
	RecordNotify()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordSolve(string, float64) {}
func (NopSink) RecordTick(float64)          {}
func (NopSink) RecordCurtailment(string)    {}
func (NopSink) RecordNotify()               {}
