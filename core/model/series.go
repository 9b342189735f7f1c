package model

import (
	"fmt"
	"sort"
	"time"
)

// TimeSeries is an ordered mapping from timestamps to float values.
type TimeSeries struct {
	times  []time.Time
	values []float64
}

// NewTimeSeries builds a series from parallel slices, sorting by time.
func NewTimeSeries(times []time.Time, values []float64) (TimeSeries, error) {
	if len(times) != len(values) {
		return TimeSeries{}, fmt.Errorf("%w: %d timestamps vs %d values", ErrDataUnavailable, len(times), len(values))
	}
	ts := TimeSeries{times: append([]time.Time(nil), times...), values: append([]float64(nil), values...)}
	sort.Sort(byTime{ts.times, ts.values})
	return ts, nil
}

// SeriesFromMap builds a series from a timestamp keyed map.
func SeriesFromMap(m map[time.Time]float64) TimeSeries {
	times := make([]time.Time, 0, len(m))
	for t := range m {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	values := make([]float64, len(times))
	for i, t := range times {
		values[i] = m[t]
	}
	return TimeSeries{times: times, values: values}
}

type byTime struct {
	t []time.Time
	v []float64
}

func (s byTime) Len() int           { return len(s.t) }
func (s byTime) Less(i, j int) bool { return s.t[i].Before(s.t[j]) }
func (s byTime) Swap(i, j int) {
	s.t[i], s.t[j] = s.t[j], s.t[i]
	s.v[i], s.v[j] = s.v[j], s.v[i]
}

// Len returns the number of points.
func (ts TimeSeries) Len() int { return len(ts.times) }

// Times returns the ordered timestamps.
func (ts TimeSeries) Times() []time.Time { return append([]time.Time(nil), ts.times...) }

// Values returns the ordered values.
func (ts TimeSeries) Values() []float64 { return append([]float64(nil), ts.values...) }

// At returns the exact value at t.
func (ts TimeSeries) At(t time.Time) (float64, bool) {
	i := sort.Search(len(ts.times), func(i int) bool { return !ts.times[i].Before(t) })
	if i < len(ts.times) && ts.times[i].Equal(t) {
		return ts.values[i], true
	}
	return 0, false
}

// Latest returns the value at the latest timestamp not after t, implementing
// the piecewise-constant lookup the real-time limiter uses. The second return
// is false when t precedes the first point.
func (ts TimeSeries) Latest(t time.Time) (float64, bool) {
	i := sort.Search(len(ts.times), func(i int) bool { return ts.times[i].After(t) })
	if i == 0 {
		return 0, false
	}
	return ts.values[i-1], true
}

// First returns the first timestamp; ok is false for an empty series.
func (ts TimeSeries) First() (time.Time, bool) {
	if len(ts.times) == 0 {
		return time.Time{}, false
	}
	return ts.times[0], true
}

// Last returns the last timestamp; ok is false for an empty series.
func (ts TimeSeries) Last() (time.Time, bool) {
	if len(ts.times) == 0 {
		return time.Time{}, false
	}
	return ts.times[len(ts.times)-1], true
}

// OnGrid resamples the series onto the horizon grid and returns the N dense
// values. Every grid timestamp must have an exact point; a longer series is
// clipped to the horizon.
func (ts TimeSeries) OnGrid(h Horizon) ([]float64, error) {
	grid := h.Grid()
	out := make([]float64, len(grid))
	for k, t := range grid {
		v, ok := ts.At(t)
		if !ok {
			return nil, fmt.Errorf("%w: series missing grid point %s", ErrDataUnavailable, t)
		}
		out[k] = v
	}
	return out, nil
}

// Map returns the series as a timestamp keyed map.
func (ts TimeSeries) Map() map[time.Time]float64 {
	m := make(map[time.Time]float64, len(ts.times))
	for i, t := range ts.times {
		m[t] = ts.values[i]
	}
	return m
}
