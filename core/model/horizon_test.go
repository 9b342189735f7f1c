package model

import (
	"errors"
	"testing"
	"time"
)

func TestHorizonValidate(t *testing.T) {
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	h := Horizon{Start: start, Stop: start.Add(2 * time.Hour), Interval: 10 * time.Minute}
	if err := h.Validate(); err != nil {
		t.Fatalf("valid horizon rejected: %v", err)
	}
	if got := h.Steps(); got != 12 {
		t.Fatalf("expected 12 steps, got %d", got)
	}
	if got := h.DeltaHours(); got != 10.0/60.0 {
		t.Fatalf("bad delta hours %f", got)
	}
}

func TestHorizonValidateRejects(t *testing.T) {
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	cases := []Horizon{
		{Start: start, Stop: start, Interval: time.Minute},
		{Start: start, Stop: start.Add(-time.Hour), Interval: time.Minute},
		{Start: start, Stop: start.Add(time.Hour), Interval: 0},
		{Start: start, Stop: start.Add(25 * time.Minute), Interval: 10 * time.Minute},
	}
	for i, h := range cases {
		err := h.Validate()
		if err == nil {
			t.Fatalf("case %d: expected error", i)
		}
		if !errors.Is(err, ErrHorizonInvalid) {
			t.Fatalf("case %d: expected ErrHorizonInvalid, got %v", i, err)
		}
	}
}

func TestHorizonGrid(t *testing.T) {
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	h := Horizon{Start: start, Stop: start.Add(30 * time.Minute), Interval: 10 * time.Minute}
	grid := h.Grid()
	if len(grid) != 3 {
		t.Fatalf("expected 3 grid points, got %d", len(grid))
	}
	if !grid[0].Equal(start) || !grid[2].Equal(start.Add(20*time.Minute)) {
		t.Fatalf("bad grid %v", grid)
	}
}
