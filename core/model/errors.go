package model

import "errors"

// Error kinds shared across the controller. Callers classify failures with
// errors.Is and wrap these sentinels with context.
var (
	ErrConfigInvalid    = errors.New("config invalid")
	ErrDataUnavailable  = errors.New("data unavailable")
	ErrHorizonInvalid   = errors.New("horizon invalid")
	ErrModelLoadFailed  = errors.New("thermal model load failed")
	ErrModelLearnFailed = errors.New("thermal model learn failed")
	ErrSolverInfeasible = errors.New("solver infeasible")
	ErrSolverError      = errors.New("solver error")
	ErrWriteFailed      = errors.New("write failed")
	ErrBusTransient     = errors.New("bus transient failure")
)
