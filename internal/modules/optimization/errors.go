package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching. The concrete error types below
// carry the detail and report these through Is.
var (
	ErrInsufficientData     = errors.New("insufficient data")
	ErrOptimizationFailed   = errors.New("optimization failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// InsufficientDataError is returned when the retained returns table is too
// small to estimate statistics (no assets or fewer than 2 observations).
type InsufficientDataError struct {
	Assets       int
	Observations int
	Reason       string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %s (assets=%d, observations=%d)", e.Reason, e.Assets, e.Observations)
}

// Is reports whether target is ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// OptimizationFailure is returned when a minimizer did not converge or its
// result violates the constraints beyond tolerance.
type OptimizationFailure struct {
	Problem     string
	Reason      string
	LastIterate []float64
	Diagnostics Diagnostics
}

func (e *OptimizationFailure) Error() string {
	if e.Problem == "" {
		return fmt.Sprintf("optimization failed: %s", e.Reason)
	}
	return fmt.Sprintf("optimization failed (%s): %s", e.Problem, e.Reason)
}

// Is reports whether target is ErrOptimizationFailed.
func (e *OptimizationFailure) Is(target error) bool {
	return target == ErrOptimizationFailed
}

// InvalidConfigurationError is returned for unusable options, inconsistent
// problem dimensions or malformed input data.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidConfiguration.
func (e *InvalidConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

func invalidf(field, format string, args ...interface{}) error {
	return &InvalidConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
