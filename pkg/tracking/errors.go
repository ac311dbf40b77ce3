package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig    = errors.New("invalid tracking config")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrTooManyFailures  = errors.New("too many consecutive report failures")
	ErrNoFix            = errors.New("geolocation source returned no fix")
)

// LocationErrorCode classifies geolocation failures
type LocationErrorCode string

const (
	LocationPermissionDenied LocationErrorCode = "permission_denied"
	LocationTimeout          LocationErrorCode = "timeout"
	LocationUnavailable      LocationErrorCode = "unavailable"
)

// LocationError is returned by geolocation sources when a fix cannot be produced
type LocationError struct {
	Code LocationErrorCode
	Err  error
}

// NewLocationError wraps err with a location error code
func NewLocationError(code LocationErrorCode, err error) *LocationError {
	return &LocationError{Code: code, Err: err}
}

func (e *LocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("location error: %s", e.Code)
	}
	return fmt.Sprintf("location error: %s: %v", e.Code, e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrPermissionDenied) match permission_denied location errors
func (e *LocationError) Is(target error) bool {
	return target == ErrPermissionDenied && e.Code == LocationPermissionDenied
}
