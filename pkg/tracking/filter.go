package tracking

import (
	"math"

	"github.com/markus-lassfolk/fleettrack/pkg/geo"
)

// SkipReason explains why a cycle ended without a report. Skips are not failures.
type SkipReason string

const (
	SkipAccuracy   SkipReason = "accuracy"
	SkipInvalidFix SkipReason = "invalid_fix"
	SkipDistance   SkipReason = "distance"
	SkipBusy       SkipReason = "busy"
	SkipBackground SkipReason = "background"
)

// PassesAccuracyGate reports whether fix is precise enough to be considered at all
func PassesAccuracyGate(fix Fix, maxAccuracyMeters float64) bool {
	return fix.Accuracy <= maxAccuracyMeters
}

// screenFix applies the accuracy gate after rejecting readings that are not usable positions
func screenFix(fix Fix, maxAccuracyMeters float64) (SkipReason, bool) {
	if !geo.ValidCoordinate(fix.Latitude, fix.Longitude) {
		return SkipInvalidFix, false
	}
	if math.IsNaN(fix.Accuracy) || math.IsInf(fix.Accuracy, 0) || fix.Accuracy < 0 {
		return SkipInvalidFix, false
	}
	if !PassesAccuracyGate(fix, maxAccuracyMeters) {
		return SkipAccuracy, false
	}
	return "", true
}

// ShouldReport applies the distance filter against the last reported sample.
// It returns the decision and the distance in meters (zero without a prior sample).
func ShouldReport(last *LocationSample, fix Fix) (bool, float64) {
	if last == nil {
		return true, 0
	}
	distance := geo.Distance(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
	return distance >= MinReportDistanceMeters, distance
}
