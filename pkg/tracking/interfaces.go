package tracking

import "context"

// GeolocationSource supplies position fixes on request
type GeolocationSource interface {
	// RequestPermission asks for location access. It never fails; false means denied.
	RequestPermission(ctx context.Context) bool

	// CurrentFix returns a single fix. desiredAccuracy is a hint in meters; sources may
	// return a *LocationError describing why no fix was produced.
	CurrentFix(ctx context.Context, desiredAccuracy float64) (*Fix, error)
}

// ReverseGeocoder translates coordinates into a human readable address.
// An empty address with a nil error means nothing was found.
type ReverseGeocoder interface {
	Resolve(ctx context.Context, lat, lng float64) (string, error)
}

// TelemetryReporter delivers one sample to the backend and returns nil only on acceptance
type TelemetryReporter interface {
	ReportLocation(ctx context.Context, subjectID string, sample LocationSample) error
}

// LifecycleMonitor publishes app foreground/background transitions
type LifecycleMonitor interface {
	// Subscribe registers callback and returns a function that removes it
	Subscribe(callback func(AppState)) (unsubscribe func())
}
