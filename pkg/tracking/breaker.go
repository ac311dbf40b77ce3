package tracking

// FailureBreaker counts consecutive report failures and trips at a threshold.
// It is not safe for concurrent use; the owning session serializes access.
type FailureBreaker struct {
	threshold int
	failures  int
}

// NewFailureBreaker creates a breaker tripping after threshold consecutive failures
func NewFailureBreaker(threshold int) *FailureBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureBreaker{threshold: threshold}
}

// RecordSuccess resets the failure count
func (b *FailureBreaker) RecordSuccess() {
	b.failures = 0
}

// RecordFailure counts a failure and reports whether the threshold has been reached
func (b *FailureBreaker) RecordFailure() bool {
	b.failures++
	return b.failures >= b.threshold
}

// Failures returns the current consecutive failure count
func (b *FailureBreaker) Failures() int {
	return b.failures
}

// Threshold returns the number of consecutive failures that trips the breaker
func (b *FailureBreaker) Threshold() int {
	return b.threshold
}

// Tripped reports whether the threshold has been reached
func (b *FailureBreaker) Tripped() bool {
	return b.failures >= b.threshold
}

func (b *FailureBreaker) Reset() {
	b.failures = 0
}
