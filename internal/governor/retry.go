package governor

import "time"

// RetryPolicy decides whether a caller re-dispatches after a transport
// failure. attempt is the number of attempts already made (starting at 1).
type RetryPolicy interface {
	Next(attempt int, err error) (delay time.Duration, retry bool)
}

// NoRetry never retries. It is the default.
type NoRetry struct{}

// Next implements RetryPolicy.
func (NoRetry) Next(int, error) (time.Duration, bool) {
	return 0, false
}

// BackoffRetry retries up to MaxAttempts total attempts with exponential
// backoff starting at BaseDelay: BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
type BackoffRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Next implements RetryPolicy.
func (b BackoffRetry) Next(attempt int, _ error) (time.Duration, bool) {
	if attempt < 1 || attempt >= b.MaxAttempts {
		return 0, false
	}
	return b.BaseDelay * time.Duration(1<<(attempt-1)), true
}

// PolicyFor returns NoRetry for attempts <= 1 and a BackoffRetry otherwise.
func PolicyFor(attempts int, baseDelay time.Duration) RetryPolicy {
	if attempts <= 1 {
		return NoRetry{}
	}
	return BackoffRetry{MaxAttempts: attempts, BaseDelay: baseDelay}
}
