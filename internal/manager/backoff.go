package manager

import "time"

// NextRetryDelay returns the linear backoff delay for retry N (1-based):
// base for the first retry, 2*base for the second, and so on. Retries are
// capped by MaxRetries, so there is no ceiling beyond that.
func NextRetryDelay(base time.Duration, retry int) time.Duration {
	if base <= 0 || retry <= 0 {
		return 0
	}
	return base * time.Duration(retry)
}
