package session

import "time"

// backoffDelay returns the reconnection delay for attempt n (0-based):
// 1s, 2s, 4s, ... capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	// Beyond 2^30 seconds the shift would overflow time.Duration.
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
