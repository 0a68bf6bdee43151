package gateway

import "time"

// reconnect delay schedule: doubling from one second, then a flat cap.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the reconnect delay for the given 1-based attempt:
// 1s, 2s, 4s, 8s, 16s, 32s, then 60s for every later attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return backoffCap
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		return backoffCap
	}
	return d
}
