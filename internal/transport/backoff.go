package transport

import "time"

// DefaultBackoff is the reconnect schedule: immediate, 2s, 5s, 10s, then hold.
var DefaultBackoff = Backoff{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// Backoff is a capped reconnect schedule. Attempts past the end hold at the
// last delay.
type Backoff []time.Duration

// Delay returns the wait before the given zero-based reconnect attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b) {
		return b[len(b)-1]
	}
	return b[attempt]
}
