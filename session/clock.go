package session

import "time"

// IdleTimeout is how long a session may go without outbound activity before
// it is considered expired.
const IdleTimeout = 5 * time.Minute

// Expired reports whether a session last active at lastActivity has idled
// past threshold at now. A zero lastActivity is always expired.
func Expired(lastActivity, now time.Time, threshold time.Duration) bool {
	if lastActivity.IsZero() {
		return true
	}
	return now.Sub(lastActivity) >= threshold
}
