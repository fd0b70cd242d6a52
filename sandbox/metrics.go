package sandbox

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike     AlertType = "login_failure_spike"
	AlertTwoFactorFailureSpike AlertType = "2fa_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow        = 1 * time.Minute
	defaultLoginFailureThreshold     = 50
	defaultTwoFactorFailureWindow    = 5 * time.Minute
	defaultTwoFactorFailureThreshold = 20
)

// slidingCounter fires once len(events within window) reaches threshold and
// then starts over.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu        sync.Mutex
	login     slidingCounter
	twoFactor slidingCounter
	alertFn   AlertFunc
	now       func() time.Time
}

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	return &metricsCollector{
		login: slidingCounter{
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
		},
		twoFactor: slidingCounter{
			window:    defaultTwoFactorFailureWindow,
			threshold: defaultTwoFactorFailureThreshold,
			alert:     AlertTwoFactorFailureSpike,
			message:   "2FA failure rate exceeds threshold",
		},
		alertFn: alertFn,
		now:     now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.login)
	case AuditTwoFactorFailure:
		m.record(&m.twoFactor)
	}
}

func (m *metricsCollector) record(c *slidingCounter) {
	m.mu.Lock()
	now := m.now()
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)
	if len(c.events) < c.threshold {
		m.mu.Unlock()
		return
	}
	ev := AlertEvent{
		Type:      c.alert,
		Message:   c.message,
		Count:     len(c.events),
		Threshold: c.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	c.events = c.events[:0]
	m.mu.Unlock()

	m.alertFn(ev)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
