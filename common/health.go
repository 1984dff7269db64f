package common

import "time"

// HealthState is the state of the builder circuit breaker
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
)

func (s HealthState) String() string {
	return string(s)
}

// ParseHealthState returns the state for "healthy" or "unhealthy"
func ParseHealthState(s string) (HealthState, bool) {
	switch HealthState(s) {
	case HealthStateHealthy:
		return HealthStateHealthy, true
	case HealthStateUnhealthy:
		return HealthStateUnhealthy, true
	default:
		return "", false
	}
}

// BuilderHealth is a point in time view of the builder health monitor
type BuilderHealth struct {
	State                HealthState `json:"state"`
	ConsecutiveFailures  uint64      `json:"consecutive_failures"`
	ConsecutiveSuccesses uint64      `json:"consecutive_successes"`
	LastError            string      `json:"last_error,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}
