package domain

import "time"

// HealthStatus is the supervisor's view of a component.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the supervisory record for one registered component.
type ComponentHealth struct {
	Name                string       `json:"name"`
	Status              HealthStatus `json:"status"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	LastHealthyAt       time.Time    `json:"last_healthy_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// Alert priorities, ntfy scale.
const (
	PriorityMin     = 1
	PriorityLow     = 2
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityUrgent  = 5
)
